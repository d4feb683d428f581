package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/mcpd/internal/api"
	"github.com/mattjoyce/mcpd/internal/config"
	"github.com/mattjoyce/mcpd/internal/coordinator"
	"github.com/mattjoyce/mcpd/internal/ingest"
	"github.com/mattjoyce/mcpd/internal/lock"
	"github.com/mattjoyce/mcpd/internal/log"
	"github.com/mattjoyce/mcpd/internal/tui/watch"
)

const version = "0.3.0"

// shutdownGrace bounds how long running commands get to finish on SIGTERM.
const shutdownGrace = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	os.Exit(run(os.Args[1], os.Args[2:]))
}

func run(cmd string, args []string) int {
	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "task":
		return runTaskNoun(args)
	case "webhook":
		return runWebhookNoun(args)
	case "plugin":
		return runPluginNoun(args)

	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "suggest":
		return runSuggest(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		fmt.Printf("mcpd version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`mcpd - MCP agent fleet coordinator

Usage:
  mcpd <noun> <action> [flags]

Nouns:
  system    Service lifecycle and health
  config    Configuration validation
  task      Queued and finished command executions
  webhook   Outbound event subscriptions
  plugin    Loaded event plugins

System Commands:
  system start          Run the coordinator in the foreground
  system status         Show health of a running instance
  system watch          Live terminal view of agents, tasks and events

Config Commands:
  config check          Validate configuration and plugin wiring
  config show           Print the effective configuration

Task Commands:
  task run <command>    Queue an allow-listed command
  task list             List tasks
  task get <id>         Show one task
  task attempts <id>    Show recorded attempts
  task retry <id>       Retry a failed task
  task dead-letters     List dead-lettered tasks

Webhook Commands:
  webhook list | register | unregister <id> | stats | deliveries <id>

Plugin Commands:
  plugin list | enable <name> | disable <name>

General:
  suggest <text>        Ask the advisor for a command
  version               Show version information
  help                  Show this help message

Client commands read --addr (MCPD_ADDR) and --token (MCP_API_TOKEN).
Use 'mcpd <noun> help' for resource-specific flags.
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, "system", "start | status | watch")
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "system", "start | status | watch")
		return 0
	}

	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "status":
		return runSystemStatus(args[1:])
	case "watch":
		return runWatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func printNounHelp(w *os.File, noun, actions string) {
	fmt.Fprintf(w, "Usage: mcpd %s <%s> [flags]\n", noun, actions)
	fmt.Fprintf(w, "Run 'mcpd %s <action> --help' for flags.\n", noun)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("MCPD_CONFIG"), "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		logger.Warn("config fingerprint unavailable", "error", err)
	}
	logger.Info("mcpd starting", "version", version, "config", cfg.SourcePath, "fingerprint", fingerprint)

	pidLock, err := lock.AcquirePIDLock(cfg.PIDPath())
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", cfg.PIDPath(), "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord, err := coordinator.Open(ctx, cfg)
	if err != nil {
		logger.Error("failed to open coordinator", "error", err)
		return 1
	}
	if err := coord.Start(ctx); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		_ = coord.Shutdown(context.Background())
		return 1
	}

	server := api.New(api.Config{
		Listen:       cfg.API.Addr(),
		Token:        cfg.API.Token,
		MaxBodyBytes: cfg.API.MaxBodyBytes,
		Ingest: ingest.Options{
			Secret:       cfg.Ingest.GitHubSecret,
			AutoExec:     cfg.Ingest.AutoExec,
			DedupeWindow: cfg.Ingest.DedupeWindow,
		},
	}, coord, log.WithComponent("api"))

	exit := 0
	if err := server.Start(ctx); err != nil {
		logger.Error("API server stopped", "error", err)
		exit = 1
	}
	stop()

	logger.Info("shutting down", "grace", shutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("shutdown failed", "error", err)
		exit = 1
	}
	logger.Info("mcpd stopped")
	return exit
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cf := addClientFlags(fs)
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var h coordinator.HealthReport
	if err := cf.client().do(http.MethodGet, "/health", nil, &h, http.StatusServiceUnavailable); err != nil {
		fmt.Fprintf(os.Stderr, "Status error: %v\n", err)
		return 1
	}
	if *jsonOut {
		printJSON(h)
	} else {
		fmt.Printf("%s: %s (up %s, %d running)\n", h.Service, h.Status, time.Duration(h.UptimeSeconds)*time.Second, h.Running)
		fmt.Printf("task store: %s\n", h.TaskStore)
		if h.TaskStoreErr != "" {
			fmt.Printf("  %s\n", h.TaskStoreErr)
		}
		for _, b := range h.Breakers {
			fmt.Printf("breaker %s: %s (%d failures)\n", b.Name, b.State, b.FailureCount)
		}
		for name, ph := range h.Plugins {
			fmt.Printf("plugin %s: %s\n", name, ph)
		}
		if h.Webhooks != nil {
			fmt.Printf("webhooks: %d queued, %d retrying\n", h.Webhooks.QueueDepth, h.Webhooks.PendingRetries)
		}
	}
	if !h.Available() {
		return 2
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if err := watch.Run(cf.addr, cf.token); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
