package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/mcpd/internal/config"
	"github.com/mattjoyce/mcpd/internal/doctor"
	"github.com/mattjoyce/mcpd/internal/plugin"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printNounHelp(os.Stderr, "config", "check | show")
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "config", "check | show")
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "show":
		return runConfigShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

// runConfigCheck exits 0 when valid, 1 on errors and 2 when --strict and
// warnings were found.
func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", os.Getenv("MCPD_CONFIG"), "Path to configuration file")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := config.Parse(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	manifests, err := plugin.Discover(cfg.Plugins.Dir, nil)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Plugin discovery error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, manifests).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("MCPD_CONFIG"), "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	reveal := fs.Bool("reveal", false, "Print secrets instead of masking them")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if !*reveal {
		mask(&cfg.API.Token)
		mask(&cfg.Ingest.GitHubSecret)
	}

	if *jsonOut {
		printJSON(cfg)
		return 0
	}
	fingerprint, err := cfg.Fingerprint()
	if err == nil {
		fmt.Printf("# fingerprint: %s\n", fingerprint)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encode error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func mask(s *string) {
	if *s != "" {
		*s = "********"
	}
}
