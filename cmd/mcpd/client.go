package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/mcpd/internal/api"
	"github.com/mattjoyce/mcpd/internal/coordinator"
	"github.com/mattjoyce/mcpd/internal/webhook"
)

const defaultAddr = "http://127.0.0.1:5005"

type clientFlags struct {
	addr  string
	token string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	cf := &clientFlags{}
	addr := os.Getenv("MCPD_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	fs.StringVar(&cf.addr, "addr", addr, "mcpd base URL")
	fs.StringVar(&cf.token, "token", os.Getenv("MCP_API_TOKEN"), "Bearer token for management routes")
	return cf
}

func (cf *clientFlags) client() *apiClient {
	return &apiClient{
		base:  strings.TrimRight(cf.addr, "/"),
		token: cf.token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// apiError is a non-2xx response decoded from the server's error body.
type apiError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.Status, e.Body.Error, e.Body.Message)
	if len(e.Body.Allowed) > 0 {
		msg += " (allowed: " + strings.Join(e.Body.Allowed, ", ") + ")"
	}
	return msg
}

// do sends body as JSON and decodes a 2xx response (or one of accept) into out.
func (c *apiClient) do(method, path string, body, out any, accept ...int) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 && !slices.Contains(accept, resp.StatusCode) {
		ae := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&ae.Body); err != nil {
			ae.Body.Message = resp.Status
		}
		return ae
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// --- task ---

func runTaskNoun(args []string) int {
	const actions = "run | list | get | attempts | retry | dead-letters"
	if len(args) < 1 {
		printNounHelp(os.Stderr, "task", actions)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "task", actions)
		return 0
	}

	fs := flag.NewFlagSet("task "+args[0], flag.ContinueOnError)
	cf := addClientFlags(fs)
	jsonOut := fs.Bool("json", false, "Output raw JSON")

	switch args[0] {
	case "run":
		agentID := fs.String("agent", "", "Agent that owns the task")
		project := fs.String("project", "", "Project argument passed to the command")
		execute := fs.Bool("execute", false, "Start immediately instead of waiting for the picker")
		if err := parseInterspersed(fs, args[1:]); err != nil || fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: mcpd task run <command> --agent <id> [--project p] [--execute]")
			return 1
		}
		req := coordinator.RunRequest{Command: fs.Arg(0), Agent: *agentID, Project: *project, Execute: *execute}
		var resp api.RunResponse
		if err := cf.client().do(http.MethodPost, "/run", req, &resp); err != nil {
			return reportErr(err)
		}
		if *jsonOut {
			printJSON(resp)
		} else {
			fmt.Printf("%s %s\n", resp.TaskID, resp.Status)
		}
		return 0

	case "list":
		status := fs.String("status", "", "Filter by status")
		agentID := fs.String("agent", "", "Filter by agent")
		limit := fs.Int("limit", 0, "Maximum tasks to show")
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		q := url.Values{}
		if *status != "" {
			q.Set("status", *status)
		}
		if *agentID != "" {
			q.Set("agent", *agentID)
		}
		if *limit > 0 {
			q.Set("limit", strconv.Itoa(*limit))
		}
		path := "/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var resp api.TaskListResponse
		if err := cf.client().do(http.MethodGet, path, nil, &resp); err != nil {
			return reportErr(err)
		}
		if *jsonOut {
			printJSON(resp)
			return 0
		}
		for _, t := range resp.Tasks {
			rc := "-"
			if t.ReturnCode != nil {
				rc = strconv.Itoa(*t.ReturnCode)
			}
			fmt.Printf("%s  %-8s %-14s %-24s rc=%s retries=%d/%d\n", t.ID, t.Status, t.Agent, t.Command, rc, t.Retries, t.MaxRetries)
		}
		return 0

	case "get", "attempts":
		if err := parseInterspersed(fs, args[1:]); err != nil || fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "Usage: mcpd task %s <id>\n", args[0])
			return 1
		}
		path := "/tasks/" + url.PathEscape(fs.Arg(0))
		if args[0] == "attempts" {
			path += "/attempts"
		}
		var resp json.RawMessage
		if err := cf.client().do(http.MethodGet, path, nil, &resp); err != nil {
			return reportErr(err)
		}
		printRaw(resp)
		return 0

	case "retry":
		reason := fs.String("reason", "", "Reason recorded with the retry")
		if err := parseInterspersed(fs, args[1:]); err != nil || fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "Usage: mcpd task retry <id> [--reason text]")
			return 1
		}
		var resp api.RetryResponse
		if err := cf.client().do(http.MethodPost, "/tasks/"+url.PathEscape(fs.Arg(0))+"/retry", api.RetryRequest{Reason: *reason}, &resp); err != nil {
			return reportErr(err)
		}
		if *jsonOut {
			printJSON(resp)
		} else {
			fmt.Printf("%s %s\n", fs.Arg(0), resp.Disposition)
		}
		return 0

	case "dead-letters":
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		var resp json.RawMessage
		if err := cf.client().do(http.MethodGet, "/dead_letters", nil, &resp); err != nil {
			return reportErr(err)
		}
		printRaw(resp)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", args[0])
		return 1
	}
}

// --- webhook ---

func runWebhookNoun(args []string) int {
	const actions = "list | register | unregister | stats | deliveries"
	if len(args) < 1 {
		printNounHelp(os.Stderr, "webhook", actions)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "webhook", actions)
		return 0
	}

	fs := flag.NewFlagSet("webhook "+args[0], flag.ContinueOnError)
	cf := addClientFlags(fs)

	switch args[0] {
	case "list", "stats":
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		path := "/webhooks"
		if args[0] == "stats" {
			path += "/stats"
		}
		var resp json.RawMessage
		if err := cf.client().do(http.MethodGet, path, nil, &resp); err != nil {
			return reportErr(err)
		}
		printRaw(resp)
		return 0

	case "register":
		target := fs.String("url", "", "Receiver URL")
		eventList := fs.String("events", "*", "Comma-separated event types")
		secret := fs.String("secret", "", "Signing secret (generated when empty)")
		retries := fs.Int("retries", -1, "Retry count (server default when negative)")
		if err := fs.Parse(args[1:]); err != nil || *target == "" {
			fmt.Fprintln(os.Stderr, "Usage: mcpd webhook register --url <url> [--events a,b] [--secret s] [--retries n]")
			return 1
		}
		req := webhook.RegisterRequest{URL: *target, Events: splitCSV(*eventList), Secret: *secret}
		if *retries >= 0 {
			req.RetryCount = retries
		}
		var resp api.WebhookCreatedResponse
		if err := cf.client().do(http.MethodPost, "/webhooks", req, &resp); err != nil {
			return reportErr(err)
		}
		fmt.Printf("registered %s\n", resp.WebhookID)
		if resp.Webhook != nil {
			fmt.Printf("secret: %s\n", resp.Webhook.Secret)
		}
		return 0

	case "unregister", "deliveries":
		limit := fs.Int("limit", 0, "Maximum records (deliveries only)")
		if err := parseInterspersed(fs, args[1:]); err != nil || fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "Usage: mcpd webhook %s <id>\n", args[0])
			return 1
		}
		path := "/webhooks/" + url.PathEscape(fs.Arg(0))
		method := http.MethodDelete
		if args[0] == "deliveries" {
			method = http.MethodGet
			path += "/deliveries"
			if *limit > 0 {
				path += "?limit=" + strconv.Itoa(*limit)
			}
		}
		var resp json.RawMessage
		if err := cf.client().do(method, path, nil, &resp); err != nil {
			return reportErr(err)
		}
		printRaw(resp)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown webhook action: %s\n", args[0])
		return 1
	}
}

// --- plugin ---

func runPluginNoun(args []string) int {
	const actions = "list | enable | disable"
	if len(args) < 1 {
		printNounHelp(os.Stderr, "plugin", actions)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout, "plugin", actions)
		return 0
	}

	fs := flag.NewFlagSet("plugin "+args[0], flag.ContinueOnError)
	cf := addClientFlags(fs)

	switch args[0] {
	case "list":
		if err := fs.Parse(args[1:]); err != nil {
			return 1
		}
		var resp api.PluginListResponse
		if err := cf.client().do(http.MethodGet, "/plugins", nil, &resp); err != nil {
			return reportErr(err)
		}
		for _, p := range resp.Plugins {
			state := "enabled"
			if !p.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-20s %-8s %-8s %-9s %s\n", p.Name, p.Version, p.Kind, state, p.Health)
		}
		return 0

	case "enable", "disable":
		if err := parseInterspersed(fs, args[1:]); err != nil || fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "Usage: mcpd plugin %s <name>\n", args[0])
			return 1
		}
		var resp json.RawMessage
		if err := cf.client().do(http.MethodPost, "/plugins/"+url.PathEscape(fs.Arg(0))+"/"+args[0], nil, &resp); err != nil {
			return reportErr(err)
		}
		printRaw(resp)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", args[0])
		return 1
	}
}

func runSuggest(args []string) int {
	fs := flag.NewFlagSet("suggest", flag.ContinueOnError)
	cf := addClientFlags(fs)
	agentID := fs.String("agent", "", "Route to this agent")
	if err := parseInterspersed(fs, args); err != nil || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: mcpd suggest <text> [--agent id]")
		return 1
	}
	var resp api.SuggestResponse
	req := api.SuggestRequest{Text: strings.Join(fs.Args(), " "), Agent: *agentID}
	if err := cf.client().do(http.MethodPost, "/suggest", req, &resp); err != nil {
		return reportErr(err)
	}
	fmt.Printf("%s -> %s (%s, confidence %.2f)\n", resp.Command, resp.Agent, resp.Provider, resp.Confidence)
	return 0
}

// parseInterspersed lets positional arguments come before flags.
func parseInterspersed(fs *flag.FlagSet, args []string) error {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
	return fs.Parse(append([]string{"--"}, positional...))
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printRaw(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}

func reportErr(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}
