package advisor

import (
	"context"
	"errors"
	"slices"
	"strings"
)

var errNoMatch = errors.New("no keyword matched")

type rule struct {
	command  string
	keywords []string
}

// Rules are checked in order; the first with a match and an allow-listed
// command wins.
var defaultRules = []rule{
	{command: "fix-all", keywords: []string{"everything", "all"}},
	{command: "fix", keywords: []string{"fix", "repair", "broken", "bug", "error"}},
	{command: "ci-check", keywords: []string{"ci", "pipeline", "build", "test", "tests"}},
	{command: "mcp_github_get_job_logs", keywords: []string{"logs", "log"}},
	{command: "mcp_github_list_workflow_runs", keywords: []string{"runs"}},
	{command: "mcp_github_list_workflows", keywords: []string{"workflow", "workflows"}},
	{command: "analyze", keywords: []string{"analy", "inspect", "audit"}},
	{command: "validate", keywords: []string{"validat", "verify", "lint"}},
	{command: "optimize-performance", keywords: []string{"optimi", "perf", "slow", "speed"}},
	{command: "enhance-review-engine", keywords: []string{"review"}},
	{command: "implement-todo", keywords: []string{"todo", "todos"}},
	{command: "implement-feature", keywords: []string{"feature", "implement"}},
	{command: "integrate-api", keywords: []string{"api", "integrat", "endpoint"}},
	{command: "enhance-ui", keywords: []string{"ui", "ux", "interface", "design"}},
	{command: "status", keywords: []string{"status", "health", "state"}},
}

// HeuristicProvider maps keywords in the text to commands. It needs no
// network and makes a reasonable last provider in a chain.
type HeuristicProvider struct {
	rules []rule
}

// NewHeuristicProvider returns a provider using the built-in keyword rules.
func NewHeuristicProvider() *HeuristicProvider {
	return &HeuristicProvider{rules: defaultRules}
}

func (h *HeuristicProvider) Name() string { return "heuristic" }

func (h *HeuristicProvider) Suggest(_ context.Context, req Request) (Suggestion, error) {
	tokens := strings.FieldsFunc(strings.ToLower(req.Text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})

	for _, r := range h.rules {
		if len(req.Commands) > 0 && !slices.Contains(req.Commands, r.command) {
			continue
		}
		hits := 0
		for _, kw := range r.keywords {
			if matches(tokens, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		confidence := 0.4 + 0.15*float64(hits)
		if confidence > 0.85 {
			confidence = 0.85
		}
		return Suggestion{Command: r.command, Confidence: confidence}, nil
	}
	return Suggestion{}, errNoMatch
}

// matches is true when a token equals kw, or starts with kw for stems of
// four or more letters.
func matches(tokens []string, kw string) bool {
	for _, t := range tokens {
		if t == kw || (len(kw) >= 4 && strings.HasPrefix(t, kw)) {
			return true
		}
	}
	return false
}
