package dispatch

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/mcpd/internal/errs"
)

// ErrCommandNotAllowed is returned for any command missing from the allow-list.
var ErrCommandNotAllowed = errs.New(errs.CommandNotAllowed, "command not allowed")

// AllowList maps a command name to the argv template executed for it.
type AllowList map[string][]string

// DefaultAllowList returns the stock automation commands.
func DefaultAllowList() AllowList {
	return AllowList{
		"analyze":                       {"./Tools/Automation/ai_enhancement_system.sh", "analyze"},
		"analyze-all":                   {"./Tools/Automation/ai_enhancement_system.sh", "analyze-all"},
		"auto-apply":                    {"./Tools/Automation/ai_enhancement_system.sh", "auto-apply"},
		"ci-check":                      {"./Tools/Automation/mcp_workflow.sh", "ci-check"},
		"fix":                           {"./Tools/Automation/intelligent_autofix.sh", "fix"},
		"fix-all":                       {"./Tools/Automation/intelligent_autofix.sh", "fix-all"},
		"status":                        {"./Tools/Automation/master_automation.sh", "status"},
		"validate":                      {"./Tools/Automation/intelligent_autofix.sh", "validate"},
		"optimize-performance":          {"./Tools/Automation/agents/agent_debug.sh", "optimize-performance"},
		"enhance-review-engine":         {"./Tools/Automation/agents/agent_codegen.sh", "enhance-review-engine"},
		"implement-feature":             {"./Tools/Automation/agents/agent_codegen.sh", "implement-feature"},
		"integrate-api":                 {"./Tools/Automation/agents/agent_build.sh", "integrate-api"},
		"enhance-ui":                    {"./Tools/Automation/agents/agent_uiux.sh", "enhance-ui"},
		"implement-todo":                {"./Tools/Automation/agents/agent_codegen.sh", "implement-todo"},
		"mcp_github_list_workflows":     {"./Tools/Automation/mcp_github_list_workflows.sh"},
		"mcp_github_list_workflow_runs": {"./Tools/Automation/mcp_github_list_workflow_runs.sh"},
		"mcp_github_get_job_logs":       {"./Tools/Automation/mcp_github_get_job_logs.sh"},
	}
}

// Merge returns a copy of a with overrides applied on top.
func (a AllowList) Merge(overrides map[string][]string) AllowList {
	out := make(AllowList, len(a)+len(overrides))
	for name, argv := range a {
		out[name] = append([]string(nil), argv...)
	}
	for name, argv := range overrides {
		out[name] = append([]string(nil), argv...)
	}
	return out
}

// Allowed reports whether command is allow-listed.
func (a AllowList) Allowed(command string) bool {
	_, ok := a[command]
	return ok
}

// Names returns the allow-listed command names, sorted.
func (a AllowList) Names() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Argv builds the argument vector for command, appending project as a
// trailing argument when set. The template is copied, never shared.
func (a AllowList) Argv(command, project string) ([]string, error) {
	tmpl, ok := a[command]
	if !ok || len(tmpl) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrCommandNotAllowed, command)
	}
	argv := make([]string, len(tmpl), len(tmpl)+1)
	copy(argv, tmpl)
	if project != "" {
		argv = append(argv, project)
	}
	return argv, nil
}
