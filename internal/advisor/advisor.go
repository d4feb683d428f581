// Package advisor suggests an allow-listed command for free-form text.
//
// Providers are tried in order and the first usable answer wins. A provider
// that errors, or proposes a command outside the allow-list, is skipped and
// its failure kept; when none succeed the failures are returned together.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/mcpd/internal/dispatch"
	"github.com/mattjoyce/mcpd/internal/errs"
	"github.com/mattjoyce/mcpd/internal/log"
)

// ErrNoSuggestion is returned when every provider failed.
var ErrNoSuggestion = errs.New(errs.NotFound, "no provider could suggest a command")

// Request is the text to interpret.
type Request struct {
	Text  string `json:"text"`
	Agent string `json:"agent,omitempty"`
	// Commands is filled by the Chain with the allow-listed names.
	Commands []string `json:"commands,omitempty"`
}

// Suggestion is a proposed command.
type Suggestion struct {
	Provider   string  `json:"provider"`
	Command    string  `json:"command"`
	Agent      string  `json:"agent,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Provider proposes a command for a request.
type Provider interface {
	Name() string
	Suggest(ctx context.Context, req Request) (Suggestion, error)
}

// Chain tries providers in order.
type Chain struct {
	allow     dispatch.AllowList
	providers []Provider
	logger    *slog.Logger
}

// NewChain returns a chain that only accepts commands in allow.
func NewChain(allow dispatch.AllowList, providers ...Provider) *Chain {
	return &Chain{allow: allow, providers: providers, logger: log.WithComponent("advisor")}
}

// Providers returns the provider names in order.
func (c *Chain) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

// Suggest returns the first allow-listed suggestion.
func (c *Chain) Suggest(ctx context.Context, req Request) (Suggestion, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return Suggestion{}, errs.New(errs.Validation, "text is required")
	}
	req.Commands = c.allow.Names()

	var failures []error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		s, err := p.Suggest(ctx, req)
		if err == nil && !c.allow.Allowed(s.Command) {
			err = fmt.Errorf("%w: %q", dispatch.ErrCommandNotAllowed, s.Command)
		}
		if err != nil {
			c.logger.Warn("advisor provider failed", "provider", p.Name(), "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		s.Provider = p.Name()
		if s.Agent == "" {
			s.Agent = req.Agent
		}
		return s, nil
	}
	return Suggestion{}, errs.Wrap(errs.NotFound, errors.Join(append([]error{ErrNoSuggestion}, failures...)...), "")
}
