package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mattjoyce/mcpd/internal/breaker"
)

// BreakerName guards calls to the AI backend.
const BreakerName = "ai_backend"

const maxReplyBytes = 64 << 10

// HTTPProvider asks a remote backend. Calls go through the ai_backend breaker,
// so a failing backend is skipped without a request once the breaker opens.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
	breakers *breaker.Set
}

// NewHTTPProvider returns a provider posting to endpoint.
func NewHTTPProvider(endpoint string, timeout time.Duration, breakers *breaker.Set) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breakers: breakers,
	}
}

func (p *HTTPProvider) Name() string { return "ai_backend" }

type backendReply struct {
	Command    string  `json:"command"`
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
}

func (p *HTTPProvider) Suggest(ctx context.Context, req Request) (Suggestion, error) {
	var reply backendReply
	err := p.breakers.Execute(ctx, BreakerName, func(ctx context.Context) error {
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("call backend: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
		if err != nil {
			return fmt.Errorf("read backend reply: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("backend returned status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(data, &reply); err != nil {
			return fmt.Errorf("decode backend reply: %w", err)
		}
		if reply.Command == "" {
			return fmt.Errorf("backend reply has no command")
		}
		return nil
	})
	if err != nil {
		return Suggestion{}, err
	}
	return Suggestion{Command: reply.Command, Agent: reply.Agent, Confidence: reply.Confidence}, nil
}
