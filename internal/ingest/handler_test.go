package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mcpd/internal/errs"
)

type mockSubmitter struct {
	submitFn func(ctx context.Context, job Job) (Submission, error)
	jobs     []Job
}

func (m *mockSubmitter) SubmitJob(ctx context.Context, job Job) (Submission, error) {
	m.jobs = append(m.jobs, job)
	if m.submitFn != nil {
		return m.submitFn(ctx, job)
	}
	return Submission{TaskID: "task-1", Queued: !job.Execute}, nil
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func post(t *testing.T, router http.Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestGitHubRepositoryDispatch(t *testing.T) {
	sub := &mockSubmitter{}
	router := newRouter(New(sub, Options{}))

	body := []byte(`{"action":"run","client_payload":{"run":"fix","project":"api","execute":true}}`)
	rec := post(t, router, "/github_webhook", body, map[string]string{
		"X-GitHub-Event":    "repository_dispatch",
		"X-GitHub-Delivery": "d-1",
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, sub.jobs, 1)
	job := sub.jobs[0]
	assert.Equal(t, "github-webhook", job.Agent)
	assert.Equal(t, "fix", job.Command)
	assert.Equal(t, "api", job.Project)
	assert.True(t, job.Execute)
	assert.Equal(t, "d-1", job.Meta["delivery"])

	resp := decode(t, rec)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "task-1", resp["task_id"])
}

func TestGitHubDispatchDefaults(t *testing.T) {
	sub := &mockSubmitter{}
	router := newRouter(New(sub, Options{}))

	rec := post(t, router, "/github_webhook", []byte(`{"client_payload":{}}`),
		map[string]string{"X-GitHub-Event": "repository_dispatch"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ci-check", sub.jobs[0].Command)
	assert.Equal(t, "workspace", sub.jobs[0].Project)
	assert.False(t, sub.jobs[0].Execute)
	assert.Equal(t, true, decode(t, rec)["queued"])
}

func TestGitHubWorkflowRun(t *testing.T) {
	tests := []struct {
		name       string
		conclusion string
		autoExec   bool
		wantJob    bool
	}{
		{name: "failure creates ci-check", conclusion: "failure", wantJob: true},
		{name: "auto exec", conclusion: "timed_out", autoExec: true, wantJob: true},
		{name: "success ignored", conclusion: "success"},
		{name: "in progress ignored", conclusion: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &mockSubmitter{}
			router := newRouter(New(sub, Options{AutoExec: tt.autoExec}))

			body, _ := json.Marshal(map[string]any{
				"workflow_run": map[string]any{
					"name": "CI", "conclusion": tt.conclusion, "head_branch": "main", "id": 42,
				},
			})
			rec := post(t, router, "/github_webhook", body, map[string]string{"X-GitHub-Event": "workflow_run"})

			if !tt.wantJob {
				assert.Equal(t, http.StatusOK, rec.Code)
				assert.Empty(t, sub.jobs)
				assert.Equal(t, "workflow_run", decode(t, rec)["ignored_event"])
				return
			}
			require.Equal(t, http.StatusAccepted, rec.Code)
			require.Len(t, sub.jobs, 1)
			assert.Equal(t, "ci-check", sub.jobs[0].Command)
			assert.Equal(t, "main", sub.jobs[0].Project)
			assert.Equal(t, tt.autoExec, sub.jobs[0].Execute)
			assert.Equal(t, tt.conclusion, sub.jobs[0].Meta["conclusion"])
		})
	}
}

func TestGitHubOtherEventIgnored(t *testing.T) {
	sub := &mockSubmitter{}
	router := newRouter(New(sub, Options{}))

	rec := post(t, router, "/github_webhook", []byte(`{"zen":"hi"}`), map[string]string{"X-GitHub-Event": "ping"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ping", decode(t, rec)["ignored_event"])
	assert.Empty(t, sub.jobs)
}

func TestSignatureRequiredWhenSecretSet(t *testing.T) {
	secret := "s3cret"
	body := []byte(`{"client_payload":{"command":"status"}}`)
	headers := func(extra map[string]string) map[string]string {
		h := map[string]string{"X-GitHub-Event": "repository_dispatch"}
		for k, v := range extra {
			h[k] = v
		}
		return h
	}

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "sha256 valid", headers: headers(map[string]string{headerSHA256: computeSignature(body, secret, "sha256")}), want: http.StatusAccepted},
		{name: "sha1 valid", headers: headers(map[string]string{headerSHA1: computeSignature(body, secret, "sha1")}), want: http.StatusAccepted},
		{name: "wrong secret", headers: headers(map[string]string{headerSHA256: computeSignature(body, "other", "sha256")}), want: http.StatusUnauthorized},
		{name: "missing header", headers: headers(nil), want: http.StatusUnauthorized},
		{name: "unprefixed", headers: headers(map[string]string{headerSHA256: computeSignature(body, secret, "sha256")[7:]}), want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &mockSubmitter{}
			router := newRouter(New(sub, Options{Secret: secret}))
			rec := post(t, router, "/github_webhook", body, tt.headers)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusUnauthorized {
				assert.Empty(t, sub.jobs)
				assert.Equal(t, "unauthorized", decode(t, rec)["error"])
			}
		})
	}
}

func TestWorkflowAlert(t *testing.T) {
	sub := &mockSubmitter{}
	router := newRouter(New(sub, Options{}))

	rec := post(t, router, "/workflow_alert", []byte(`{"workflow":"CI"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode(t, rec)["error"])

	rec = post(t, router, "/workflow_alert", []byte(`{"workflow":"CI","conclusion":"failure","run_id":7}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sub.jobs, 1)
	assert.Equal(t, "workflow-alert", sub.jobs[0].Agent)
	assert.Equal(t, "workspace", sub.jobs[0].Project)
	assert.Equal(t, "CI", sub.jobs[0].Meta["workflow"])
}

func TestDuplicatePayloadReturnsOriginalTask(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	sub := &mockSubmitter{submitFn: func(ctx context.Context, job Job) (Submission, error) {
		calls++
		return Submission{TaskID: []string{"first", "second"}[calls-1], Queued: true}, nil
	}}
	router := newRouter(New(sub, Options{Now: func() time.Time { return now }}))

	body := []byte(`{"workflow":"CI","conclusion":"failure"}`)
	rec := post(t, router, "/workflow_alert", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = post(t, router, "/workflow_alert", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "first", resp["task_id"])
	assert.Equal(t, true, resp["duplicate"])
	assert.Equal(t, 1, calls)

	now = now.Add(DefaultDedupeWindow + time.Second)
	rec = post(t, router, "/workflow_alert", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "second", decode(t, rec)["task_id"])
}

func TestSubmitErrorsMapToStatus(t *testing.T) {
	sub := &mockSubmitter{submitFn: func(ctx context.Context, job Job) (Submission, error) {
		return Submission{}, errs.New(errs.CommandNotAllowed, "command %q is not allowed", job.Command)
	}}
	router := newRouter(New(sub, Options{}))

	rec := post(t, router, "/github_webhook", []byte(`{"client_payload":{"command":"rm"}}`),
		map[string]string{"X-GitHub-Event": "repository_dispatch"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "command_not_allowed", decode(t, rec)["error"])
}

func TestPayloadTooLarge(t *testing.T) {
	router := newRouter(New(&mockSubmitter{}, Options{MaxBodySize: 8}))
	rec := post(t, router, "/workflow_alert", []byte(`{"workflow":"CI","conclusion":"failure"}`), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"push"}`)
	sig := computeSignature(body, "k", "sha256")

	assert.NoError(t, verifySignature(body, sig, "k"))
	assert.Error(t, verifySignature([]byte(`{"event":"pull"}`), sig, "k"), "tampered body")
	assert.Error(t, verifySignature(body, sig, ""), "empty secret")
	assert.Error(t, verifySignature(body, "sha256=zz", "k"), "bad hex")
	assert.Error(t, verifySignature(body, "md5="+sig[7:], "k"), "unknown algo")
}
