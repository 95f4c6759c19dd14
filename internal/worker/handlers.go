package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobgate/internal/domain"
)

// Outcome is what a handler reports for a job.
type Outcome struct {
	Status string
	Output map[string]any
}

// Handler processes one claimed job. A returned error completes the job as failed.
type Handler func(ctx context.Context, job domain.Job) (Outcome, error)

// IntentRunner runs the gate pipeline for an intent.
type IntentRunner interface {
	RunIntent(ctx context.Context, title, description, priority string) (domain.PromotionResult, error)
}

func completed(out map[string]any) Outcome {
	return Outcome{Status: domain.JobCompleted, Output: out}
}

func failed(msg string) Outcome {
	return Outcome{Status: domain.JobFailed, Output: map[string]any{"ok": false, "error": msg}}
}

func decodePayload(job domain.Job, dst any) error {
	if len(job.Payload) == 0 || string(job.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// EchoHandler returns the payload's msg.
func EchoHandler(now func() time.Time) Handler {
	return func(ctx context.Context, job domain.Job) (Outcome, error) {
		var p struct {
			Msg any `json:"msg"`
		}
		if err := decodePayload(job, &p); err != nil {
			return Outcome{}, err
		}
		if p.Msg == nil {
			p.Msg = ""
		}
		return completed(map[string]any{"ok": true, "echo": p.Msg, "handled_at": domain.FormatTime(now())}), nil
	}
}

type httpPayload struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Data    any               `json:"data"`
}

// HTTPHandler performs the request described by the payload and samples the response body.
func HTTPHandler(client *http.Client, timeout time.Duration, sample int, now func() time.Time) Handler {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if sample <= 0 {
		sample = 1000
	}
	return func(ctx context.Context, job domain.Job) (Outcome, error) {
		var p httpPayload
		if err := decodePayload(job, &p); err != nil {
			return Outcome{}, err
		}
		if strings.TrimSpace(p.URL) == "" {
			return failed("missing url"), nil
		}
		method := strings.ToUpper(p.Method)
		if method == "" {
			method = http.MethodGet
		}
		var body io.Reader
		if p.Data != nil {
			data, err := json.Marshal(p.Data)
			if err != nil {
				return Outcome{}, err
			}
			body = bytes.NewReader(data)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
		if err != nil {
			return Outcome{}, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return Outcome{}, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(sample)*4))
		if err != nil {
			return Outcome{}, err
		}
		return completed(map[string]any{
			"ok":          true,
			"status_code": resp.StatusCode,
			"body_sample": truncateRunes(string(raw), sample),
			"handled_at":  domain.FormatTime(now()),
		}), nil
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// PipelineHandler runs an intent through the gate pipeline. A held or failed plan completes as needs_revision.
func PipelineHandler(runner IntentRunner) Handler {
	return func(ctx context.Context, job domain.Job) (Outcome, error) {
		var p struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Priority    string `json:"priority"`
		}
		if err := decodePayload(job, &p); err != nil {
			return Outcome{}, err
		}
		if strings.TrimSpace(p.Title) == "" {
			return failed("missing title"), nil
		}
		res, err := runner.RunIntent(ctx, p.Title, p.Description, p.Priority)
		if err != nil {
			return Outcome{}, err
		}
		out := map[string]any{
			"ok":       res.Promoted,
			"plan_id":  res.PlanID,
			"promoted": res.Promoted,
			"reason":   res.Reason,
			"stage":    res.Stage,
		}
		if res.RollbackToken != "" {
			out["rollback_token"] = res.RollbackToken
		}
		if res.ApprovalID != "" {
			out["approval_id"] = res.ApprovalID
		}
		if !res.Promoted {
			return Outcome{Status: domain.JobNeedsRevision, Output: out}, nil
		}
		return completed(out), nil
	}
}

// DefaultHandlers returns the built-in handlers. The pipeline handler is registered only when runner is set.
func DefaultHandlers(runner IntentRunner, httpTimeout time.Duration, bodySample int, now func() time.Time) map[string]Handler {
	if now == nil {
		now = time.Now
	}
	handlers := map[string]Handler{
		"echo": EchoHandler(now),
		"http": HTTPHandler(nil, httpTimeout, bodySample, now),
	}
	if runner != nil {
		handlers["pipeline"] = PipelineHandler(runner)
	}
	return handlers
}
