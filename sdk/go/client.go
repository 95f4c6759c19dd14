package jobgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal jobgate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		APIKey:   apiKey,
		Timeout:  30 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// Enqueue adds a job. The payload is sent as-is.
func (c *Client) Enqueue(ctx context.Context, kind string, payload any) (EnqueueResponse, error) {
	body := map[string]any{"kind": kind, "payload": payload}
	var resp EnqueueResponse
	err := c.do(ctx, http.MethodPost, "jobs/enqueue", body, &resp)
	return resp, err
}

// Claim returns the oldest queued job, or nil when the queue is empty.
func (c *Client) Claim(ctx context.Context, agentID string) (*Job, error) {
	var job *Job
	endpoint := "jobs/claim?agent_id=" + url.QueryEscape(agentID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete reports a terminal status for a claimed job. agentID may be empty.
func (c *Client) Complete(ctx context.Context, jobID, agentID, status string, output any) error {
	body := map[string]any{"status": status, "output": output}
	if agentID != "" {
		body["agent_id"] = agentID
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%s/complete", url.PathEscape(jobID)), body, nil)
}

func (c *Client) Retry(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%s/retry", url.PathEscape(jobID)), nil, nil)
}

// UnblockStuck requeues in-progress jobs untouched for ageSeconds.
func (c *Client) UnblockStuck(ctx context.Context, ageSeconds int) (UnblockResponse, error) {
	var resp UnblockResponse
	endpoint := "jobs/unblock_stuck"
	if ageSeconds > 0 {
		endpoint += "?age_seconds=" + strconv.Itoa(ageSeconds)
	}
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Totals(ctx context.Context) (Totals, error) {
	var resp Totals
	err := c.do(ctx, http.MethodGet, "jobs/totals", nil, &resp)
	return resp, err
}

func (c *Client) RecentJobs(ctx context.Context, limit int, status string) ([]Job, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, withQuery("jobs/recent", q), nil, &resp)
	return resp, err
}

func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) GetResult(ctx context.Context, jobID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("jobs/%s/result", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// RegisterAgent registers (or re-registers) an agent by tenant and name.
func (c *Client) RegisterAgent(ctx context.Context, reg AgentRegistration) (Registration, error) {
	var resp Registration
	err := c.do(ctx, http.MethodPost, "agents/register", reg, &resp)
	return resp, err
}

// Heartbeat records liveness. A nil at means the server clock.
func (c *Client) Heartbeat(ctx context.Context, agentID string, at *time.Time) error {
	body := map[string]any{"agent_id": agentID}
	if at != nil {
		body["at"] = at.UTC().Format(time.RFC3339Nano)
	}
	return c.do(ctx, http.MethodPost, "agents/heartbeat", body, nil)
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp, err
}

func (c *Client) CreatePlan(ctx context.Context, title, description, priority string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, "plans", intentBody(title, description, priority), &resp)
	return resp, err
}

func (c *Client) GetPlan(ctx context.Context, id string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, "plans/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ListPlans(ctx context.Context, limit int, stage string) ([]Plan, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if stage != "" {
		q.Set("stage", stage)
	}
	var resp []Plan
	err := c.do(ctx, http.MethodGet, withQuery("plans", q), nil, &resp)
	return resp, err
}

func (c *Client) RunTasks(ctx context.Context, planID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("plans/%s/tasks", url.PathEscape(planID)), nil, &resp)
	return resp, err
}

func (c *Client) RunGates(ctx context.Context, planID string) ([]GateDecision, error) {
	var resp []GateDecision
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("plans/%s/gates", url.PathEscape(planID)), nil, &resp)
	return resp, err
}

// Promote evaluates decisions, or the latest gate pass when decisions is empty.
func (c *Client) Promote(ctx context.Context, planID string, decisions []GateDecision) (PromotionResult, error) {
	var resp PromotionResult
	body := map[string]any{}
	if len(decisions) > 0 {
		body["decisions"] = decisions
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("plans/%s/promote", url.PathEscape(planID)), body, &resp)
	return resp, err
}

func (c *Client) RunPlan(ctx context.Context, planID string) (PromotionResult, error) {
	var resp PromotionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("plans/%s/run", url.PathEscape(planID)), nil, &resp)
	return resp, err
}

// RunIntent plans and runs an intent end to end.
func (c *Client) RunIntent(ctx context.Context, title, description, priority string) (PipelineRun, error) {
	var resp PipelineRun
	err := c.do(ctx, http.MethodPost, "plans/run", intentBody(title, description, priority), &resp)
	return resp, err
}

// Bundle returns the stored artifact bundle for a gate pass; pass 0 means the latest.
func (c *Client) Bundle(ctx context.Context, planID string, pass int) (json.RawMessage, error) {
	q := url.Values{}
	if pass > 0 {
		q.Set("pass", strconv.Itoa(pass))
	}
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, withQuery(fmt.Sprintf("plans/%s/bundle", url.PathEscape(planID)), q), nil, &resp)
	return resp, err
}

func (c *Client) RequestApproval(ctx context.Context, approvalType, subjectID string, content any) (string, error) {
	body := map[string]any{"type": approvalType, "subject_id": subjectID, "content": content}
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "approvals", body, &resp)
	return resp.ID, err
}

func (c *Client) ListApprovals(ctx context.Context, approvalType string) ([]Approval, error) {
	q := url.Values{}
	if approvalType != "" {
		q.Set("type", approvalType)
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, withQuery("approvals", q), nil, &resp)
	return resp, err
}

func (c *Client) ApprovalHistory(ctx context.Context, subjectID string, limit int) ([]Approval, error) {
	q := url.Values{}
	if subjectID != "" {
		q.Set("subject_id", subjectID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, withQuery("approvals/history", q), nil, &resp)
	return resp, err
}

func (c *Client) GetApproval(ctx context.Context, id string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodGet, "approvals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Decide records a human decision on a pending approval.
func (c *Client) Decide(ctx context.Context, id, decision, feedback string) (ApprovalDecision, error) {
	body := map[string]any{"decision": decision}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp ApprovalDecision
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/decide", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Events returns the newest events, or the events after a cursor in ascending order when after > 0.
func (c *Client) Events(ctx context.Context, limit int, after int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func intentBody(title, description, priority string) map[string]any {
	body := map[string]any{"title": title, "description": description}
	if priority != "" {
		body["priority"] = priority
	}
	return body
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
