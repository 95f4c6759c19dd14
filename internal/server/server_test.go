package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"jobgate/internal/config"
	"jobgate/internal/db"
	"jobgate/internal/domain"
	"jobgate/internal/engine"
	"jobgate/internal/logger"
	"jobgate/internal/migrate"
	"jobgate/internal/repo"
	"jobgate/internal/storage"
)

const testKey = "s3cret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.Logger = logger.Discard()
	artifacts, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	e.Artifacts = artifacts
	cfg := Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{APIKey: testKey}, Logger: logger.Discard()}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var keyHeader = map[string]string{"X-Api-Key": testKey}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, env.Error.Code, env.Error.Message)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/totals", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/totals", nil, map[string]string{"X-Api-Key": "wrong"})
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/totals", nil, map[string]string{"Authorization": "Bearer " + testKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer key: %d %s", res.StatusCode, string(data))
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestJWTSubjectBecomesActor(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	token, err := IssueToken(testKey, "deploy-bot", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/enqueue", map[string]any{"kind": "echo", "payload": map[string]any{"msg": "hi"}}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enqueue with jwt: %d %s", res.StatusCode, string(data))
	}
	evts, err := srv.Engine.LatestEvents(context.Background(), 1, repoFilter("job.enqueued"))
	if err != nil || len(evts) != 1 {
		t.Fatalf("events: %v %v", evts, err)
	}
	if evts[0].ActorID != "deploy-bot" {
		t.Fatalf("expected actor deploy-bot, got %s", evts[0].ActorID)
	}

	expired, _ := IssueToken(testKey, "deploy-bot", time.Minute, time.Now().Add(-time.Hour))
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/agents", nil, map[string]string{"Authorization": "Bearer " + expired})
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
}

func TestEchoScenarioOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/register", map[string]any{"name": "w1"}, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}
	var reg RegisterAgentResponse
	_ = json.Unmarshal(data, &reg)
	if reg.ID == "" || reg.Tenant != "default" || reg.HeartbeatInterval != 30 {
		t.Fatalf("unexpected registration %+v", reg)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/enqueue", map[string]any{"kind": "echo", "payload": map[string]any{"msg": "hello"}}, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enqueue: %d %s", res.StatusCode, string(data))
	}
	var enq EnqueueResponse
	_ = json.Unmarshal(data, &enq)
	if enq.ID == "" || enq.Status != domain.JobQueued {
		t.Fatalf("unexpected enqueue response %+v", enq)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/claim?agent_id="+reg.ID, nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.ID != enq.ID || job.Status != domain.JobInProgress || job.AgentID == nil || *job.AgentID != reg.ID {
		t.Fatalf("unexpected claimed job %+v", job)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/claim?agent_id="+reg.ID, nil, keyHeader)
	if res.StatusCode != http.StatusOK || string(bytes.TrimSpace(data)) != "null" {
		t.Fatalf("empty claim should be null: %d %s", res.StatusCode, string(data))
	}

	out := map[string]any{"ok": true, "echo": "hello"}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/complete", map[string]any{"status": "completed", "output": out, "agent_id": reg.ID}, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/"+job.ID+"/result", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("result: %d %s", res.StatusCode, string(data))
	}
	var result domain.Result
	_ = json.Unmarshal(data, &result)
	var gotOut map[string]any
	_ = json.Unmarshal(result.Output, &gotOut)
	if result.Status != domain.JobCompleted || gotOut["echo"] != "hello" {
		t.Fatalf("unexpected result %+v", result)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/totals", nil, keyHeader)
	var totals domain.Totals
	_ = json.Unmarshal(data, &totals)
	if res.StatusCode != http.StatusOK || totals != (domain.Totals{Completed: 1}) {
		t.Fatalf("unexpected totals %d %s", res.StatusCode, string(data))
	}
}

func TestCompleteErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/missing/complete", map[string]any{"status": "completed"}, keyHeader)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	job, err := srv.Engine.Enqueue(context.Background(), "echo", json.RawMessage(`{}`), "tester")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/complete", map[string]any{"status": "completed"}, keyHeader)
	expectError(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/complete", map[string]any{"status": "done"}, keyHeader)
	expectError(t, res, data, http.StatusBadRequest, "invalid_input")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/enqueue", map[string]any{"payload": map[string]any{}}, keyHeader)
	expectError(t, res, data, http.StatusBadRequest, "invalid_input")
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/agents/heartbeat", map[string]any{"agent_id": "ghost"}, keyHeader)
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestUnblockStuckDefaults(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/unblock_stuck", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unblock: %d %s", res.StatusCode, string(data))
	}
	var resp UnblockResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unblock body %s: %v", string(data), err)
	}
	if resp.OlderThanSeconds != 300 || resp.Requeued != 0 || resp.JobIDs == nil || len(resp.JobIDs) != 0 {
		t.Fatalf("unexpected response %s", string(data))
	}
}

func TestUnblockStuckReturnsCount(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.Engine.Now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/register", map[string]any{"name": "a1"}, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}
	var agent RegisterAgentResponse
	_ = json.Unmarshal(data, &agent)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/enqueue", map[string]any{"kind": "echo", "payload": map[string]any{"msg": "hi"}}, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enqueue: %d %s", res.StatusCode, string(data))
	}
	var enq EnqueueResponse
	_ = json.Unmarshal(data, &enq)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/claim?agent_id="+agent.ID, nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}

	mu.Lock()
	now = now.Add(61 * time.Second)
	mu.Unlock()
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/unblock_stuck?age_seconds=60", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unblock: %d %s", res.StatusCode, string(data))
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unblock body: %v", err)
	}
	if n, ok := raw["requeued"].(float64); !ok || n != 1 {
		t.Fatalf("requeued must be the count, got %s", string(data))
	}
	var resp UnblockResponse
	_ = json.Unmarshal(data, &resp)
	if len(resp.JobIDs) != 1 || resp.JobIDs[0] != enq.ID || resp.OlderThanSeconds != 60 {
		t.Fatalf("unexpected response %s", string(data))
	}
}

func TestPlanRunAndApprovalDecision(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/run", map[string]any{
		"title":       "Build API",
		"description": "Inventory service for warehouses",
		"priority":    "high",
	}, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run intent: %d %s", res.StatusCode, string(data))
	}
	var run PipelineRunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}
	if !run.Promotion.Promoted || run.Promotion.ApprovalID == "" || run.Plan.Stage != domain.StagePromote {
		t.Fatalf("unexpected run %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/approvals", nil, keyHeader)
	var pending []domain.ApprovalRequest
	_ = json.Unmarshal(data, &pending)
	if res.StatusCode != http.StatusOK || len(pending) != 1 || pending[0].SubjectID != run.Plan.ID {
		t.Fatalf("unexpected pending %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+run.Plan.ID+"/gates", nil, keyHeader)
	expectError(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+run.Promotion.ApprovalID+"/decide", map[string]any{"decision": "maybe"}, keyHeader)
	expectError(t, res, data, http.StatusBadRequest, "invalid_input")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+run.Promotion.ApprovalID+"/decide", map[string]any{"decision": "approved", "feedback": "ship it"}, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}
	var decision domain.ApprovalDecision
	_ = json.Unmarshal(data, &decision)
	if decision.Status != domain.ApprovalApproved || decision.NextAction != domain.NextProceed {
		t.Fatalf("unexpected decision %+v", decision)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/approvals/"+run.Promotion.ApprovalID+"/decide", map[string]any{"decision": "rejected"}, keyHeader)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+run.Plan.ID, nil, keyHeader)
	var plan domain.Plan
	_ = json.Unmarshal(data, &plan)
	if res.StatusCode != http.StatusOK || plan.Stage != domain.StageDone {
		t.Fatalf("plan should be done: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+run.Plan.ID+"/bundle", nil, keyHeader)
	if res.StatusCode != http.StatusOK || !json.Valid(data) {
		t.Fatalf("bundle: %d %s", res.StatusCode, string(data))
	}
}

func TestPromoteWithExplicitDecisions(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans", map[string]any{"title": "Write memo", "description": "Quarterly planning memo"}, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create plan: %d %s", res.StatusCode, string(data))
	}
	var plan domain.Plan
	_ = json.Unmarshal(data, &plan)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/promote", map[string]any{}, keyHeader)
	expectError(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/tasks", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run tasks: %d %s", res.StatusCode, string(data))
	}

	forged := map[string]any{"decisions": []map[string]any{
		{"gate": "build", "status": "pass"},
		{"gate": "legal", "status": "fail", "reasons": []string{"license"}},
	}}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/promote", forged, keyHeader)
	expectError(t, res, data, http.StatusConflict, "conflict")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/gates", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run gates: %d %s", res.StatusCode, string(data))
	}
	var ran []domain.GateDecision
	if err := json.Unmarshal(data, &ran); err != nil || len(ran) == 0 {
		t.Fatalf("decode gates: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/promote", forged, keyHeader)
	expectError(t, res, data, http.StatusBadRequest, "invalid_input")

	decisions := make([]map[string]any, 0, len(ran))
	for _, d := range ran {
		decisions = append(decisions, map[string]any{"gate": d.Gate, "status": d.Status})
	}
	decisions[0]["status"] = "fail"
	decisions[0]["reasons"] = []string{"license"}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/promote", map[string]any{"decisions": decisions}, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("promote: %d %s", res.StatusCode, string(data))
	}
	var promo domain.PromotionResult
	_ = json.Unmarshal(data, &promo)
	if promo.Promoted || promo.Stage != domain.StageFailed || promo.Pass != 1 {
		t.Fatalf("unexpected promotion %s", string(data))
	}
}

func TestRateLimited(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{RPS: 0.001, Burst: 1}
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/totals", nil, keyHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/totals", nil, keyHeader)
	expectError(t, res, data, http.StatusTooManyRequests, "rate_limited")
}

func TestRateLimitIgnoresActorHeader(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{RPS: 0.001, Burst: 1}
	})
	defer cleanup()
	client := srv.Client()

	headers := func(actor string) map[string]string {
		return map[string]string{"X-Api-Key": testKey, "X-Actor-Id": actor}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/totals", nil, headers("a1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/totals", nil, headers("a2"))
	expectError(t, res, data, http.StatusTooManyRequests, "rate_limited")
}

func TestRateLimiterDropsIdleBuckets(t *testing.T) {
	l := newRateLimiter(1, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	for i := 0; i < limiterSweepSize; i++ {
		l.allow(fmt.Sprintf("api_key:10.0.%d.%d", i/256, i%256))
	}
	now = now.Add(limiterIdleTTL / 2)
	l.allow("api_key:10.0.0.0")
	now = now.Add(limiterIdleTTL / 2)
	if !l.allow("jwt:fresh") {
		t.Fatalf("new principal should be allowed")
	}
	l.mu.Lock()
	n := len(l.limiters)
	_, kept := l.limiters["api_key:10.0.0.0"]
	l.mu.Unlock()
	if n != 2 || !kept {
		t.Fatalf("expected the active and the new bucket to remain, got %d (kept=%v)", n, kept)
	}
}

func TestPrincipalKeyIgnoresClaimedActor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v0/jobs", nil)
	req.RemoteAddr = "192.0.2.7:5123"
	if got := principalKeyFor(req); got != "addr:192.0.2.7" {
		t.Fatalf("anonymous key: %s", got)
	}
	keyed := req.WithContext(withPrincipal(req.Context(), Principal{ActorID: "spoofed", Source: "api_key"}))
	if got := principalKeyFor(keyed); got != "api_key:192.0.2.7" {
		t.Fatalf("api key principal: %s", got)
	}
	signed := req.WithContext(withPrincipal(req.Context(), Principal{ActorID: "svc-1", Source: "jwt"}))
	if got := principalKeyFor(signed); got != "jwt:svc-1" {
		t.Fatalf("jwt principal: %s", got)
	}
}

func TestMetricsMountedOutsideAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "jobgate_jobs_enqueued_total 0\n")
		})
	})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("jobgate_jobs_enqueued_total")) {
		t.Fatalf("metrics: %d %s", res.StatusCode, string(data))
	}
}

func TestEventsPaging(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	for i := 0; i < 3; i++ {
		if _, err := srv.Engine.Enqueue(context.Background(), "echo", json.RawMessage(`{}`), "tester"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=2", nil, keyHeader)
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %d %s", res.StatusCode, string(data))
	}
	if page.Items[0].ID <= page.Items[1].ID {
		t.Fatalf("expected newest first: %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, keyHeader)
	_ = json.Unmarshal(data, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 1 {
		t.Fatalf("second page: %d %s", res.StatusCode, string(data))
	}
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer target.Close()

	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	ctx := context.Background()
	if _, err := srv.Engine.Enqueue(ctx, "echo", json.RawMessage(`{}`), "tester"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := NewWebhookDispatcher(srv.Engine, []config.WebhookConfig{{URL: target.URL, Events: []string{"agent.registered"}, Secret: "hook"}}, logger.Discard())
	d.initCursors(ctx)
	if _, _, err := srv.Engine.RegisterAgent(ctx, engine.AgentRegistration{Name: "w1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := srv.Engine.Enqueue(ctx, "echo", json.RawMessage(`{}`), "tester"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Type != "agent.registered" {
		t.Fatalf("expected only the registration event, got %+v", received)
	}
	if headers[0].Get("X-Jobgate-Event") != "agent.registered" || headers[0].Get("X-Jobgate-Secret") != "hook" || headers[0].Get("X-Jobgate-Delivery") == "" {
		t.Fatalf("unexpected headers %v", headers[0])
	}
}

func repoFilter(evtType string) repo.EventFilter {
	return repo.EventFilter{Type: evtType}
}
