package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobgate/internal/config"
	"jobgate/internal/domain"
	"jobgate/internal/engine"
	"jobgate/internal/errs"
	"jobgate/internal/logger"
)

type completion struct {
	JobID   string
	AgentID string
	Status  string
	Output  map[string]any
}

type fakeClient struct {
	mu          sync.Mutex
	queue       []domain.Job
	claimErr    error
	registerErr error
	claims      int
	heartbeats  int
	done        chan completion
}

func newFakeClient(jobs ...domain.Job) *fakeClient {
	return &fakeClient{queue: jobs, done: make(chan completion, 16)}
}

func (f *fakeClient) Register(ctx context.Context, reg engine.AgentRegistration) (Registration, error) {
	if f.registerErr != nil {
		return Registration{}, f.registerErr
	}
	return Registration{AgentID: "agent-" + reg.Name, HeartbeatInterval: 30 * time.Second}, nil
}

func (f *fakeClient) Heartbeat(ctx context.Context, agentID string) error {
	f.mu.Lock()
	f.heartbeats++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Claim(ctx context.Context, agentID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	job := f.queue[0]
	f.queue = f.queue[1:]
	job.Status = domain.JobInProgress
	return &job, nil
}

func (f *fakeClient) Complete(ctx context.Context, jobID, agentID, status string, output map[string]any) error {
	f.done <- completion{JobID: jobID, AgentID: agentID, Status: status, Output: output}
	return nil
}

func job(id, kind, payload string) domain.Job {
	return domain.Job{ID: id, Kind: kind, Payload: json.RawMessage(payload), Status: domain.JobQueued}
}

func fastConfig() config.WorkerConfig {
	cfg := config.Default().Worker
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.ErrorDelay = 5 * time.Millisecond
	return cfg
}

func fixedNow() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

func startRunner(t *testing.T, r *Runner) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("runner did not stop")
		}
	}
}

func waitCompletion(t *testing.T, ch <-chan completion) completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return completion{}
	}
}

func TestRunnerHandlesEchoAndUnknownKind(t *testing.T) {
	client := newFakeClient(job("j1", "echo", `{"msg":"hello"}`), job("j2", "mystery", `{}`))
	r := &Runner{
		Client:   client,
		Agent:    engine.AgentRegistration{Name: "w1"},
		Config:   fastConfig(),
		Handlers: DefaultHandlers(nil, 0, 0, fixedNow),
		Logger:   logger.Discard(),
	}
	stop := startRunner(t, r)
	first := waitCompletion(t, client.done)
	second := waitCompletion(t, client.done)
	stop()

	assert.Equal(t, "j1", first.JobID)
	assert.Equal(t, "agent-w1", first.AgentID)
	assert.Equal(t, domain.JobCompleted, first.Status)
	assert.Equal(t, "hello", first.Output["echo"])
	assert.Equal(t, true, first.Output["ok"])
	assert.Equal(t, "2024-01-01T00:00:00.000000Z", first.Output["handled_at"])

	assert.Equal(t, "j2", second.JobID)
	assert.Equal(t, domain.JobFailed, second.Status)
	assert.Equal(t, map[string]any{"ok": false, "error": "no handler for kind mystery"}, second.Output)
}

func TestRunnerSurvivesPanickingHandler(t *testing.T) {
	client := newFakeClient(job("j1", "boom", `{}`), job("j2", "echo", `{"msg":"after"}`))
	handlers := DefaultHandlers(nil, 0, 0, fixedNow)
	handlers["boom"] = func(ctx context.Context, job domain.Job) (Outcome, error) {
		panic("kaboom")
	}
	r := &Runner{Client: client, Agent: engine.AgentRegistration{Name: "w"}, Config: fastConfig(), Handlers: handlers, Logger: logger.Discard()}
	stop := startRunner(t, r)
	first := waitCompletion(t, client.done)
	second := waitCompletion(t, client.done)
	stop()

	assert.Equal(t, domain.JobFailed, first.Status)
	assert.Equal(t, false, first.Output["ok"])
	assert.Contains(t, first.Output["error"], "kaboom")
	assert.Equal(t, domain.JobCompleted, second.Status)
}

func TestRunnerKeepsPollingAfterClaimErrors(t *testing.T) {
	client := newFakeClient()
	client.claimErr = errs.New(errs.StoreUnavailable, "database is locked")
	r := &Runner{Client: client, Agent: engine.AgentRegistration{Name: "w"}, Config: fastConfig(), Handlers: DefaultHandlers(nil, 0, 0, fixedNow), Logger: logger.Discard()}
	stop := startRunner(t, r)
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.claims >= 3
	}, 5*time.Second, 5*time.Millisecond)

	client.mu.Lock()
	client.claimErr = nil
	client.queue = append(client.queue, job("j1", "echo", `{"msg":"x"}`))
	client.mu.Unlock()
	c := waitCompletion(t, client.done)
	stop()
	assert.Equal(t, domain.JobCompleted, c.Status)
}

func TestRunnerStopsOnInvalidRegistration(t *testing.T) {
	client := newFakeClient()
	client.registerErr = errs.New(errs.InvalidInput, "name is required")
	r := &Runner{Client: client, Config: fastConfig(), Logger: logger.Discard()}
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func TestNextBackoff(t *testing.T) {
	d := time.Second
	var seen []time.Duration
	for i := 0; i < 6; i++ {
		seen = append(seen, d)
		d = nextBackoff(d, 10*time.Second)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}, seen)
}

func TestHandlerTimeoutFromPayload(t *testing.T) {
	assert.Equal(t, 2*time.Second, handlerTimeout(job("j", "x", `{"deadline_seconds":2}`), time.Minute))
	assert.Equal(t, time.Minute, handlerTimeout(job("j", "x", `{"deadline_seconds":0}`), time.Minute))
	assert.Equal(t, time.Minute, handlerTimeout(job("j", "x", `not json`), time.Minute))
}

func TestHandleTimesOut(t *testing.T) {
	r := &Runner{Config: fastConfig(), Handlers: map[string]Handler{
		"slow": func(ctx context.Context, job domain.Job) (Outcome, error) {
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		},
	}}
	out := r.handle(context.Background(), job("j", "slow", `{"deadline_seconds":0.01}`))
	assert.Equal(t, domain.JobFailed, out.Status)
	assert.True(t, strings.HasPrefix(out.Output["error"].(string), "handler timed out"))
}

func TestHandleRejectsNonTerminalStatus(t *testing.T) {
	r := &Runner{Config: fastConfig(), Handlers: map[string]Handler{
		"odd": func(ctx context.Context, job domain.Job) (Outcome, error) {
			return Outcome{Status: domain.JobQueued}, nil
		},
	}}
	out := r.handle(context.Background(), job("j", "odd", `{}`))
	assert.Equal(t, domain.JobFailed, out.Status)
}

func TestHTTPHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"a":1}`, string(body))
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, strings.Repeat("x", 50))
	}))
	defer srv.Close()

	h := HTTPHandler(srv.Client(), time.Second, 10, fixedNow)
	payload := `{"method":"post","url":"` + srv.URL + `","headers":{"X-Test":"yes"},"data":{"a":1}}`
	out, err := h(context.Background(), job("j", "http", payload))
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, out.Status)
	assert.Equal(t, http.StatusAccepted, out.Output["status_code"])
	assert.Equal(t, strings.Repeat("x", 10), out.Output["body_sample"])
}

func TestHTTPHandlerMissingURL(t *testing.T) {
	out, err := HTTPHandler(nil, 0, 0, fixedNow)(context.Background(), job("j", "http", `{}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, out.Status)
	assert.Equal(t, map[string]any{"ok": false, "error": "missing url"}, out.Output)
}

type fakeIntentRunner struct {
	res domain.PromotionResult
	err error
}

func (f fakeIntentRunner) RunIntent(ctx context.Context, title, description, priority string) (domain.PromotionResult, error) {
	return f.res, f.err
}

func TestPipelineHandler(t *testing.T) {
	promoted := PipelineHandler(fakeIntentRunner{res: domain.PromotionResult{PlanID: "p1", Promoted: true, Reason: "all gates passed", RollbackToken: "tok", Stage: domain.StagePromote}})
	out, err := promoted(context.Background(), job("j", "pipeline", `{"title":"Build app","description":"Build a web app for notes"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, out.Status)
	assert.Equal(t, "tok", out.Output["rollback_token"])

	held := PipelineHandler(fakeIntentRunner{res: domain.PromotionResult{PlanID: "p2", Reason: "held: business", Stage: domain.StageEvaluate}})
	out, err = held(context.Background(), job("j", "pipeline", `{"title":"App","description":"short"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobNeedsRevision, out.Status)
	assert.Equal(t, false, out.Output["promoted"])

	broken := PipelineHandler(fakeIntentRunner{err: errors.New("store down")})
	_, err = broken(context.Background(), job("j", "pipeline", `{"title":"App"}`))
	require.Error(t, err)
}
