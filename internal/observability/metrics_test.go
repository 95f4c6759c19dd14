package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"jobgate/internal/domain"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	return rr.Body.String()
}

func TestMetricsAppearInOutput(t *testing.T) {
	ctx := context.Background()
	handler, meter, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	m, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.JobEnqueued(ctx, "echo")
	m.JobCompleted(ctx, domain.JobCompleted)
	m.GateDecisions(ctx, []domain.GateDecision{{Gate: "business", Status: domain.GateHold}})

	if err := RegisterQueueGauge(meter, func(context.Context) (domain.Totals, error) {
		return domain.Totals{Queued: 7}, nil
	}); err != nil {
		t.Fatalf("RegisterQueueGauge failed: %v", err)
	}

	body := scrape(t, handler)
	for _, want := range []string{"jobgate_jobs_enqueued", "jobgate_jobs_completed", "jobgate_gates_decisions", "jobgate_queue_depth", `gate="business"`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output, got:\n%s", want, body)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.JobEnqueued(ctx, "echo")
	m.JobClaimed(ctx)
	m.JobCompleted(ctx, "failed")
	m.JobsRequeued(ctx, 3, "sweep")
	m.GateDecisions(ctx, nil)
	m.Promotion(ctx, true)
	m.ApprovalDecided(ctx, "approved")
}
