// Package observability wires OpenTelemetry metrics to a Prometheus scrape endpoint.
package observability

import (
	"context"
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"jobgate/internal/domain"
)

const meterName = "jobgate"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter
// backed by its own registry. It returns the /metrics handler, the meter and a shutdown function.
func InitMetrics() (http.Handler, metric.Meter, func(context.Context) error, error) {
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), provider.Meter(meterName), provider.Shutdown, nil
}

// Metrics holds the domain counters. A nil *Metrics records nothing.
type Metrics struct {
	enqueued      metric.Int64Counter
	claimed       metric.Int64Counter
	completed     metric.Int64Counter
	requeued      metric.Int64Counter
	gateDecisions metric.Int64Counter
	promotions    metric.Int64Counter
	approvals     metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.enqueued, "jobgate.jobs.enqueued", "Jobs enqueued"},
		{&m.claimed, "jobgate.jobs.claimed", "Jobs claimed by agents"},
		{&m.completed, "jobgate.jobs.completed", "Jobs completed by terminal status"},
		{&m.requeued, "jobgate.jobs.requeued", "Jobs returned to the queue by retry or sweep"},
		{&m.gateDecisions, "jobgate.gates.decisions", "Gate decisions by gate and status"},
		{&m.promotions, "jobgate.promotions", "Promotion evaluations"},
		{&m.approvals, "jobgate.approvals.decided", "Approval decisions by status"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
	}
	return &m, nil
}

func (m *Metrics) JobEnqueued(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) JobClaimed(ctx context.Context) {
	if m == nil {
		return
	}
	m.claimed.Add(ctx, 1)
}

func (m *Metrics) JobCompleted(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) JobsRequeued(ctx context.Context, n int, reason string) {
	if m == nil || n == 0 {
		return
	}
	m.requeued.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) GateDecisions(ctx context.Context, decisions []domain.GateDecision) {
	if m == nil {
		return
	}
	for _, d := range decisions {
		m.gateDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", d.Gate), attribute.String("status", d.Status)))
	}
}

func (m *Metrics) Promotion(ctx context.Context, promoted bool) {
	if m == nil {
		return
	}
	m.promotions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("promoted", promoted)))
}

func (m *Metrics) ApprovalDecided(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RegisterQueueGauge exposes job counts per status, read from totals at scrape time.
func RegisterQueueGauge(meter metric.Meter, totals func(ctx context.Context) (domain.Totals, error)) error {
	_, err := meter.Int64ObservableGauge("jobgate.queue.depth",
		metric.WithDescription("Jobs per status"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			t, err := totals(ctx)
			if err != nil {
				return err
			}
			for status, n := range map[string]int{
				domain.JobQueued:        t.Queued,
				domain.JobInProgress:    t.InProgress,
				domain.JobCompleted:     t.Completed,
				domain.JobFailed:        t.Failed,
				domain.JobNeedsRevision: t.NeedsRevision,
			} {
				o.Observe(int64(n), metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}))
	return err
}
