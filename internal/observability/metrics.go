package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/opensource-finance/keelguard/internal/domain"
)

const meterName = "keelguard"

// InitMetrics creates a meter provider exporting to Prometheus and the
// handler serving it.
func InitMetrics() (*sdkmetric.MeterProvider, http.Handler, error) {
	exporter, err := promexporter.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	return provider, promhttp.Handler(), nil
}

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	assessments   metric.Int64Counter
	modelCalls    metric.Int64Counter
	transitions   metric.Int64Counter
	profileEvents metric.Int64Counter
	comparisons   metric.Int64Counter
	published     metric.Int64Counter
	duration      metric.Float64Histogram
}

// NewMetrics registers the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.assessments, err = meter.Int64Counter("keelguard_assessments_total",
		metric.WithDescription("Risk assessments by scoring source and tier")); err != nil {
		return nil, err
	}
	if m.modelCalls, err = meter.Int64Counter("keelguard_model_calls_total",
		metric.WithDescription("Learned-model calls by outcome")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("keelguard_circuit_transitions_total",
		metric.WithDescription("Model circuit breaker state changes")); err != nil {
		return nil, err
	}
	if m.profileEvents, err = meter.Int64Counter("keelguard_profile_events_total",
		metric.WithDescription("Booking events applied to fraud profiles")); err != nil {
		return nil, err
	}
	if m.comparisons, err = meter.Int64Counter("keelguard_baseline_comparisons_total",
		metric.WithDescription("Baseline comparisons by reference source")); err != nil {
		return nil, err
	}
	if m.published, err = meter.Int64Counter("keelguard_bus_messages_total",
		metric.WithDescription("Messages published on the event bus by topic and outcome")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("keelguard_assessment_duration_ms",
		metric.WithDescription("Time to produce a risk assessment"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// Model call outcomes.
const (
	ModelOutcomeSuccess  = "success"
	ModelOutcomeFailure  = "failure"
	ModelOutcomeSkipped  = "skipped"
	ModelOutcomeCanceled = "canceled"
)

// RecordAssessment counts one assessment and its latency.
func (m *Metrics) RecordAssessment(ctx context.Context, a *domain.RiskAssessment, elapsed time.Duration) {
	if m == nil || a == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", string(a.Source)),
		attribute.String("tier", string(a.Tier)),
	)
	m.assessments.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// RecordModelCall counts a learned-model call by outcome.
func (m *Metrics) RecordModelCall(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.modelCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTransition counts a circuit state change.
func (m *Metrics) RecordTransition(from, to domain.CircuitState) {
	if m == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// RecordProfileEvent counts an event applied to a profile.
func (m *Metrics) RecordProfileEvent(ctx context.Context, eventType domain.EventType) {
	if m == nil {
		return
	}
	m.profileEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(eventType))))
}

// RecordComparison counts a baseline comparison. Source is empty when the
// comparison was unavailable.
func (m *Metrics) RecordComparison(ctx context.Context, source string, cached bool) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unavailable"
	}
	m.comparisons.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("cached", cached),
	))
}

// RecordPublish counts one bus publish.
func (m *Metrics) RecordPublish(ctx context.Context, topic string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome),
	))
}
