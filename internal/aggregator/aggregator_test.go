package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/keelguard/internal/domain"
	"github.com/opensource-finance/keelguard/internal/health"
	"github.com/opensource-finance/keelguard/internal/rules"
)

type fakeModel struct {
	calls  atomic.Int32
	result domain.ScorerResult
	err    error
	panic  bool
	delay  time.Duration
}

func (f *fakeModel) Predict(ctx context.Context, fv *domain.FeatureVector) (domain.ScorerResult, error) {
	f.calls.Add(1)
	if f.panic {
		panic("model exploded")
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return domain.ScorerResult{}, fmt.Errorf("%w: %v", domain.ErrScorerUnavailable, ctx.Err())
		case <-time.After(f.delay):
		}
	}
	return f.result, f.err
}

func newRuleScorer() *rules.Scorer {
	return rules.NewScorer(domain.DefaultConfig().Scoring, nil)
}

func newMonitor() *health.Monitor {
	return health.NewMonitor(domain.HealthConfig{FailureThreshold: 3, ProbeInterval: time.Hour}, nil)
}

// Two cancellations in a day: the rule scorer alone gives 0.5.
func riskyVector() *domain.FeatureVector {
	return &domain.FeatureVector{
		UserID:               "user-1",
		BookingID:            "bk-1",
		CancellationsLast24h: 2,
	}
}

func TestAssessRuleOnly(t *testing.T) {
	agg := New(newRuleScorer(), 0.7)

	a := agg.Assess(context.Background(), riskyVector())

	if a.Source != domain.SourceRuleBased {
		t.Errorf("expected rule-based, got %s", a.Source)
	}
	if a.Probability != 0.5 || a.RuleProbability != 0.5 {
		t.Errorf("expected 0.5, got %v / %v", a.Probability, a.RuleProbability)
	}
	if a.Tier != domain.TierMedium {
		t.Errorf("expected Medium Risk, got %s", a.Tier)
	}
	if a.HighRisk {
		t.Error("0.5 is not high risk")
	}
	if a.ModelProbability != nil {
		t.Error("expected no model probability")
	}
	if a.ID == "" || a.UserID != "user-1" || a.BookingID != "bk-1" {
		t.Errorf("identifiers not set: %+v", a)
	}
}

func TestAssessModelAuthoritative(t *testing.T) {
	model := &fakeModel{result: domain.ScorerResult{
		Probability: 0.9,
		Indicators:  []string{"Model: erratic booking pattern", "2 cancellations in the last 24 hours"},
		Source:      domain.SourceLearnedModel,
	}}
	monitor := newMonitor()
	agg := New(newRuleScorer(), 0.7, WithModel(model, monitor))

	a := agg.Assess(context.Background(), riskyVector())

	if a.Source != domain.SourceLearnedModel {
		t.Fatalf("expected learned-model, got %s", a.Source)
	}
	if a.Probability != 0.9 {
		t.Errorf("expected model probability 0.9, got %v", a.Probability)
	}
	if a.Tier != domain.TierVeryHigh || !a.HighRisk {
		t.Errorf("expected very high risk, got %s high=%v", a.Tier, a.HighRisk)
	}
	if a.ModelProbability == nil || *a.ModelProbability != 0.9 {
		t.Errorf("model probability not recorded")
	}
	if want := 0.7*0.9 + 0.3*0.5; a.BlendedProbability < want-1e-9 || a.BlendedProbability > want+1e-9 {
		t.Errorf("blended = %v, want %v", a.BlendedProbability, want)
	}

	want := []string{"Model: erratic booking pattern", "2 cancellations in the last 24 hours"}
	if len(a.Indicators) != len(want) {
		t.Fatalf("indicators = %v, want %v", a.Indicators, want)
	}
	for i := range want {
		if a.Indicators[i] != want[i] {
			t.Errorf("indicator %d = %q, want %q", i, a.Indicators[i], want[i])
		}
	}
	if a.CircuitState != domain.CircuitClosed {
		t.Errorf("expected closed circuit, got %s", a.CircuitState)
	}
}

func TestAssessFallsBackOnModelError(t *testing.T) {
	model := &fakeModel{err: fmt.Errorf("%w: connection refused", domain.ErrScorerUnavailable)}
	monitor := newMonitor()
	agg := New(newRuleScorer(), 0.7, WithModel(model, monitor))

	a := agg.Assess(context.Background(), riskyVector())

	if a.Source != domain.SourceRuleBased {
		t.Errorf("expected rule-based, got %s", a.Source)
	}
	if a.Probability != 0.5 {
		t.Errorf("expected rule probability, got %v", a.Probability)
	}
	if a.ModelError == "" {
		t.Error("expected model error to be recorded")
	}
	if got := monitor.State().ConsecutiveFailures; got != 1 {
		t.Errorf("expected 1 failure reported, got %d", got)
	}
}

// Three timeouts open the circuit; the fourth request never reaches the model.
func TestAssessOpensCircuitAfterTimeouts(t *testing.T) {
	model := &fakeModel{delay: time.Second}
	monitor := newMonitor()
	agg := New(newRuleScorer(), 0.7, WithModel(&timeoutModel{inner: model, timeout: 20 * time.Millisecond}, monitor))

	for i := 0; i < 3; i++ {
		a := agg.Assess(context.Background(), riskyVector())
		if a.Source != domain.SourceRuleBased {
			t.Fatalf("call %d: expected rule-based, got %s", i, a.Source)
		}
	}
	if st := monitor.State().State; st != domain.CircuitOpen {
		t.Fatalf("expected open circuit after 3 timeouts, got %s", st)
	}

	before := model.calls.Load()
	a := agg.Assess(context.Background(), riskyVector())

	if a.Source != domain.SourceRuleBased {
		t.Errorf("expected rule-based, got %s", a.Source)
	}
	if model.calls.Load() != before {
		t.Error("model must not be called while the circuit is open")
	}
	if a.CircuitState != domain.CircuitOpen {
		t.Errorf("expected open circuit state on assessment, got %s", a.CircuitState)
	}
	if a.ModelError != "" {
		t.Errorf("skipped call is not a model error, got %q", a.ModelError)
	}
}

func TestAssessRecoversFromModelPanic(t *testing.T) {
	monitor := newMonitor()
	agg := New(newRuleScorer(), 0.7, WithModel(&fakeModel{panic: true}, monitor))

	a := agg.Assess(context.Background(), riskyVector())

	if a.Source != domain.SourceRuleBased || a.Probability != 0.5 {
		t.Errorf("expected rule-based 0.5, got %s %v", a.Source, a.Probability)
	}
	if a.ModelError == "" {
		t.Error("expected panic recorded as model error")
	}
	if monitor.State().ConsecutiveFailures != 1 {
		t.Error("panic should count as a failure")
	}
}

func TestAssessCallerCancelReleasesTrial(t *testing.T) {
	monitor := health.NewMonitor(domain.HealthConfig{FailureThreshold: 1, ProbeInterval: time.Hour},
		func(ctx context.Context) error { return nil })
	monitor.ReportFailure(errors.New("down"))
	if err := monitor.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}

	model := &fakeModel{delay: time.Second}
	agg := New(newRuleScorer(), 0.7, WithModel(model, monitor))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	a := agg.Assess(ctx, riskyVector())

	if a.Source != domain.SourceRuleBased {
		t.Errorf("expected rule-based, got %s", a.Source)
	}
	if st := monitor.State().State; st != domain.CircuitHalfOpen {
		t.Errorf("cancelled trial must not change state, got %s", st)
	}
	if !monitor.Allow() {
		t.Error("trial slot should have been released")
	}
}

func TestMergeIndicators(t *testing.T) {
	got := mergeIndicators([]string{"a", "b", "a"}, []string{"b", "c"})
	want := []string{"a", "b", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("merge = %v, want %v", got, want)
	}
}

// timeoutModel bounds each call like the HTTP client does.
type timeoutModel struct {
	inner   ModelScorer
	timeout time.Duration
}

func (m *timeoutModel) Predict(ctx context.Context, fv *domain.FeatureVector) (domain.ScorerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.inner.Predict(ctx, fv)
}
