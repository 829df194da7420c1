// Package aggregator merges the rule-based and learned-model scores into one
// risk assessment, falling back to the rules whenever the model path fails.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/keelguard/internal/domain"
	"github.com/opensource-finance/keelguard/internal/observability"
)

var tracer = otel.Tracer("keelguard-aggregator")

// RuleScorer is the always-available scorer.
type RuleScorer interface {
	Score(fv *domain.FeatureVector) domain.ScorerResult
	Tier(p float64) domain.RiskTier
	HighRisk(p float64) bool
}

// ModelScorer is the learned-model client.
type ModelScorer interface {
	Predict(ctx context.Context, fv *domain.FeatureVector) (domain.ScorerResult, error)
}

// Breaker gates calls to the model scorer.
type Breaker interface {
	Allow() bool
	ReportSuccess()
	ReportFailure(err error)
	Release()
	State() domain.ServiceHealthState
}

// Aggregator produces risk assessments.
type Aggregator struct {
	rules       RuleScorer
	model       ModelScorer
	breaker     Breaker
	blendWeight float64
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithModel enables the learned-model path behind breaker.
func WithModel(model ModelScorer, breaker Breaker) Option {
	return func(a *Aggregator) {
		a.model = model
		a.breaker = breaker
	}
}

// WithMetrics records assessments and model calls.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// New creates an aggregator. blendWeight is the model's share of the
// informational blended probability.
func New(rules RuleScorer, blendWeight float64, opts ...Option) *Aggregator {
	a := &Aggregator{
		rules:       rules,
		blendWeight: clamp01(blendWeight),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess scores fv. It never fails: any problem on the model path leaves the
// rule-based result in charge.
func (a *Aggregator) Assess(ctx context.Context, fv *domain.FeatureVector) *domain.RiskAssessment {
	start := a.now()
	ctx, span := tracer.Start(ctx, "aggregator.Assess",
		trace.WithAttributes(attribute.String("user_id", fv.UserID)),
	)
	defer span.End()

	ruleRes := a.rules.Score(fv)

	assessment := &domain.RiskAssessment{
		ID:                 uuid.New().String(),
		UserID:             fv.UserID,
		BookingID:          fv.BookingID,
		RuleProbability:    ruleRes.Probability,
		BlendedProbability: ruleRes.Probability,
		Probability:        ruleRes.Probability,
		Indicators:         ruleRes.Indicators,
		Source:             domain.SourceRuleBased,
		LowConfidence:      fv.LowConfidence,
		AssessedAt:         start.UTC(),
	}

	if a.model != nil {
		modelRes, err := a.callModel(ctx, fv)
		switch {
		case err == nil:
			p := modelRes.Probability
			assessment.ModelProbability = &p
			assessment.Probability = p
			assessment.BlendedProbability = a.blendWeight*p + (1-a.blendWeight)*ruleRes.Probability
			assessment.Indicators = mergeIndicators(modelRes.Indicators, ruleRes.Indicators)
			assessment.Source = domain.SourceLearnedModel
		case err != errCircuitOpen:
			assessment.ModelError = err.Error()
			a.logger.Warn("learned model unavailable, using rule-based result",
				"user_id", fv.UserID,
				"error", err,
			)
		}
		if a.breaker != nil {
			assessment.CircuitState = a.breaker.State().State
		}
	}

	if assessment.Indicators == nil {
		assessment.Indicators = []string{}
	}
	assessment.Tier = a.rules.Tier(assessment.Probability)
	assessment.HighRisk = a.rules.HighRisk(assessment.Probability)

	elapsed := a.now().Sub(start)
	assessment.DurationMs = elapsed.Milliseconds()
	a.metrics.RecordAssessment(ctx, assessment, elapsed)

	span.SetAttributes(
		attribute.String("source", string(assessment.Source)),
		attribute.Float64("probability", assessment.Probability),
	)
	return assessment
}

var errCircuitOpen = fmt.Errorf("%w: circuit open", domain.ErrScorerUnavailable)

// callModel runs one gated model call and reports its outcome to the breaker.
func (a *Aggregator) callModel(ctx context.Context, fv *domain.FeatureVector) (res domain.ScorerResult, err error) {
	if a.breaker != nil && !a.breaker.Allow() {
		a.metrics.RecordModelCall(ctx, observability.ModelOutcomeSkipped)
		return res, errCircuitOpen
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: model scorer panic: %v", domain.ErrScorerUnavailable, r)
			a.reportFailure(ctx, err)
		}
	}()

	res, err = a.model.Predict(ctx, fv)
	if err != nil {
		if ctx.Err() != nil {
			// caller cancelled, not a model failure
			if a.breaker != nil {
				a.breaker.Release()
			}
			a.metrics.RecordModelCall(ctx, observability.ModelOutcomeCanceled)
			return res, err
		}
		a.reportFailure(ctx, err)
		return res, err
	}

	if a.breaker != nil {
		a.breaker.ReportSuccess()
	}
	a.metrics.RecordModelCall(ctx, observability.ModelOutcomeSuccess)
	return res, nil
}

func (a *Aggregator) reportFailure(ctx context.Context, err error) {
	if a.breaker != nil {
		a.breaker.ReportFailure(err)
	}
	a.metrics.RecordModelCall(ctx, observability.ModelOutcomeFailure)
}

// mergeIndicators returns first followed by second, keeping the first
// occurrence of each message.
func mergeIndicators(first, second []string) []string {
	out := make([]string, 0, len(first)+len(second))
	seen := make(map[string]struct{}, len(first)+len(second))
	for _, list := range [][]string{first, second} {
		for _, s := range list {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
