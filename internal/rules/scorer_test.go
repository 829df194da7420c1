package rules

import (
	"reflect"
	"strings"
	"testing"

	"github.com/opensource-finance/keelguard/internal/domain"
)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	return NewScorer(domain.DefaultConfig().Scoring, nil)
}

func TestScoreEmptyVector(t *testing.T) {
	s := newTestScorer(t)

	res := s.Score(&domain.FeatureVector{UserID: "u1"})

	if res.Probability != 0 {
		t.Errorf("expected 0, got %v", res.Probability)
	}
	if res.Source != domain.SourceRuleBased {
		t.Errorf("expected rule-based source, got %s", res.Source)
	}
	if len(res.Indicators) != 0 {
		t.Errorf("expected no indicators, got %v", res.Indicators)
	}
	if res.RiskLevel != string(domain.TierLow) {
		t.Errorf("expected Low Risk, got %s", res.RiskLevel)
	}
}

// Three cancellations in the last day and a 20% ratio.
func TestScoreRecentCancellationsWithRatio(t *testing.T) {
	s := newTestScorer(t)

	fv := &domain.FeatureVector{
		UserID:               "u1",
		EventType:            "cancelled",
		LeadTimeDays:         30,
		MinutesSinceBooking:  600,
		CancellationsLast24h: 3,
		CancellationsLast7d:  3,
		TotalCancellations:   3,
		TotalBookings:        15,
		CancellationRatio:    0.20,
	}

	res := s.Score(fv)

	if res.Probability < 0.75 {
		t.Fatalf("expected probability >= 0.75, got %v", res.Probability)
	}
	if res.Probability != 0.80 {
		t.Errorf("expected 0.80, got %v", res.Probability)
	}
	if got := s.Tier(res.Probability); got != domain.TierVeryHigh {
		t.Errorf("expected Very High Risk, got %s", got)
	}
	if !s.HighRisk(res.Probability) {
		t.Error("expected high risk")
	}

	want := []string{
		"3 cancellations in the last 24 hours",
		"High cancellation ratio (20%)",
	}
	if !reflect.DeepEqual(res.Indicators, want) {
		t.Errorf("indicators = %v, want %v", res.Indicators, want)
	}
}

func TestScoreGroupCaps(t *testing.T) {
	s := newTestScorer(t)

	fv := &domain.FeatureVector{
		UserID:                      "u1",
		EventType:                   "cancelled",
		LeadTimeDays:                1,
		CancellationsLast24h:        12,
		CancellationsLast7d:         20,
		TotalCancellations:          20,
		TotalBookings:               20,
		CancellationRatio:           1,
		DistinctPropertiesCancelled: 6,
		PartySizeVariance:           9,
		ReasonScore:                 60,
		Price:                       10,
		PricePerPerson:              5,
	}

	res := s.Score(fv)

	// 60 + 45 + 45 = 150 clamps to 100.
	if res.Probability != 1 {
		t.Errorf("expected probability 1, got %v", res.Probability)
	}
	if len(res.Indicators) != 8 {
		t.Errorf("expected 8 indicators, got %d: %v", len(res.Indicators), res.Indicators)
	}
}

func TestScorePatternSignalsInOrder(t *testing.T) {
	s := newTestScorer(t)

	fv := &domain.FeatureVector{
		UserID:              "u1",
		EventType:           "cancelled",
		LeadTimeDays:        20,
		MinutesSinceBooking: 10,
		ReasonScore:         30,
		Price:               30,
		PricePerPerson:      15,
	}

	res := s.Score(fv)

	want := []string{IndicatorQuickCancel, IndicatorReason, IndicatorLowPrice}
	if !reflect.DeepEqual(res.Indicators, want) {
		t.Errorf("indicators = %v, want %v", res.Indicators, want)
	}
	// 20 + 15 + 10
	if res.Probability != 0.45 {
		t.Errorf("expected 0.45, got %v", res.Probability)
	}
}

func TestScoreQuickCancelOnlyOnCancellations(t *testing.T) {
	s := newTestScorer(t)

	res := s.Score(&domain.FeatureVector{
		UserID:       "u1",
		EventType:    "booked",
		LeadTimeDays: 30,
	})
	if res.Probability != 0 {
		t.Errorf("expected 0 for a fresh booking, got %v", res.Probability)
	}
}

func TestScoreLowConfidenceKeepsScore(t *testing.T) {
	s := newTestScorer(t)

	fv := &domain.FeatureVector{
		CancellationsLast24h: 2,
		LowConfidence:        true,
		Issues:               []string{"missing user id"},
	}

	res := s.Score(fv)

	if res.Probability != 0.5 {
		t.Errorf("expected 0.5, got %v", res.Probability)
	}
	last := res.Indicators[len(res.Indicators)-1]
	if last != IndicatorLowConfidence {
		t.Errorf("expected reduced confidence indicator last, got %q", last)
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := newTestScorer(t)
	fv := &domain.FeatureVector{
		UserID:                      "u1",
		EventType:                   "cancelled",
		LeadTimeDays:                1,
		CancellationsLast24h:        4,
		CancellationsLast7d:         6,
		TotalCancellations:          6,
		CancellationRatio:           0.45,
		DistinctPropertiesCancelled: 3,
	}

	first := s.Score(fv)
	for i := 0; i < 50; i++ {
		if got := s.Score(fv); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestScoreMonotonic(t *testing.T) {
	s := newTestScorer(t)
	base := domain.FeatureVector{
		UserID:              "u1",
		EventType:           "cancelled",
		LeadTimeDays:        5,
		TotalBookings:       10,
		MinutesSinceBooking: 120,
	}

	signals := map[string]func(fv *domain.FeatureVector, step int){
		"cancellations_24h": func(fv *domain.FeatureVector, step int) { fv.CancellationsLast24h = step },
		"cancellations_7d":  func(fv *domain.FeatureVector, step int) { fv.CancellationsLast7d = step },
		"ratio":             func(fv *domain.FeatureVector, step int) { fv.CancellationRatio = float64(step) / 20 },
		"properties":        func(fv *domain.FeatureVector, step int) { fv.DistinctPropertiesCancelled = step },
		"party_variance":    func(fv *domain.FeatureVector, step int) { fv.PartySizeVariance = float64(step) },
		"reason_score":      func(fv *domain.FeatureVector, step int) { fv.ReasonScore = float64(step * 5) },
	}

	for name, apply := range signals {
		t.Run(name, func(t *testing.T) {
			prev := -1.0
			for step := 0; step <= 20; step++ {
				fv := base
				apply(&fv, step)
				p := s.Score(&fv).Probability
				if p < prev {
					t.Fatalf("step %d: probability dropped from %v to %v", step, prev, p)
				}
				prev = p
			}
		})
	}
}

func TestTierBoundaries(t *testing.T) {
	s := newTestScorer(t)

	tests := []struct {
		p    float64
		want domain.RiskTier
	}{
		{1, domain.TierVeryHigh},
		{0.75, domain.TierVeryHigh},
		{0.749999, domain.TierMedium},
		{0.5, domain.TierMedium},
		{0.499999, domain.TierLowMedium},
		{0.25, domain.TierLowMedium},
		{0.249999, domain.TierLow},
		{0, domain.TierLow},
	}

	for _, tt := range tests {
		if got := s.Tier(tt.p); got != tt.want {
			t.Errorf("Tier(%v) = %s, want %s", tt.p, got, tt.want)
		}
	}
}

func TestTierSplitHighBand(t *testing.T) {
	cfg := domain.DefaultConfig().Scoring
	cfg.Tiers.VeryHigh = 0.9
	s := NewScorer(cfg, nil)

	if got := s.Tier(0.8); got != domain.TierHigh {
		t.Errorf("expected High Risk, got %s", got)
	}
	if got := s.Tier(0.9); got != domain.TierVeryHigh {
		t.Errorf("expected Very High Risk, got %s", got)
	}
}

func TestScoreWithCustomRules(t *testing.T) {
	custom, err := NewCustomRules()
	if err != nil {
		t.Fatalf("failed to create custom rules: %v", err)
	}
	err = custom.Reload([]*domain.CustomRule{
		{ID: "weekend-party", Description: "Large party on a short stay", Expression: "party_size >= 8.0 && stay_nights <= 1.0", Weight: 20, Enabled: true},
		{ID: "half", Expression: "cancellation_ratio > 0.1 ? 0.5 : 0.0", Weight: 10, Enabled: true},
	})
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	s := NewScorer(domain.DefaultConfig().Scoring, custom)
	res := s.Score(&domain.FeatureVector{
		UserID:            "u1",
		LeadTimeDays:      10,
		PartySize:         10,
		StayNights:        1,
		CancellationRatio: 0.12,
	})

	// 5 (half of 10) + 20, sorted by rule ID
	if res.Probability != 0.25 {
		t.Errorf("expected 0.25, got %v", res.Probability)
	}
	if len(res.Indicators) != 2 || !strings.HasPrefix(res.Indicators[0], "Custom rule half") {
		t.Errorf("unexpected indicators %v", res.Indicators)
	}
}
