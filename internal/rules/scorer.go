// Package rules provides the deterministic rule-based fraud scorer and the
// CEL engine behind operator-defined custom rules.
package rules

import (
	"fmt"
	"math"

	"github.com/opensource-finance/keelguard/internal/domain"
)

// Indicator texts for the built-in signals.
const (
	IndicatorShortLead     = "Very short lead time with history of cancellations"
	IndicatorPartyVariance = "Inconsistent party sizes across bookings"
	IndicatorQuickCancel   = "Very quick cancellation after booking for a trip far in the future"
	IndicatorReason        = "Suspicious cancellation reason"
	IndicatorLowPrice      = "Unusually low price per person"
	IndicatorLowConfidence = "Reduced confidence: booking data was incomplete or malformed"
	indicatorRecent24hFmt  = "%d cancellations in the last 24 hours"
	indicatorRecent7dFmt   = "%d cancellations in the last 7 days"
	indicatorRatioFmt      = "High cancellation ratio (%.0f%%)"
	indicatorPropertiesFmt = "Cancellations across %d different properties"
	indicatorCustomRuleFmt = "Custom rule %s"
)

// Scorer is the always-available rule-based scorer. It is pure: identical
// vectors give identical probabilities and indicator order.
type Scorer struct {
	weights  domain.RuleWeights
	tiers    domain.TierBands
	highRisk float64
	custom   *CustomRules
}

// NewScorer creates a scorer. custom may be nil.
func NewScorer(cfg domain.ScoringConfig, custom *CustomRules) *Scorer {
	return &Scorer{
		weights:  cfg.Weights,
		tiers:    cfg.Tiers,
		highRisk: cfg.HighRiskThreshold,
		custom:   custom,
	}
}

// Tier maps a probability to its band.
func (s *Scorer) Tier(p float64) domain.RiskTier {
	return s.tiers.Tier(p)
}

// HighRisk reports whether p crosses the high-risk threshold.
func (s *Scorer) HighRisk(p float64) bool {
	return p >= s.highRisk
}

// Score evaluates every signal group in a fixed order.
func (s *Scorer) Score(fv *domain.FeatureVector) domain.ScorerResult {
	b := breakdown{indicators: []string{}}
	w := s.weights

	b.group(w.Budget*w.RecentShare, func(g *group) {
		if n := fv.CancellationsLast24h; w.Cancellations24hThreshold > 0 && n >= w.Cancellations24hThreshold {
			extra := float64(n - w.Cancellations24hThreshold)
			g.add(w.Cancellations24hWeight+extra*w.Cancellations24hStep, fmt.Sprintf(indicatorRecent24hFmt, n))
		}
		if n := fv.CancellationsLast7d; w.Cancellations7dThreshold > 0 && n >= w.Cancellations7dThreshold {
			g.add(w.Cancellations7dWeight, fmt.Sprintf(indicatorRecent7dFmt, n))
		}
	})

	b.group(w.Budget*w.RatioShare, func(g *group) {
		if fv.CancellationRatio > w.RatioThreshold {
			// whole basis points keep the result free of float noise
			points := math.Round((fv.CancellationRatio-w.RatioThreshold)*10000) / 100
			g.add(points*w.RatioPointsPerPercent, fmt.Sprintf(indicatorRatioFmt, fv.CancellationRatio*100))
		}
	})

	b.group(w.Budget*w.PatternShare, func(g *group) {
		if fv.LeadTimeDays < w.ShortLeadDays && (fv.TotalCancellations > 0 || fv.CancellationRatio > 0) {
			g.add(w.ShortLeadWeight, IndicatorShortLead)
		}
		if w.DistinctPropertyCount > 0 && fv.DistinctPropertiesCancelled >= w.DistinctPropertyCount {
			g.add(w.DistinctPropertyWeight, fmt.Sprintf(indicatorPropertiesFmt, fv.DistinctPropertiesCancelled))
		}
		if fv.PartySizeVariance > w.PartyVarianceThreshold && fv.TotalBookings > 3 {
			g.add(w.PartyVarianceWeight, IndicatorPartyVariance)
		}
		if fv.EventType == string(domain.EventCancelled) &&
			fv.MinutesSinceBooking < w.QuickCancelMinutes && fv.LeadTimeDays > w.QuickCancelLeadDays {
			g.add(w.QuickCancelWeight, IndicatorQuickCancel)
		}
		if w.SuspiciousReasonScore > 0 && fv.ReasonScore >= w.SuspiciousReasonScore {
			g.add(w.SuspiciousReasonWeight, IndicatorReason)
		}
		if fv.Price > 0 && fv.PricePerPerson < w.LowPricePerPerson {
			g.add(w.LowPriceWeight, IndicatorLowPrice)
		}
		if s.custom != nil {
			for _, hit := range s.custom.Evaluate(fv) {
				label := hit.Rule.Description
				if label == "" {
					label = fmt.Sprintf(indicatorCustomRuleFmt, hit.Rule.ID)
				}
				g.add(hit.Rule.Weight*hit.Fraction, label)
			}
		}
	})

	if fv.LowConfidence {
		b.indicators = append(b.indicators, IndicatorLowConfidence)
	}

	p := math.Min(math.Max(b.total, 0), 100) / 100
	return domain.ScorerResult{
		Probability: p,
		Indicators:  b.indicators,
		Source:      domain.SourceRuleBased,
		RiskLevel:   string(s.Tier(p)),
	}
}

type breakdown struct {
	total      float64
	indicators []string
}

// group runs fn and adds its sum, capped at limit, to the total.
func (b *breakdown) group(limit float64, fn func(g *group)) {
	g := &group{limit: limit, b: b}
	fn(g)
	b.total += math.Min(g.sum, math.Max(limit, 0))
}

type group struct {
	limit float64
	sum   float64
	b     *breakdown
}

// add records a fired signal. Each contribution is capped at the group limit.
func (g *group) add(points float64, indicator string) {
	if points <= 0 {
		return
	}
	g.sum += math.Min(points, g.limit)
	g.b.indicators = append(g.b.indicators, indicator)
}
