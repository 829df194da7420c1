package domain

import "time"

// RiskTier is the discrete band derived from a probability.
type RiskTier string

const (
	TierLow       RiskTier = "Low Risk"
	TierLowMedium RiskTier = "Low-Medium Risk"
	TierMedium    RiskTier = "Medium Risk"
	TierHigh      RiskTier = "High Risk"
	TierVeryHigh  RiskTier = "Very High Risk"
)

// ScoreSource names the scorer that produced the final probability.
type ScoreSource string

const (
	SourceRuleBased    ScoreSource = "rule-based"
	SourceLearnedModel ScoreSource = "learned-model"
)

// ScorerResult is the output of a single scorer.
type ScorerResult struct {
	Probability float64     `json:"probability"`
	Indicators  []string    `json:"indicators"`
	Source      ScoreSource `json:"source"`
	RiskLevel   string      `json:"riskLevel,omitempty"`
}

// RiskAssessment is the merged verdict for one scoring request.
type RiskAssessment struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	BookingID string `json:"bookingId,omitempty"`
	EventID   string `json:"eventId,omitempty"`

	RuleProbability    float64  `json:"ruleProbability"`
	ModelProbability   *float64 `json:"modelProbability,omitempty"`
	BlendedProbability float64  `json:"blendedProbability"`
	Probability        float64  `json:"probability"`

	HighRisk   bool        `json:"highRisk"`
	Tier       RiskTier    `json:"tier"`
	Indicators []string    `json:"indicators"`
	Source     ScoreSource `json:"source"`

	LowConfidence bool         `json:"lowConfidence"`
	ModelError    string       `json:"modelError,omitempty"`
	CircuitState  CircuitState `json:"circuitState,omitempty"`

	AssessedAt time.Time `json:"assessedAt"`
	DurationMs int64     `json:"durationMs"`
}

// IsRuleBased reports whether the rule scorer determined the final probability.
func (a *RiskAssessment) IsRuleBased() bool {
	return a.Source != SourceLearnedModel
}

// TierBands holds the lower bound of each tier. A probability at or above a bound
// belongs to that tier; bounds are checked from the highest tier down.
type TierBands struct {
	VeryHigh  float64 `json:"veryHigh" mapstructure:"very_high"`
	High      float64 `json:"high" mapstructure:"high"`
	Medium    float64 `json:"medium" mapstructure:"medium"`
	LowMedium float64 `json:"lowMedium" mapstructure:"low_medium"`
}

// DefaultTierBands collapses High into Very High at 0.75.
func DefaultTierBands() TierBands {
	return TierBands{
		VeryHigh:  0.75,
		High:      0.75,
		Medium:    0.50,
		LowMedium: 0.25,
	}
}

// Tier maps a probability to its band.
func (b TierBands) Tier(p float64) RiskTier {
	switch {
	case p >= b.VeryHigh:
		return TierVeryHigh
	case p >= b.High:
		return TierHigh
	case p >= b.Medium:
		return TierMedium
	case p >= b.LowMedium:
		return TierLowMedium
	default:
		return TierLow
	}
}
