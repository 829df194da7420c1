package domain

import "time"

// RuleWeights are the tunable point values of the rule-based scorer.
// Group caps are shares of Budget; the summed total is clamped to [0,100].
type RuleWeights struct {
	Budget float64 `json:"budget" mapstructure:"budget"`

	RecentShare  float64 `json:"recentShare" mapstructure:"recent_share"`
	RatioShare   float64 `json:"ratioShare" mapstructure:"ratio_share"`
	PatternShare float64 `json:"patternShare" mapstructure:"pattern_share"`

	Cancellations24hThreshold int     `json:"cancellations24hThreshold" mapstructure:"cancellations_24h_threshold"`
	Cancellations24hWeight    float64 `json:"cancellations24hWeight" mapstructure:"cancellations_24h_weight"`
	Cancellations24hStep      float64 `json:"cancellations24hStep" mapstructure:"cancellations_24h_step"`
	Cancellations7dThreshold  int     `json:"cancellations7dThreshold" mapstructure:"cancellations_7d_threshold"`
	Cancellations7dWeight     float64 `json:"cancellations7dWeight" mapstructure:"cancellations_7d_weight"`

	RatioThreshold        float64 `json:"ratioThreshold" mapstructure:"ratio_threshold"`
	RatioPointsPerPercent float64 `json:"ratioPointsPerPercent" mapstructure:"ratio_points_per_percent"`

	ShortLeadDays          float64 `json:"shortLeadDays" mapstructure:"short_lead_days"`
	ShortLeadWeight        float64 `json:"shortLeadWeight" mapstructure:"short_lead_weight"`
	DistinctPropertyCount  int     `json:"distinctPropertyCount" mapstructure:"distinct_property_count"`
	DistinctPropertyWeight float64 `json:"distinctPropertyWeight" mapstructure:"distinct_property_weight"`
	PartyVarianceThreshold float64 `json:"partyVarianceThreshold" mapstructure:"party_variance_threshold"`
	PartyVarianceWeight    float64 `json:"partyVarianceWeight" mapstructure:"party_variance_weight"`
	QuickCancelMinutes     float64 `json:"quickCancelMinutes" mapstructure:"quick_cancel_minutes"`
	QuickCancelLeadDays    float64 `json:"quickCancelLeadDays" mapstructure:"quick_cancel_lead_days"`
	QuickCancelWeight      float64 `json:"quickCancelWeight" mapstructure:"quick_cancel_weight"`
	SuspiciousReasonScore  float64 `json:"suspiciousReasonScore" mapstructure:"suspicious_reason_score"`
	SuspiciousReasonWeight float64 `json:"suspiciousReasonWeight" mapstructure:"suspicious_reason_weight"`
	LowPricePerPerson      float64 `json:"lowPricePerPerson" mapstructure:"low_price_per_person"`
	LowPriceWeight         float64 `json:"lowPriceWeight" mapstructure:"low_price_weight"`
}

// DefaultRuleWeights returns the stock weighting.
func DefaultRuleWeights() RuleWeights {
	return RuleWeights{
		Budget:       150,
		RecentShare:  0.40,
		RatioShare:   0.30,
		PatternShare: 0.30,

		Cancellations24hThreshold: 2,
		Cancellations24hWeight:    50,
		Cancellations24hStep:      10,
		Cancellations7dThreshold:  5,
		Cancellations7dWeight:     15,

		RatioThreshold:        0.15,
		RatioPointsPerPercent: 4,

		ShortLeadDays:          2,
		ShortLeadWeight:        15,
		DistinctPropertyCount:  3,
		DistinctPropertyWeight: 15,
		PartyVarianceThreshold: 4,
		PartyVarianceWeight:    10,
		QuickCancelMinutes:     60,
		QuickCancelLeadDays:    14,
		QuickCancelWeight:      20,
		SuspiciousReasonScore:  30,
		SuspiciousReasonWeight: 15,
		LowPricePerPerson:      20,
		LowPriceWeight:         10,
	}
}

// CustomRule is an operator-defined CEL expression scored inside the
// booking-pattern group. A bool result fires the full weight; a number in
// [0,1] scales it.
type CustomRule struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Expression  string    `json:"expression"`
	Weight      float64   `json:"weight"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
