package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// FraudProfile is the rolling behavioral summary for one user.
// It is owned by the profile store and mutated one event at a time.
type FraudProfile struct {
	UserID string `json:"userId"`

	TotalBookings        int     `json:"totalBookings"`
	TotalCancellations   int     `json:"totalCancellations"`
	CancellationsLast24h int     `json:"cancellationsLast24Hours"`
	CancellationsLast7d  int     `json:"cancellationsLast7Days"`
	CancellationsLast30d int     `json:"cancellationsLast30Days"`
	CancellationRatio    float64 `json:"cancellationRatio"`

	DistinctPropertiesBooked    int            `json:"distinctPropertiesBooked"`
	DistinctPropertiesCancelled int            `json:"distinctPropertiesCancelled"`
	PropertyCancellations       map[string]int `json:"propertyCancellationDistribution,omitempty"`

	ShortLeadTimeBookings int     `json:"shortLeadTimeBookings"`
	AverageAdults         float64 `json:"averageAdults"`
	AverageChildren       float64 `json:"averageChildren"`
	AdultChildRatio       float64 `json:"adultChildrenRatio"`
	PartySizeMean         float64 `json:"partySizeMean"`
	PartySizeVariance     float64 `json:"partySizeVariance"`
	AverageLeadTimeDays   float64 `json:"averageLeadTime"`
	LeadTimeVariance      float64 `json:"leadTimeVariance"`

	MeanHoursBetweenCancellations float64         `json:"meanHoursBetweenCancellations"`
	CancelledValue                decimal.Decimal `json:"cancelledValue"`

	RiskScore      float64            `json:"riskScore"`
	IsFlagged      bool               `json:"isFlagged"`
	FlagReason     string             `json:"flagReason,omitempty"`
	LastAssessment *AssessmentSummary `json:"lastAssessment,omitempty"`

	LastBookingAt      *time.Time `json:"lastBookingAt,omitempty"`
	LastCancellationAt *time.Time `json:"lastCancellationAt,omitempty"`
	LastEventAt        *time.Time `json:"lastEventAt,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// AssessmentSummary is the part of the latest assessment kept on the profile.
type AssessmentSummary struct {
	ID          string      `json:"id"`
	Probability float64     `json:"probability"`
	Tier        RiskTier    `json:"tier"`
	HighRisk    bool        `json:"highRisk"`
	Source      ScoreSource `json:"source"`
	AssessedAt  time.Time   `json:"assessedAt"`
}

// Summarize reduces an assessment to the fields a profile retains.
func Summarize(a *RiskAssessment) *AssessmentSummary {
	if a == nil {
		return nil
	}
	return &AssessmentSummary{
		ID:          a.ID,
		Probability: a.Probability,
		Tier:        a.Tier,
		HighRisk:    a.HighRisk,
		Source:      a.Source,
		AssessedAt:  a.AssessedAt,
	}
}

// IsZero reports whether the profile has seen no events.
func (p *FraudProfile) IsZero() bool {
	return p.TotalBookings == 0 && p.TotalCancellations == 0
}

// EffectiveRisk is the higher of the heuristic risk score and the last
// assessment's probability, both on a 0-100 scale.
func (p *FraudProfile) EffectiveRisk() float64 {
	if p.LastAssessment == nil {
		return p.RiskScore
	}
	return max(p.RiskScore, p.LastAssessment.Probability*100)
}

// LastActivity returns the most recent event time, or UpdatedAt when unknown.
func (p *FraudProfile) LastActivity() time.Time {
	if p.LastEventAt != nil {
		return *p.LastEventAt
	}
	return p.UpdatedAt
}

// ProfileRecord is the persisted form of a profile: the queryable profile plus the
// store's opaque accumulator state needed to keep updating it incrementally.
type ProfileRecord struct {
	Profile FraudProfile    `json:"profile"`
	State   json.RawMessage `json:"state"`
}
