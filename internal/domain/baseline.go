package domain

import "time"

// BaselineDataset holds reference aggregate statistics imported from an
// external industry dataset. The comparator only reads it.
type BaselineDataset struct {
	Source                  string    `json:"source"`
	MeanLeadTimeDays        float64   `json:"meanLeadTimeDays"`
	CancellationRatio       float64   `json:"cancellationRatio"`
	MeanDaysBeforeDeparture float64   `json:"meanDaysBeforeDeparture"`
	AdultChildRatio         float64   `json:"adultChildRatio"`
	SampleSize              int       `json:"sampleSize"`
	ImportedAt              time.Time `json:"importedAt"`
}

// Empty reports whether the dataset carries no usable statistics.
func (d *BaselineDataset) Empty() bool {
	return d == nil || d.SampleSize <= 0
}

// DefaultHotelBaseline is the hotel-industry reference seeded on first start.
func DefaultHotelBaseline() BaselineDataset {
	return BaselineDataset{
		Source:                  "hotel-reservations",
		MeanLeadTimeDays:        21,
		CancellationRatio:       0.12,
		MeanDaysBeforeDeparture: 5,
		AdultChildRatio:         2.5,
		SampleSize:              36275,
	}
}

// FraudRisk is the coarse verdict of a baseline comparison.
type FraudRisk string

const (
	FraudRiskLow    FraudRisk = "low"
	FraudRiskMedium FraudRisk = "medium"
	FraudRiskHigh   FraudRisk = "high"
)

// Where a comparison's reference data came from.
const (
	BaselineSourcePrimary = "primary-store"
	BaselineSourceService = "comparison-service"
)

// BaselineComparison is the comparator output. When Available is false the
// remaining fields are zero and Reason explains why.
type BaselineComparison struct {
	Available       bool                `json:"available"`
	Reason          string              `json:"reason,omitempty"`
	UserID          string              `json:"userId,omitempty"`
	SimilarityScore float64             `json:"similarityScore"`
	IsSuspicious    bool                `json:"isSuspicious"`
	FraudRisk       FraudRisk           `json:"fraudRisk,omitempty"`
	Recommendation  string              `json:"recommendation,omitempty"`
	PatternMatches  []string            `json:"patternMatches,omitempty"`
	Source          string              `json:"source,omitempty"`
	DataPoints      *BaselineDataPoints `json:"dataPoints,omitempty"`
	ComparedAt      time.Time           `json:"comparedAt"`
}

// BaselineDataPoints shows both sides of a comparison.
type BaselineDataPoints struct {
	User     ComparedStats `json:"user"`
	Baseline ComparedStats `json:"baseline"`
}

// ComparedStats are the statistics a comparison looks at.
type ComparedStats struct {
	MeanLeadTimeDays   float64 `json:"averageLeadTime"`
	CancellationRatio  float64 `json:"cancellationRatio"`
	TotalBookings      int     `json:"totalBookings,omitempty"`
	TotalCancellations int     `json:"totalCancellations,omitempty"`
	SampleSize         int     `json:"sampleSize,omitempty"`
}
