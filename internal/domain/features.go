package domain

// FeatureVector is the bounded, canonical scorer input derived from one event
// and the user's profile. It is recomputed per assessment and never stored on its own.
type FeatureVector struct {
	UserID    string `json:"userId"`
	BookingID string `json:"bookingId,omitempty"`
	EventType string `json:"eventType,omitempty"`

	LeadTimeDays    float64 `json:"leadTimeDays"`
	StayNights      float64 `json:"stayNights"`
	Adults          float64 `json:"adults"`
	Children        float64 `json:"children"`
	PartySize       float64 `json:"partySize"`
	Price           float64 `json:"price"`
	PricePerPerson  float64 `json:"pricePerPerson"`
	MarketSegment   string  `json:"marketSegment,omitempty"`
	SpecialRequests float64 `json:"specialRequests"`

	MinutesSinceBooking float64 `json:"minutesSinceBooking"`
	DaysBeforeDeparture float64 `json:"daysBeforeDeparture"`

	CancellationRatio             float64 `json:"cancellationRatio"`
	CancellationsLast24h          int     `json:"cancellationsLast24Hours"`
	CancellationsLast7d           int     `json:"cancellationsLast7Days"`
	TotalCancellations            int     `json:"totalCancellations"`
	TotalBookings                 int     `json:"totalBookings"`
	PreviousBookingsNotCanceled   int     `json:"previousBookingsNotCanceled"`
	DistinctPropertiesBooked      int     `json:"distinctPropertiesBooked"`
	DistinctPropertiesCancelled   int     `json:"distinctPropertiesCancelled"`
	ShortLeadTimeBookings         int     `json:"shortLeadTimeBookings"`
	PartySizeVariance             float64 `json:"partySizeVariance"`
	MeanHoursBetweenCancellations float64 `json:"meanHoursBetweenCancellations"`
	AverageLeadTimeDays           float64 `json:"averageLeadTimeDays"`

	ReasonScore      float64  `json:"reasonScore"`
	ReasonIndicators []string `json:"reasonIndicators,omitempty"`

	Country string `json:"country,omitempty"`

	// LowConfidence is set when upstream data was missing or malformed.
	// Scorers keep scoring but surface it as reduced-confidence evidence.
	LowConfidence bool     `json:"lowConfidence"`
	Issues        []string `json:"issues,omitempty"`
}
