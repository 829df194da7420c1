package profile

import (
	"maps"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/keelguard/internal/domain"
	"github.com/opensource-finance/keelguard/internal/velocity"
)

const (
	day = 24 * time.Hour

	shortLeadDays = 2
)

// Flag reasons, in precedence order.
const (
	FlagReasonVolume      = "High volume of cancellations in 24 hours"
	FlagReasonRatio       = "Excessive cancellation rate"
	FlagReasonRapidFire   = "Rapid-fire booking and cancellation pattern"
	FlagReasonPatterns    = "Multiple suspicious booking patterns"
	FlagReasonHighRiskRun = "High-risk assessment"
)

// running keeps a population mean and variance (Welford).
type running struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

func (r *running) add(x float64) {
	r.N++
	d := x - r.Mean
	r.Mean += d / float64(r.N)
	r.M2 += d * (x - r.Mean)
}

func (r running) variance() float64 {
	if r.N == 0 {
		return 0
	}
	return r.M2 / float64(r.N)
}

// state is the accumulator behind one profile. It is persisted next to the
// profile so updates stay incremental after a restart.
type state struct {
	UserID string `json:"userId"`

	// Recent holds the ids applied inside the retention window. Older
	// duplicates are caught by the event log.
	Recent velocity.Marks `json:"recent"`

	TotalBookings      int `json:"totalBookings"`
	TotalCancellations int `json:"totalCancellations"`

	PropertiesBooked      map[string]int `json:"propertiesBooked"`
	PropertyCancellations map[string]int `json:"propertyCancellations"`

	Party          running         `json:"party"`
	LeadTime       running         `json:"leadTime"`
	AdultsSum      float64         `json:"adultsSum"`
	ChildrenSum    float64         `json:"childrenSum"`
	ShortLead      int             `json:"shortLead"`
	CancelledValue decimal.Decimal `json:"cancelledValue"`

	Cancellations velocity.History `json:"cancellations"`

	LastBookingAt      *time.Time                `json:"lastBookingAt,omitempty"`
	LastCancellationAt *time.Time                `json:"lastCancellationAt,omitempty"`
	LastEventAt        *time.Time                `json:"lastEventAt,omitempty"`
	LastAssessment     *domain.AssessmentSummary `json:"lastAssessment,omitempty"`
	UpdatedAt          time.Time                 `json:"updatedAt"`
}

func newState(userID string) *state {
	return &state{
		UserID:                userID,
		PropertiesBooked:      make(map[string]int),
		PropertyCancellations: make(map[string]int),
	}
}

// clone copies everything apply may change. Recent and the history are
// copy-on-write.
func (s *state) clone() *state {
	c := *s
	c.PropertiesBooked = maps.Clone(s.PropertiesBooked)
	c.PropertyCancellations = maps.Clone(s.PropertyCancellations)
	if c.PropertiesBooked == nil {
		c.PropertiesBooked = make(map[string]int)
	}
	if c.PropertyCancellations == nil {
		c.PropertyCancellations = make(map[string]int)
	}
	return &c
}

func (s *state) seen(eventID string) bool {
	return eventID != "" && s.Recent.Has(eventID)
}

// apply folds one event into the accumulator. at is the event time, already
// defaulted by the caller.
func (s *state) apply(e *domain.BookingEvent, at, now time.Time, lim velocity.Limits) {
	if e.ID != "" {
		s.Recent = s.Recent.Add(e.ID, at, now, lim)
	}

	switch e.Type {
	case domain.EventBooked:
		s.TotalBookings++
		if e.PropertyID != "" {
			s.PropertiesBooked[e.PropertyID]++
		}
		adults := finite(float64(e.Adults))
		children := finite(float64(e.Children))
		lead := finite(e.LeadTimeDays)
		s.AdultsSum += adults
		s.ChildrenSum += children
		s.Party.add(adults + children)
		s.LeadTime.add(lead)
		if lead < shortLeadDays {
			s.ShortLead++
		}
		s.LastBookingAt = later(s.LastBookingAt, at)

	case domain.EventCancelled:
		s.TotalCancellations++
		if e.PropertyID != "" {
			s.PropertyCancellations[e.PropertyID]++
		}
		if e.Price.IsPositive() {
			s.CancelledValue = s.CancelledValue.Add(e.Price)
		}
		s.Cancellations = s.Cancellations.Add(at, now, lim)
		s.LastCancellationAt = later(s.LastCancellationAt, at)
	}

	s.LastEventAt = later(s.LastEventAt, at)
}

// profile derives the public view, re-evaluating every window against now.
func (s *state) profile(now time.Time, lim velocity.Limits, flagThreshold float64) *domain.FraudProfile {
	hist := s.Cancellations.Prune(now, lim)

	p := &domain.FraudProfile{
		UserID:                      s.UserID,
		TotalBookings:               s.TotalBookings,
		TotalCancellations:          s.TotalCancellations,
		CancellationsLast24h:        hist.Count(now, day),
		CancellationsLast7d:         hist.Count(now, 7*day),
		CancellationsLast30d:        hist.Count(now, 30*day),
		DistinctPropertiesBooked:    len(s.PropertiesBooked),
		DistinctPropertiesCancelled: len(s.PropertyCancellations),
		PropertyCancellations:       maps.Clone(s.PropertyCancellations),
		ShortLeadTimeBookings:       s.ShortLead,
		PartySizeMean:               s.Party.Mean,
		PartySizeVariance:           s.Party.variance(),
		AverageLeadTimeDays:         s.LeadTime.Mean,
		LeadTimeVariance:            s.LeadTime.variance(),
		CancelledValue:              s.CancelledValue,
		LastAssessment:              s.LastAssessment,
		LastBookingAt:               copyTime(s.LastBookingAt),
		LastCancellationAt:          copyTime(s.LastCancellationAt),
		LastEventAt:                 copyTime(s.LastEventAt),
		UpdatedAt:                   s.UpdatedAt,
	}
	if s.TotalBookings > 0 {
		p.CancellationRatio = math.Min(float64(s.TotalCancellations)/float64(s.TotalBookings), 1)
		p.AverageAdults = s.AdultsSum / float64(s.TotalBookings)
		p.AverageChildren = s.ChildrenSum / float64(s.TotalBookings)
	}
	if p.AverageAdults > 0 {
		p.AdultChildRatio = p.AverageChildren / p.AverageAdults
	}

	gap, hasGap := hist.MeanGap()
	if hasGap {
		p.MeanHoursBetweenCancellations = gap.Hours()
	}

	p.RiskScore = riskScore(p, hasGap)
	p.IsFlagged, p.FlagReason = flag(p, hasGap, flagThreshold)
	return p
}

// riskScore is the 0-100 behavioral heuristic stored on the profile.
func riskScore(p *domain.FraudProfile, hasGap bool) float64 {
	score := 0.0

	switch {
	case p.CancellationsLast24h >= 5:
		score += 40
	case p.CancellationsLast24h >= 3:
		score += 25
	case p.CancellationsLast24h >= 1:
		score += 10
	}

	switch {
	case p.CancellationRatio > 0.8 && p.TotalBookings > 5:
		score += 20
	case p.CancellationRatio > 0.5 && p.TotalBookings > 5:
		score += 10
	}

	if hasGap && p.MeanHoursBetweenCancellations < 1 {
		score += 15
	}
	if p.PartySizeVariance > 4 && p.TotalBookings > 3 {
		score += 10
	}
	if p.ShortLeadTimeBookings > 3 {
		score += 15
	}

	return math.Min(score, 100)
}

func flag(p *domain.FraudProfile, hasGap bool, threshold float64) (bool, string) {
	if p.RiskScore >= threshold {
		switch {
		case p.CancellationsLast24h >= 5:
			return true, FlagReasonVolume
		case p.CancellationRatio > 0.8 && p.TotalBookings > 5:
			return true, FlagReasonRatio
		case hasGap && p.MeanHoursBetweenCancellations < 1:
			return true, FlagReasonRapidFire
		default:
			return true, FlagReasonPatterns
		}
	}
	if p.LastAssessment != nil && p.LastAssessment.HighRisk {
		return true, FlagReasonHighRiskRun
	}
	return false, ""
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func later(cur *time.Time, t time.Time) *time.Time {
	if cur != nil && !t.After(*cur) {
		return cur
	}
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
