// Package features turns a booking event and a fraud profile into the bounded
// feature vector every scorer reads.
package features

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/keelguard/internal/domain"
)

// Issues recorded on a low-confidence vector.
const (
	IssueMissingUser = "missing user id"
	IssueUnknownType = "unknown event type"
	IssueNonFinite   = "non-finite numeric input"
	IssueNegative    = "negative numeric input"
)

// Extract builds the feature vector for one event against the user's profile.
// It never fails: malformed input is zeroed and recorded in Issues.
func Extract(event *domain.BookingEvent, profile *domain.FraudProfile) domain.FeatureVector {
	var fv domain.FeatureVector
	if event == nil {
		event = &domain.BookingEvent{}
	}
	if profile == nil {
		profile = &domain.FraudProfile{UserID: event.UserID}
	}

	x := extraction{fv: &fv}

	fv.UserID = event.UserID
	fv.BookingID = event.BookingID
	fv.EventType = string(event.Type)
	fv.MarketSegment = event.MarketSegment
	fv.Country = event.Country

	if strings.TrimSpace(event.UserID) == "" {
		x.issue(IssueMissingUser)
	}
	if event.Type != "" && !event.Type.Valid() {
		x.issue(IssueUnknownType)
	}

	fv.LeadTimeDays = x.num(event.LeadTimeDays)
	fv.StayNights = x.num(float64(event.StayNights))
	fv.Adults = x.num(float64(event.Adults))
	fv.Children = x.num(float64(event.Children))
	fv.PartySize = fv.Adults + fv.Children
	fv.SpecialRequests = x.num(float64(event.SpecialRequests))
	fv.MinutesSinceBooking = x.num(event.MinutesSinceBooking)
	fv.DaysBeforeDeparture = x.num(event.DaysBeforeDeparture)

	price := event.Price
	if price.IsNegative() {
		x.issue(IssueNegative)
		price = decimal.Zero
	}
	fv.Price = price.InexactFloat64()
	fv.PricePerPerson = price.Div(decimal.NewFromFloat(math.Max(fv.PartySize, 1))).Round(2).InexactFloat64()

	fv.CancellationsLast24h = max(profile.CancellationsLast24h, 0)
	fv.CancellationsLast7d = max(profile.CancellationsLast7d, 0)
	fv.TotalCancellations = max(profile.TotalCancellations, 0)
	fv.TotalBookings = max(profile.TotalBookings, 0)
	fv.DistinctPropertiesBooked = max(profile.DistinctPropertiesBooked, 0)
	fv.DistinctPropertiesCancelled = max(profile.DistinctPropertiesCancelled, 0)
	fv.ShortLeadTimeBookings = max(profile.ShortLeadTimeBookings, 0)
	fv.PartySizeVariance = x.num(profile.PartySizeVariance)
	fv.MeanHoursBetweenCancellations = x.num(profile.MeanHoursBetweenCancellations)
	fv.AverageLeadTimeDays = x.num(profile.AverageLeadTimeDays)
	fv.PreviousBookingsNotCanceled = max(event.PreviousBookingsNotCanceled, 0)

	fv.CancellationRatio = priorRatio(event, profile, &x)

	if event.Type == domain.EventCancelled {
		ra := AnalyzeReason(event.UserReason)
		fv.ReasonScore = ra.Score
		if len(ra.Indicators) > 0 {
			fv.ReasonIndicators = ra.Indicators
		}
	}

	return fv
}

// Sanitize bounds a caller-supplied feature vector the same way Extract
// bounds event input.
func Sanitize(in domain.FeatureVector) domain.FeatureVector {
	fv := in
	fv.Issues = append([]string(nil), in.Issues...)
	x := extraction{fv: &fv}

	if strings.TrimSpace(fv.UserID) == "" {
		x.issue(IssueMissingUser)
	}
	for _, f := range []*float64{
		&fv.LeadTimeDays, &fv.StayNights, &fv.Adults, &fv.Children, &fv.Price,
		&fv.SpecialRequests, &fv.MinutesSinceBooking, &fv.DaysBeforeDeparture,
		&fv.PartySizeVariance, &fv.MeanHoursBetweenCancellations, &fv.AverageLeadTimeDays,
		&fv.ReasonScore,
	} {
		*f = x.num(*f)
	}
	for _, n := range []*int{
		&fv.CancellationsLast24h, &fv.CancellationsLast7d, &fv.TotalCancellations,
		&fv.TotalBookings, &fv.PreviousBookingsNotCanceled, &fv.DistinctPropertiesBooked,
		&fv.DistinctPropertiesCancelled, &fv.ShortLeadTimeBookings,
	} {
		if *n < 0 {
			x.issue(IssueNegative)
			*n = 0
		}
	}

	fv.PartySize = fv.Adults + fv.Children
	fv.PricePerPerson = decimal.NewFromFloat(fv.Price).
		Div(decimal.NewFromFloat(math.Max(fv.PartySize, 1))).Round(2).InexactFloat64()
	fv.CancellationRatio = clamp01(x.num(fv.CancellationRatio))
	fv.ReasonScore = math.Min(fv.ReasonScore, 100)
	return fv
}

// priorRatio prefers the profile's history and falls back to the counts the
// booking workflow reported with the event.
func priorRatio(event *domain.BookingEvent, profile *domain.FraudProfile, x *extraction) float64 {
	if profile.TotalBookings > 0 {
		return clamp01(x.num(profile.CancellationRatio))
	}
	prev := max(event.PreviousCancellations, 0)
	kept := max(event.PreviousBookingsNotCanceled, 0)
	if prev+kept == 0 {
		return 0
	}
	return clamp01(float64(prev) / float64(prev+kept))
}

type extraction struct {
	fv *domain.FeatureVector
}

func (x *extraction) issue(msg string) {
	x.fv.LowConfidence = true
	for _, have := range x.fv.Issues {
		if have == msg {
			return
		}
	}
	x.fv.Issues = append(x.fv.Issues, msg)
}

// num zeroes NaN, infinities and negatives.
func (x *extraction) num(v float64) float64 {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		x.issue(IssueNonFinite)
		return 0
	case v < 0:
		x.issue(IssueNegative)
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
