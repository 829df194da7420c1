package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType distinguishes a new booking from a cancellation.
type EventType string

const (
	EventBooked    EventType = "booked"
	EventCancelled EventType = "cancelled"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventBooked || t == EventCancelled
}

// CancelReason is the system-level cause recorded with a cancellation.
type CancelReason string

const (
	ReasonUserCancelled   CancelReason = "user_cancelled"
	ReasonPaymentFailed   CancelReason = "payment_failed"
	ReasonSystemCancelled CancelReason = "system_cancelled"
	ReasonOwnerCancelled  CancelReason = "owner_cancelled"
	ReasonOther           CancelReason = "other"
)

// BookingEvent is one booking or cancellation as reported by the booking workflow.
// The engine never mutates an event once received.
type BookingEvent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	PropertyID string    `json:"propertyId"`
	BookingID  string    `json:"bookingId"`
	Type       EventType `json:"type"`

	// Booking shape
	LeadTimeDays                float64         `json:"leadTimeDays"`
	StayNights                  int             `json:"stayNights"`
	Adults                      int             `json:"adults"`
	Children                    int             `json:"children"`
	Price                       decimal.Decimal `json:"price"`
	MarketSegment               string          `json:"marketSegment,omitempty"`
	PreviousCancellations       int             `json:"previousCancellations"`
	PreviousBookingsNotCanceled int             `json:"previousBookingsNotCanceled"`
	SpecialRequests             int             `json:"specialRequests"`

	// Cancellation details (zero for bookings)
	MinutesSinceBooking float64      `json:"minutesSinceBooking,omitempty"`
	DaysBeforeDeparture float64      `json:"daysBeforeDeparture,omitempty"`
	CancelReason        CancelReason `json:"cancelReason,omitempty"`
	UserReason          string       `json:"userReason,omitempty"`

	// Client details
	IPAddress  string `json:"ipAddress,omitempty"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
	Country    string `json:"country,omitempty"`

	OccurredAt time.Time `json:"occurredAt"`
}

// Validate checks the identifiers every scoring path depends on.
func (e *BookingEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event is required", ErrInputInvalid)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInputInvalid)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: type must be %q or %q", ErrInputInvalid, EventBooked, EventCancelled)
	}
	return nil
}

// PartySize is adults plus children, never negative.
func (e *BookingEvent) PartySize() int {
	n := max(e.Adults, 0) + max(e.Children, 0)
	return n
}
