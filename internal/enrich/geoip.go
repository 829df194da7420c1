// Package enrich fills in event fields derived from client details.
package enrich

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/opensource-finance/keelguard/internal/domain"
)

// CountryLocator resolves an IP to a country record. *geoip2.Reader
// satisfies it.
type CountryLocator interface {
	Country(ip net.IP) (*geoip2.Country, error)
}

// Enricher resolves the country of a booking event from its IP address.
// The zero value, and one built without a database, passes events through.
type Enricher struct {
	locator CountryLocator
	closer  func() error
	logger  *slog.Logger
}

// Open loads a MaxMind country or city database. An empty path disables
// enrichment.
func Open(path string, logger *slog.Logger) (*Enricher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &Enricher{logger: logger}, nil
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	logger.Info("geoip enrichment enabled", "path", path)
	return &Enricher{locator: reader, closer: reader.Close, logger: logger}, nil
}

// New wraps an existing locator.
func New(locator CountryLocator, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{locator: locator, logger: logger}
}

// Enabled reports whether lookups are performed.
func (e *Enricher) Enabled() bool {
	return e != nil && e.locator != nil
}

// Enrich returns the event with Country set from its IP address. Events that
// already carry a country, have no usable public IP, or miss the database are
// returned unchanged.
func (e *Enricher) Enrich(ev domain.BookingEvent) domain.BookingEvent {
	if !e.Enabled() || ev.Country != "" || ev.IPAddress == "" {
		return ev
	}

	ip := net.ParseIP(ev.IPAddress)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return ev
	}

	rec, err := e.locator.Country(ip)
	if err != nil {
		e.logger.Debug("geoip lookup failed", "ip", ev.IPAddress, "error", err)
		return ev
	}
	if rec == nil || rec.Country.IsoCode == "" {
		return ev
	}

	ev.Country = rec.Country.IsoCode
	return ev
}

// Close releases the database.
func (e *Enricher) Close() error {
	if e == nil || e.closer == nil {
		return nil
	}
	return e.closer()
}
