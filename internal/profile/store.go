// Package profile maintains the rolling per-user fraud profiles.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/keelguard/internal/domain"
	"github.com/opensource-finance/keelguard/internal/observability"
	"github.com/opensource-finance/keelguard/internal/velocity"
)

var tracer = otel.Tracer("keelguard-profile")

// ErrNoEventLog is returned by Rebuild when no repository is configured.
var ErrNoEventLog = errors.New("no persisted event log")

// Store owns every fraud profile. Updates for one user are serialized on that
// user's lock; the map lock is only held for lookups.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	repo          domain.Repository
	limits        velocity.Limits
	flagThreshold float64

	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type entry struct {
	mu     sync.Mutex
	loaded bool
	state  *state
}

// Option configures a Store.
type Option func(*Store)

// WithRepository persists profiles and hydrates them on first access.
func WithRepository(repo domain.Repository) Option {
	return func(s *Store) { s.repo = repo }
}

// WithMetrics counts applied events.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a profile store.
func NewStore(cfg domain.ProfileConfig, opts ...Option) *Store {
	if cfg.FlagThreshold <= 0 {
		cfg.FlagThreshold = 50
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * day
	}
	s := &Store{
		entries:       make(map[string]*entry),
		limits:        velocity.Limits{Retention: cfg.Retention, Max: cfg.MaxHistory},
		flagThreshold: cfg.FlagThreshold,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) entry(userID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		e = &entry{}
		s.entries[userID] = e
	}
	return e
}

func (s *Store) lookup(userID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	return e, ok
}

// load hydrates e from the repository. The caller holds e.mu.
func (s *Store) load(ctx context.Context, e *entry, userID string) error {
	if e.loaded {
		return nil
	}
	st := newState(userID)
	if s.repo != nil {
		rec, err := s.repo.GetProfile(ctx, userID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return fmt.Errorf("failed to load profile %s: %w", userID, err)
		case len(rec.State) > 0:
			if err := json.Unmarshal(rec.State, st); err != nil {
				return fmt.Errorf("failed to decode profile state %s: %w", userID, err)
			}
			st = st.clone()
			st.UserID = userID
		}
	}
	e.state = st
	e.loaded = true
	return nil
}

// eventTime is the time an event counts at. Missing and future times count
// as now.
func (s *Store) eventTime(ev *domain.BookingEvent, now time.Time) time.Time {
	if ev.OccurredAt.IsZero() || ev.OccurredAt.After(now) {
		return now
	}
	return ev.OccurredAt.UTC()
}

// RecordEvent applies one event and the assessment it produced to the
// user's profile and reports whether it was applied. A duplicate event id
// leaves the profile as it is. If the profile cannot be persisted nothing
// changes.
func (s *Store) RecordEvent(ctx context.Context, ev *domain.BookingEvent, assessment *domain.RiskAssessment) (*domain.FraudProfile, bool, error) {
	if err := ev.Validate(); err != nil {
		return nil, false, err
	}

	ctx, span := tracer.Start(ctx, "profile.RecordEvent",
		trace.WithAttributes(
			attribute.String("user_id", ev.UserID),
			attribute.String("event_type", string(ev.Type)),
		),
	)
	defer span.End()

	e := s.entry(ev.UserID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.load(ctx, e, ev.UserID); err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	if e.state.seen(ev.ID) {
		s.logger.Debug("duplicate event ignored", "user_id", ev.UserID, "event_id", ev.ID)
		return e.state.profile(now, s.limits, s.flagThreshold), false, nil
	}

	next := e.state.clone()
	next.apply(ev, s.eventTime(ev, now), now, s.limits)
	if assessment != nil {
		next.LastAssessment = domain.Summarize(assessment)
	}
	next.UpdatedAt = now
	p := next.profile(now, s.limits, s.flagThreshold)

	if s.repo != nil {
		if err := s.persist(ctx, next, p); err != nil {
			return nil, false, err
		}
	}

	wasFlagged := e.state.profile(now, s.limits, s.flagThreshold).IsFlagged
	e.state = next
	s.metrics.RecordProfileEvent(ctx, ev.Type)

	if p.IsFlagged && !wasFlagged {
		s.logger.Info("fraud profile flagged",
			"user_id", p.UserID,
			"risk_score", p.RiskScore,
			"reason", p.FlagReason,
		)
	}
	return p, true, nil
}

func (s *Store) persist(ctx context.Context, st *state, p *domain.FraudProfile) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode profile state: %w", err)
	}
	if err := s.repo.SaveProfile(ctx, &domain.ProfileRecord{Profile: *p, State: raw}); err != nil {
		return fmt.Errorf("failed to persist profile %s: %w", st.UserID, err)
	}
	return nil
}

// Project returns the profile as it would be after ev, without committing it.
func (s *Store) Project(ctx context.Context, ev *domain.BookingEvent) (*domain.FraudProfile, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	e := s.entry(ev.UserID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := s.load(ctx, e, ev.UserID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if e.state.seen(ev.ID) {
		return e.state.profile(now, s.limits, s.flagThreshold), nil
	}
	next := e.state.clone()
	next.apply(ev, s.eventTime(ev, now), now, s.limits)
	next.UpdatedAt = now
	return next.profile(now, s.limits, s.flagThreshold), nil
}

// Seen reports whether eventID has already been applied to the user's
// profile.
func (s *Store) Seen(ctx context.Context, userID, eventID string) (bool, error) {
	if userID == "" || eventID == "" {
		return false, nil
	}

	e, ok := s.lookup(userID)
	if !ok {
		if s.repo == nil {
			return false, nil
		}
		if _, err := s.repo.GetProfile(ctx, userID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("failed to load profile %s: %w", userID, err)
		}
		e = s.entry(userID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(ctx, e, userID); err != nil {
		return false, err
	}
	return e.state.seen(eventID), nil
}

// Get returns the user's profile with its windows evaluated against now. An
// unknown user gets a zero profile.
func (s *Store) Get(ctx context.Context, userID string) (*domain.FraudProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInputInvalid)
	}

	e, ok := s.lookup(userID)
	if !ok {
		if s.repo == nil {
			return &domain.FraudProfile{UserID: userID}, nil
		}
		// only keep an entry for users the repository knows
		if _, err := s.repo.GetProfile(ctx, userID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return &domain.FraudProfile{UserID: userID}, nil
			}
			return nil, fmt.Errorf("failed to load profile %s: %w", userID, err)
		}
		e = s.entry(userID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.load(ctx, e, userID); err != nil {
		return nil, err
	}
	return e.state.profile(s.now().UTC(), s.limits, s.flagThreshold), nil
}

// List returns every known profile, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*domain.FraudProfile, error) {
	ids := make(map[string]struct{})
	s.mu.Lock()
	for id := range s.entries {
		ids[id] = struct{}{}
	}
	s.mu.Unlock()

	if s.repo != nil {
		stored, err := s.repo.ListProfileIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list profiles: %w", err)
		}
		for _, id := range stored {
			ids[id] = struct{}{}
		}
	}

	profiles := make([]*domain.FraudProfile, 0, len(ids))
	for id := range ids {
		p, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.IsZero() {
			continue
		}
		profiles = append(profiles, p)
	}

	sort.Slice(profiles, func(i, j int) bool {
		if !profiles[i].UpdatedAt.Equal(profiles[j].UpdatedAt) {
			return profiles[i].UpdatedAt.After(profiles[j].UpdatedAt)
		}
		return profiles[i].UserID < profiles[j].UserID
	})
	return profiles, nil
}

// ListFlagged returns profiles whose effective risk is at or above threshold,
// highest risk first and then most recent activity first.
func (s *Store) ListFlagged(ctx context.Context, threshold float64) ([]*domain.FraudProfile, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	flagged := make([]*domain.FraudProfile, 0)
	for _, p := range all {
		if p.EffectiveRisk() >= threshold {
			flagged = append(flagged, p)
		}
	}

	sort.SliceStable(flagged, func(i, j int) bool {
		ri, rj := flagged[i].EffectiveRisk(), flagged[j].EffectiveRisk()
		if ri != rj {
			return ri > rj
		}
		return flagged[i].LastActivity().After(flagged[j].LastActivity())
	})
	return flagged, nil
}

// Rebuild recomputes the user's profile from the persisted event log and
// replaces the stored state.
func (s *Store) Rebuild(ctx context.Context, userID string) (*domain.FraudProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInputInvalid)
	}
	if s.repo == nil {
		return nil, ErrNoEventLog
	}

	ctx, span := tracer.Start(ctx, "profile.Rebuild",
		trace.WithAttributes(attribute.String("user_id", userID)),
	)
	defer span.End()

	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	events, err := s.repo.ListEvents(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log for %s: %w", userID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrProfileNotFound, userID)
	}

	now := s.now().UTC()
	next := newState(userID)
	for _, ev := range events {
		if next.seen(ev.ID) || !ev.Type.Valid() {
			continue
		}
		next.apply(ev, s.eventTime(ev, now), now, s.limits)
	}

	latest, err := s.repo.ListAssessments(ctx, userID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to read assessments for %s: %w", userID, err)
	}
	if len(latest) > 0 {
		next.LastAssessment = domain.Summarize(latest[0])
	}
	next.UpdatedAt = now

	p := next.profile(now, s.limits, s.flagThreshold)
	if err := s.persist(ctx, next, p); err != nil {
		return nil, err
	}
	e.state = next
	e.loaded = true

	s.logger.Info("fraud profile rebuilt",
		"user_id", userID,
		"events", len(events),
		"risk_score", p.RiskScore,
	)
	return p, nil
}
