// Package health tracks the availability of the learned-model service with a
// probe-driven circuit breaker.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/keelguard/internal/domain"
)

// Prober checks whether the guarded service is reachable.
type Prober func(ctx context.Context) error

// TransitionFunc is called after every state change, outside the monitor lock.
type TransitionFunc func(from, to domain.CircuitState)

// Monitor is a three-state circuit breaker. All transitions happen under mu.
type Monitor struct {
	mu       sync.Mutex
	state    domain.CircuitState
	failures int
	trial    bool

	threshold int
	interval  time.Duration
	prober    Prober
	probes    singleflight.Group
	reset     chan struct{}

	lastProbeAt      time.Time
	lastCheckedAt    time.Time
	lastTransitionAt time.Time
	lastError        string

	onTransition TransitionFunc
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used for transitions.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// OnTransition registers a callback for state changes.
func OnTransition(fn TransitionFunc) Option {
	return func(m *Monitor) { m.onTransition = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a closed monitor.
func NewMonitor(cfg domain.HealthConfig, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		state:     domain.CircuitClosed,
		threshold: cfg.FailureThreshold,
		interval:  cfg.ProbeInterval,
		prober:    prober,
		reset:     make(chan struct{}, 1),
		logger:    slog.Default(),
		now:       time.Now,
	}
	if m.threshold <= 0 {
		m.threshold = 3
	}
	if m.interval <= 0 {
		m.interval = 30 * time.Second
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow reports whether a call to the guarded service may proceed. In
// half-open state exactly one caller is admitted until it reports back.
func (m *Monitor) Allow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case domain.CircuitClosed:
		return true
	case domain.CircuitHalfOpen:
		if m.trial {
			return false
		}
		m.trial = true
		return true
	default:
		return false
	}
}

// ReportSuccess records a successful call.
func (m *Monitor) ReportSuccess() {
	m.mu.Lock()
	from := m.state
	m.lastCheckedAt = m.now()
	m.lastError = ""
	switch m.state {
	case domain.CircuitClosed:
		m.failures = 0
	case domain.CircuitHalfOpen:
		m.failures = 0
		m.trial = false
		m.transition(domain.CircuitClosed)
	}
	to := m.state
	m.mu.Unlock()

	m.notify(from, to)
}

// ReportFailure records a failed call.
func (m *Monitor) ReportFailure(err error) {
	m.mu.Lock()
	from := m.state
	m.lastCheckedAt = m.now()
	if err != nil {
		m.lastError = err.Error()
	}
	m.failures++
	switch m.state {
	case domain.CircuitClosed:
		if m.failures >= m.threshold {
			m.transition(domain.CircuitOpen)
		}
	case domain.CircuitHalfOpen:
		m.trial = false
		m.transition(domain.CircuitOpen)
	}
	to := m.state
	m.mu.Unlock()

	if from != to && to == domain.CircuitOpen {
		m.resetProbeTimer()
	}
	m.notify(from, to)
}

// Release hands back a half-open trial slot without a verdict, for callers
// whose own context ended before the service answered.
func (m *Monitor) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.CircuitHalfOpen {
		m.trial = false
	}
}

// Probe checks the service once. Concurrent callers share one probe. A
// successful probe of an open circuit moves it to half-open.
func (m *Monitor) Probe(ctx context.Context) error {
	if m.prober == nil {
		return errors.New("no prober configured")
	}
	_, err, _ := m.probes.Do("probe", func() (any, error) {
		err := m.prober(ctx)

		m.mu.Lock()
		from := m.state
		now := m.now()
		m.lastProbeAt = now
		m.lastCheckedAt = now
		if err != nil {
			m.lastError = err.Error()
		} else {
			m.lastError = ""
			if m.state == domain.CircuitOpen {
				m.transition(domain.CircuitHalfOpen)
			}
		}
		to := m.state
		m.mu.Unlock()

		m.notify(from, to)
		return nil, err
	})
	return err
}

// Run probes on every tick while the circuit is open, until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reset:
			ticker.Reset(m.interval)
		case <-ticker.C:
			if m.isOpen() {
				if err := m.Probe(ctx); err != nil {
					m.logger.Debug("model service probe failed", "error", err)
				}
			}
		}
	}
}

// State returns a copy of the current health state.
func (m *Monitor) State() domain.ServiceHealthState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return domain.ServiceHealthState{
		State:               m.state,
		ConsecutiveFailures: m.failures,
		Available:           m.state == domain.CircuitClosed,
		UsingFallback:       m.state != domain.CircuitClosed,
		LastProbeAt:         timePtr(m.lastProbeAt),
		LastCheckedAt:       timePtr(m.lastCheckedAt),
		LastError:           m.lastError,
		LastTransitionAt:    timePtr(m.lastTransitionAt),
	}
}

func (m *Monitor) isOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == domain.CircuitOpen
}

// transition must be called with mu held.
func (m *Monitor) transition(to domain.CircuitState) {
	m.state = to
	m.lastTransitionAt = m.now()
	if to == domain.CircuitClosed {
		m.failures = 0
	}
}

func (m *Monitor) notify(from, to domain.CircuitState) {
	if from == to {
		return
	}
	m.logger.Info("model service circuit transition",
		"from", string(from),
		"to", string(to),
	)
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

func (m *Monitor) resetProbeTimer() {
	select {
	case m.reset <- struct{}{}:
	default:
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
