package domain

import "time"

// CircuitState is the state of the learned-model circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ServiceHealthState is a point-in-time copy of the health monitor's state.
type ServiceHealthState struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	Available           bool         `json:"available"`
	UsingFallback       bool         `json:"usingFallback"`
	LastProbeAt         *time.Time   `json:"lastProbeAt,omitempty"`
	LastCheckedAt       *time.Time   `json:"lastChecked,omitempty"`
	LastError           string       `json:"errorMessage,omitempty"`
	LastTransitionAt    *time.Time   `json:"lastTransitionAt,omitempty"`
}
