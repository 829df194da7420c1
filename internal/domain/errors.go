package domain

import "errors"

var (
	// ErrInputInvalid rejects a request before any scoring attempt.
	ErrInputInvalid = errors.New("invalid input")

	// ErrScorerUnavailable marks a learned-model timeout, transport failure or bad response.
	// It never reaches API callers; the aggregator falls back to the rule scorer.
	ErrScorerUnavailable = errors.New("scorer unavailable")

	// ErrProfileNotFound is returned by lookups that need an existing profile.
	ErrProfileNotFound = errors.New("fraud profile not found")

	// ErrBaselineUnavailable means no reference dataset could be loaded.
	ErrBaselineUnavailable = errors.New("no baseline data")

	// ErrNotFound is returned by the repository for missing records.
	ErrNotFound = errors.New("record not found")
)
