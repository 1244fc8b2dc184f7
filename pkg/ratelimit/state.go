// Package ratelimit tracks the Falcon API request quota and gates outgoing
// requests. It monitors the X-RateLimit-Limit, X-RateLimit-Remaining and
// Retry-After response headers so the exporter slows down before the API
// starts rejecting calls.
package ratelimit

import (
	"time"
)

// Thresholds for rate limit decisions.
const (
	// ThresholdCritical blocks all requests when the remaining quota falls
	// below this value.
	ThresholdCritical = 5

	// ThresholdWarning applies throttling when the remaining quota falls
	// below this value.
	ThresholdWarning = 20
)

// State represents the most recently observed request quota.
type State struct {
	// Limit is the total request quota in the current window.
	// Extracted from the X-RateLimit-Limit header. Zero when unknown.
	Limit int

	// Remaining is the number of requests left before the API starts
	// returning 429. Extracted from the X-RateLimit-Remaining header.
	Remaining int

	// RetryAfter is the server-requested wait before the next attempt.
	// Only set after a 429 response carrying a Retry-After header.
	RetryAfter time.Duration

	// LastUpdate is when this state was last refreshed from headers.
	LastUpdate time.Time
}

// Known returns true once at least one rate limit header has been observed.
func (s State) Known() bool {
	return !s.LastUpdate.IsZero()
}

// IsStale returns true if the state is older than maxAge. Stale quota data
// must not block requests because the window has long since reset.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should pause until the quota
// window resets.
func (s *State) NeedsCriticalBlock() bool {
	return s.Known() && s.Remaining < ThresholdCritical
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.Known() && s.Remaining < ThresholdWarning && !s.NeedsCriticalBlock()
}
