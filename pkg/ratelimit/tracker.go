package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "falcon_export_quota_remaining",
		Help: "Requests remaining in the current Falcon rate limit window",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "falcon_export_rate_limit_throttles_total",
		Help: "Total requests delayed because the remaining quota was low",
	})
)

// staleAfter is how long observed quota state stays authoritative. The
// Falcon rate limit window is one minute.
const staleAfter = time.Minute

// throttleDelay is the pause applied per request while in the warning band.
const throttleDelay = time.Second

// Tracker monitors Falcon rate limit headers and gates requests.
// State is process-local; a run owns its whole quota window.
type Tracker struct {
	mu     sync.Mutex
	state  State
	logger zerolog.Logger
}

// NewTracker creates a new rate limit tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// State returns a copy of the current rate limit state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UpdateFromHeaders parses Falcon rate limit headers and updates the state.
// Responses without rate limit headers leave the state untouched.
func (t *Tracker) UpdateFromHeaders(headers http.Header) {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		t.logger.Warn().Str("value", remainStr).Msg("Unparseable X-RateLimit-Remaining header")
		return
	}

	limit := 0
	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		limit, _ = strconv.Atoi(limitStr)
	}

	var retryAfter time.Duration
	if raStr := headers.Get("Retry-After"); raStr != "" {
		if secs, err := strconv.Atoi(raStr); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	t.mu.Lock()
	t.state = State{
		Limit:      limit,
		Remaining:  remain,
		RetryAfter: retryAfter,
		LastUpdate: time.Now(),
	}
	state := t.state
	t.mu.Unlock()

	quotaRemaining.Set(float64(remain))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Warn().
			Int("remaining", remain).
			Msg("Falcon quota critical - pausing requests until window resets")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", remain).
			Msg("Falcon quota low - throttling requests")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Int("limit", limit).
			Msg("Falcon quota state updated")
	}
}

// RetryAfterHint returns the server-requested wait observed on the most
// recent 429, or zero when none applies. The hint is consumed once, and
// consuming it clears the quota state: the server named the recovery time,
// so gating the post-wait attempt again would double the delay.
func (t *Tracker) RetryAfterHint() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	hint := t.state.RetryAfter
	if hint > 0 {
		t.state = State{}
	}
	return hint
}

// WaitIfNeeded delays the caller according to the current quota state.
// In the warning band it sleeps briefly; in the critical band it waits out
// the remainder of the quota window. Returns the context error when the
// wait is cancelled.
func (t *Tracker) WaitIfNeeded(ctx context.Context) error {
	t.mu.Lock()
	state := t.state
	if state.IsStale(staleAfter) {
		// Window has reset since the last observation.
		t.state = State{}
		state = t.state
	}
	t.mu.Unlock()

	var delay time.Duration
	switch {
	case state.NeedsCriticalBlock():
		delay = staleAfter - time.Since(state.LastUpdate)
	case state.NeedsThrottling():
		delay = throttleDelay
	default:
		return nil
	}
	if delay <= 0 {
		return nil
	}

	rateLimitThrottlesTotal.Inc()
	t.logger.Debug().
		Dur("delay", delay).
		Int("remaining", state.Remaining).
		Msg("Delaying request for quota recovery")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
