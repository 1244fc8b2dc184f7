package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "falcon_export_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "falcon_export_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "falcon_export_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// BackoffPolicy controls retry pacing for every network operation: job
// creation, status polls and page fetches all share one policy so the retry
// behavior is defined once.
type BackoffPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialDelay is the backoff after the first failed attempt.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64
}

// DefaultBackoffPolicy returns the default policy for Falcon export calls.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:  20,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// NextDelay returns the wait before the attempt following attempt (1-based).
// A server-supplied retry-after hint is honored exactly; otherwise the delay
// grows exponentially from InitialDelay, capped at MaxDelay.
func (p BackoffPolicy) NextDelay(attempt int, serverHint time.Duration) time.Duration {
	if serverHint > 0 {
		return serverHint
	}

	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// WaitTick is the countdown resolution for observable waits.
const WaitTick = time.Second

// Wait sleeps for delay, honoring cancellation. When onTick is non-nil it is
// invoked once per WaitTick with the remaining duration, letting callers
// surface a countdown without owning the timer.
func Wait(ctx context.Context, delay time.Duration, onTick func(remaining time.Duration)) error {
	if delay <= 0 {
		return nil
	}

	deadline := time.Now().Add(delay)
	if onTick == nil {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
			return nil
		}
	}

	ticker := time.NewTicker(WaitTick)
	defer ticker.Stop()
	done := time.NewTimer(delay)
	defer done.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-ticker.C:
			remaining := time.Until(deadline)
			if remaining > 0 {
				onTick(remaining)
			}
		case <-done.C:
			return nil
		}
	}
}

// retryWithBackoff executes op under the policy. Transient failures back off
// and retry up to MaxAttempts; non-transient failures return immediately.
// A rate-limit hint reported by hint() overrides the exponential delay for
// that step. onWait, when non-nil, observes every backoff wait.
func retryWithBackoff(
	ctx context.Context,
	policy BackoffPolicy,
	logger zerolog.Logger,
	op func() error,
	hint func() time.Duration,
	onWait func(delay time.Duration, attempt int),
) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		// Cancellation aborts promptly, never waits out a backoff.
		if errors.Is(err, ErrContextCancelled) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		errorClass := ErrorClassNetwork
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			errorClass = apiErr.ErrorClass
		}

		if !shouldRetry(errorClass) {
			return lastErr
		}
		if attempt >= policy.MaxAttempts {
			break
		}

		var serverHint time.Duration
		if hint != nil {
			serverHint = hint()
		}
		delay := policy.NextDelay(attempt, serverHint)

		retriesTotal.WithLabelValues(string(errorClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(delay.Seconds())

		logger.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if onWait != nil {
			onWait(delay, attempt)
		}
		if err := Wait(ctx, delay, nil); err != nil {
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return err
		}
	}

	errorClass := ErrorClassNetwork
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) {
		errorClass = apiErr.ErrorClass
	}
	retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	logger.Warn().
		Str("error_class", string(errorClass)).
		Int("max_attempts", policy.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, policy.MaxAttempts, lastErr)
}
