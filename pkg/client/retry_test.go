package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultBackoffPolicy(t *testing.T) {
	policy := DefaultBackoffPolicy()

	if policy.MaxAttempts != 20 {
		t.Errorf("MaxAttempts = %d, want 20", policy.MaxAttempts)
	}
	if policy.InitialDelay != 1*time.Second {
		t.Errorf("InitialDelay = %v, want 1s", policy.InitialDelay)
	}
	if policy.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", policy.MaxDelay)
	}
	if policy.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", policy.Multiplier)
	}
}

func TestBackoffPolicy_NextDelay(t *testing.T) {
	policy := BackoffPolicy{
		MaxAttempts:  20,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		name     string
		attempt  int
		hint     time.Duration
		expected time.Duration
	}{
		{"first failure", 1, 0, 1 * time.Second},
		{"second failure", 2, 0, 2 * time.Second},
		{"third failure", 3, 0, 4 * time.Second},
		{"capped at max", 10, 0, 60 * time.Second},
		{"server hint honored exactly", 3, 5 * time.Second, 5 * time.Second},
		{"hint overrides even large backoff", 15, 2 * time.Second, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.NextDelay(tt.attempt, tt.hint); got != tt.expected {
				t.Errorf("NextDelay(%d, %v) = %v, want %v", tt.attempt, tt.hint, got, tt.expected)
			}
		})
	}
}

func TestWait_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Wait(ctx, 10*time.Second, nil)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Wait() error = %v, want ErrContextCancelled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled wait took %v", elapsed)
	}
}

func TestWait_ZeroDelay(t *testing.T) {
	if err := Wait(context.Background(), 0, nil); err != nil {
		t.Errorf("Wait(0) error = %v", err)
	}
}

func TestRetryWithBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	policy := BackoffPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := retryWithBackoff(context.Background(), policy, zerolog.Nop(), func() error {
		calls++
		if calls < 3 {
			return &APIError{StatusCode: 503, ErrorClass: ErrorClassServer}
		}
		return nil
	}, nil, nil)

	if err != nil {
		t.Fatalf("retryWithBackoff() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryWithBackoff_ClientErrorNotRetried(t *testing.T) {
	policy := BackoffPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := retryWithBackoff(context.Background(), policy, zerolog.Nop(), func() error {
		calls++
		return &APIError{StatusCode: 400, ErrorClass: ErrorClassClient}
	}, nil, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorClass != ErrorClassClient {
		t.Errorf("error = %v, want client APIError", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls)
	}
}

func TestRetryWithBackoff_Exhaustion(t *testing.T) {
	policy := BackoffPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := retryWithBackoff(context.Background(), policy, zerolog.Nop(), func() error {
		calls++
		return &APIError{StatusCode: 503, ErrorClass: ErrorClassServer}
	}, nil, nil)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryWithBackoff_HintConsulted(t *testing.T) {
	policy := BackoffPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

	var waits []time.Duration
	hint := 20 * time.Millisecond
	calls := 0

	err := retryWithBackoff(context.Background(), policy, zerolog.Nop(), func() error {
		calls++
		if calls < 2 {
			return &APIError{StatusCode: 429, ErrorClass: ErrorClassRateLimit}
		}
		return nil
	}, func() time.Duration {
		return hint
	}, func(delay time.Duration, attempt int) {
		waits = append(waits, delay)
	})

	if err != nil {
		t.Fatalf("retryWithBackoff() error = %v", err)
	}
	if len(waits) != 1 || waits[0] != hint {
		t.Errorf("waits = %v, want exactly [%v]", waits, hint)
	}
}

func TestRetryWithBackoff_CancellationAborts(t *testing.T) {
	policy := BackoffPolicy{MaxAttempts: 10, InitialDelay: 10 * time.Second, MaxDelay: time.Minute, Multiplier: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	start := time.Now()
	err := retryWithBackoff(ctx, policy, zerolog.Nop(), func() error {
		calls++
		cancel()
		return &APIError{StatusCode: 503, ErrorClass: ErrorClassServer}
	}, nil, nil)

	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled retry took %v, want prompt abort", elapsed)
	}
}
