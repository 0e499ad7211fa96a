package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryerStopsOnSuccess(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	attempts := 0
	result := r.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return newSyncError(SyncErrorTypeTransient, "flaky", "", nil)
		}
		return nil
	})

	if result.LastErr != nil {
		t.Fatalf("expected success, got %v", result.LastErr)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryerGivesUpOnPermanentError(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	attempts := 0
	rejected := newSyncError(SyncErrorTypeRejected, "bad payload", "", nil)
	result := r.Do(context.Background(), func() error {
		attempts++
		return rejected
	})

	if attempts != 1 {
		t.Errorf("permanent errors must not retry, got %d attempts", attempts)
	}
	if !errors.Is(result.LastErr, rejected) {
		t.Errorf("expected the original error, got %v", result.LastErr)
	}
}

func TestRetryerHonorsContext(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:       100,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := r.Do(ctx, func() error {
		return newSyncError(SyncErrorTypeTransient, "flaky", "", nil)
	})
	if result.Attempts >= 100 {
		t.Error("context expiry should stop the retry loop")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient sync error", newSyncError(SyncErrorTypeTransient, "x", "", nil), true},
		{"rejected sync error", newSyncError(SyncErrorTypeRejected, "x", "", nil), false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"timeout text", errors.New("request Timeout exceeded"), true},
		{"plain error", errors.New("no such entity"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryDelayGrowth(t *testing.T) {
	base := time.Second
	max := time.Minute

	var prev time.Duration
	for i := 1; i <= 5; i++ {
		d := retryDelay(i, base, max, 0)
		if d < prev {
			t.Errorf("delay shrank at retry %d: %v < %v", i, d, prev)
		}
		prev = d
	}

	t.Run("capped at max", func(t *testing.T) {
		if d := retryDelay(30, base, max, 0); d > max {
			t.Errorf("delay %v exceeds cap %v", d, max)
		}
	})

	t.Run("jitter stays in range", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			d := retryDelay(2, base, max, 0.2)
			lo, hi := 4*time.Second, time.Duration(float64(4*time.Second)*1.2)
			if d < lo || d > hi {
				t.Errorf("jittered delay %v outside [%v, %v]", d, lo, hi)
			}
		}
	})
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(3, 50*time.Millisecond)
	boom := errors.New("backend down")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected operation error, got %v", err)
		}
	}

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe should pass, got %v", err)
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("circuit should be closed again, got %v", err)
	}
}
