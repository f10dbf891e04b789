package handoff

import (
	"context"
	"testing"
	"time"
)

var fastRetry = RetryOptions{Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxAttempts: 2}

func TestRetryRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return Errorf(Unavailable, "still down")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("got %d attempts, want 3", attempts)
	}
}

func TestRetryStopsOnProtocolErrors(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry, func(ctx context.Context) error {
		attempts++
		return Errorf(Contested, "ride is locked")
	}, nil)
	if !IsCode(err, Contested) {
		t.Fatalf("got %v, want contested", err)
	}
	if attempts != 1 {
		t.Errorf("protocol error retried %d times", attempts)
	}
}

func TestRetryInvokesGaveUpTask(t *testing.T) {
	gaveUp := false
	err := Retry(context.Background(), fastRetry, func(ctx context.Context) error {
		return Errorf(Unavailable, "never recovers")
	}, func(ctx context.Context) {
		gaveUp = true
	})
	if !IsCode(err, Unavailable) {
		t.Fatalf("got %v, want unavailable", err)
	}
	if !gaveUp {
		t.Error("gaveUpTask not invoked after exhausting retries")
	}
}

// A per-attempt deadline surfaces as unavailable wrapping
// context.DeadlineExceeded; the code must win over the wrapped cause or the
// retry budget silently collapses to a single attempt.
func TestRetryRetriesWrappedAttemptDeadline(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry, func(ctx context.Context) error {
		attempts++
		return WrapError(Unavailable, context.DeadlineExceeded)
	}, nil)
	if !IsCode(err, Unavailable) {
		t.Fatalf("got %v, want unavailable", err)
	}
	if attempts != 3 {
		t.Errorf("got %d attempts, want 3", attempts)
	}
}

func TestShouldRetry(t *testing.T) {
	if ShouldRetry(nil) {
		t.Error("nil error reported retryable")
	}
	if ShouldRetry(context.Canceled) {
		t.Error("cancellation reported retryable")
	}
	if ShouldRetry(context.DeadlineExceeded) {
		t.Error("bare deadline reported retryable")
	}
	if ShouldRetry(Errorf(NotFound, "gone")) {
		t.Error("not_found reported retryable")
	}
	if !ShouldRetry(Errorf(Unavailable, "down")) {
		t.Error("unavailable reported permanent")
	}
	if !ShouldRetry(WrapError(Unavailable, context.DeadlineExceeded)) {
		t.Error("unavailable wrapping an attempt deadline reported permanent")
	}
	if ShouldRetry(WrapError(Contested, context.DeadlineExceeded)) {
		t.Error("contested reported retryable regardless of its cause")
	}
}
