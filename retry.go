package handoff

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryOptions are the exponential backoff parameters applied per logical call.
type RetryOptions struct {
	// Base is the initial backoff delay.
	Base time.Duration `json:"base"`
	// Cap bounds the delay growth.
	Cap time.Duration `json:"cap"`
	// MaxAttempts counts retries after the first attempt.
	MaxAttempts int `json:"max"`
}

// DefaultRetryOptions returns the standard participant-call retry budget.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Base:        100 * time.Millisecond,
		Cap:         2 * time.Second,
		MaxAttempts: 3,
	}
}

// Retry executes task with capped exponential backoff. Permanent errors
// (see ShouldRetry) stop the loop immediately. If retries are exhausted,
// gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, o RetryOptions, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.WithCappedDuration(o.Cap, retry.NewExponential(o.Base))
	b = retry.WithMaxRetries(uint64(o.MaxAttempts), b)
	wrapped := func(ctx context.Context) error {
		err := task(ctx)
		if err != nil && ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}
	if err := retry.Do(ctx, b, wrapped); err != nil {
		if ShouldRetry(err) {
			log.Warn(err.Error() + ", gave up")
			if gaveUpTask != nil {
				gaveUpTask(ctx)
			}
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is transient (non-nil and not a known
// permanent failure). Coded protocol errors are decisions, not glitches; a
// blind retry of one would not change the outcome, so only connectivity-class
// failures qualify.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// A coded error is a classification already made at the call site, so it
	// wins over whatever it wraps. In particular unavailable stays retryable
	// even when the cause underneath is a per-attempt deadline.
	switch CodeOf(err) {
	case InvalidArgument, NotFound, AlreadyExists, AlreadyLocked,
		WrongTransaction, Contested, Duplicate, BufferFull:
		return false
	case Unavailable:
		return true
	case Unknown:
		// Uncoded: the caller's own cancellation/timeout is permanent.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
	}
	return true
}
