package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/rickgao/airsense-sync/internal/fault"
)

// Policy bounds retries for one call site.
type Policy struct {
	BaseDelay   time.Duration // Delay before the first retry
	MaxDelay    time.Duration // Ceiling for any single delay
	MaxAttempts int           // Total calls, including the first
}

// DefaultPolicy returns 1s base, 16s ceiling, 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    16 * time.Second,
		MaxAttempts: 3,
	}
}

// Delay returns min(max, base*2^attempt). attempt is zero-indexed.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	if max > 0 && base >= max {
		return max
	}

	d := base
	for i := 0; i < attempt; i++ {
		// Stop doubling before overflow or once past the ceiling.
		if d >= time.Duration(1<<62) || (max > 0 && d*2 >= max) {
			if max > 0 {
				return max
			}
			return d
		}
		d *= 2
	}
	return d
}

// ShouldRetry reports whether another call is allowed after attempt calls
// have failed with err.
func ShouldRetry(err *fault.Error, attempt, maxAttempts int) bool {
	return err != nil && err.Retryable() && attempt < maxAttempts
}

// Delay returns the policy delay for a zero-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return Delay(attempt, p.BaseDelay, p.MaxDelay)
}

// ShouldRetry classifies err and applies ShouldRetry with the policy ceiling.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	return ShouldRetry(fault.Classify(err), attempt, p.MaxAttempts)
}

// Do calls fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts calls have been made. Errors are returned classified.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, fn func(context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		classified := fault.Classify(err)
		if !ShouldRetry(classified, attempt+1, maxAttempts) {
			return zero, classified
		}

		wait := p.Delay(attempt)
		logger.Debug("retrying call",
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"kind", classified.Kind,
			"backoff", wait,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fault.Classify(ctx.Err())
		case <-timer.C:
		}
	}
}
