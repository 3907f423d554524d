package reliability

import (
	"context"
	"time"
)

const (
	// DefaultConnectAttempts is the number of setup attempts before giving up
	DefaultConnectAttempts = 10
	// DefaultConnectDelay is the fixed wait between setup attempts
	DefaultConnectDelay = 5 * time.Second
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt follows the failed attempt
	// (zero based) and how long to wait before it
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the total number of attempts, the first one included
	MaxAttempts() int
}

// FixedDelay retries every failure after the same delay until MaxAttempts
// attempts have been made. It does not classify errors: a permanent
// misconfiguration waits out the whole window like a transient outage.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, attempts int) FixedDelay {
	return FixedDelay{
		Delay:    delay,
		Attempts: attempts,
	}
}

// DefaultConnectPolicy returns the policy guarding connection and topology
// setup: 10 attempts, 5 seconds apart
func DefaultConnectPolicy() FixedDelay {
	return NewFixedDelay(DefaultConnectDelay, DefaultConnectAttempts)
}

// NoWait returns a policy that retries immediately, for tests
func NoWait(attempts int) FixedDelay {
	return NewFixedDelay(0, attempts)
}

// ShouldRetry implements RetryPolicy
func (f FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if err == nil || attempt+1 >= f.Attempts {
		return false, 0
	}
	return true, f.Delay
}

// MaxAttempts implements RetryPolicy
func (f FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// Retry executes fn until it succeeds or the policy gives up. The returned
// *RetryError unwraps to the last failure.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return &RetryError{
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxAttempts(),
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
