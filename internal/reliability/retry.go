package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// jitterFraction is how far either way a jittered delay may move
const jitterFraction = 0.15

// RetryPolicy decides whether a failed attempt is made again and how long to
// wait before it. Attempts count from zero.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
}

// ExponentialBackoff multiplies the wait after every failure, capped at
// MaxInterval, and gives up after MaxAttempts retries
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a jittered backoff allowing maxRetries
// retries after the first attempt
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy. Permanent errors are never retried.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts || !isRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay returns the wait after the given failed attempt
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := math.Min(
		float64(e.InitialInterval)*math.Pow(e.Multiplier, float64(attempt)),
		float64(e.MaxInterval),
	)
	if e.Jitter {
		delay += delay * jitterFraction * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, policy gives up or ctx ends. When the
// policy gives up the result is a *RetryError wrapping fn's last error.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func(attempt int) error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr := fn(attempt)
		if lastErr == nil {
			return nil
		}

		again, wait := policy.ShouldRetry(attempt, lastErr)
		if !again {
			return &RetryError{
				Op:          op,
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries() + 1,
				LastError:   lastErr,
				Duration:    time.Since(start),
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Permanent marks err so that no policy retries it
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }

func (p *permanentError) Unwrap() error { return p.err }

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNonRetryable) {
		return false
	}
	var permanent *permanentError
	return !errors.As(err, &permanent)
}
