// Package retry wraps outbound calls with bounded retries, capped
// exponential backoff, and jitter. Only failures classified as transient
// are retried; everything else returns immediately, so a caller that needs
// at-most-once side effects can rely on fatal errors surfacing on the
// first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/sony/gobreaker"
)

// Defaults for the backoff schedule. All of them are configuration-visible
// through the corresponding options.
const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
)

// transientError marks a wrapped error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. Callers performing outbound requests
// wrap network-level failures and 5xx/429 responses with Transient; the
// Caller treats everything else as fatal.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
// Network timeouts are transient even without an explicit Transient mark.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// ExhaustedError is returned when every attempt failed with a transient
// error. LastErr carries the failure from the final attempt.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Caller executes operations under a retry policy. The zero value is not
// usable; construct with New.
type Caller struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep is swappable so tests don't wait on real backoff delays.
	sleep   func(ctx context.Context, d time.Duration) error
	breaker *gobreaker.CircuitBreaker
}

// Option configures a Caller.
type Option func(*Caller)

// WithMaxAttempts bounds the total number of attempts (first call included).
func WithMaxAttempts(n int) Option {
	return func(c *Caller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the backoff base delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Caller) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithMaxDelay caps the computed backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Caller) {
		if d > 0 {
			c.maxDelay = d
		}
	}
}

// withSleep overrides the sleep function. Used by tests.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Caller) {
		c.sleep = sleep
	}
}

// New creates a Caller with the default schedule, adjusted by opts.
func New(opts ...Option) *Caller {
	c := &Caller{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
	}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do runs op until it succeeds, fails fatally, the context ends, or the
// attempt budget is spent. On budget exhaustion it returns *ExhaustedError
// wrapping the last transient failure.
func (c *Caller) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.execute(ctx, op)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt == c.maxAttempts-1 {
			break
		}

		if err := c.sleep(ctx, c.delay(attempt)); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: c.maxAttempts, LastErr: lastErr}
}

// delay computes min(cap, base << attempt) plus jitter in [0, delay) so
// concurrent callers don't retry in lockstep. One Caller serves every
// in-flight request, so the jitter source must be safe for concurrent use;
// rand/v2's global generator is.
func (c *Caller) delay(attempt int) time.Duration {
	d := c.baseDelay << uint(attempt)
	if d > c.maxDelay || d <= 0 {
		d = c.maxDelay
	}
	return d + rand.N(d)
}
