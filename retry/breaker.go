package retry

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the circuit breaker is rejecting calls.
// It is fatal: retrying against an open breaker only prolongs an outage.
var ErrCircuitOpen = errors.New("retry: circuit breaker open")

// WithBreaker routes every attempt through a circuit breaker so a dead
// facilitator trips fast instead of burning the full backoff schedule on
// each request.
func WithBreaker(settings gobreaker.Settings) Option {
	return func(c *Caller) {
		c.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// execute runs op through the breaker when one is configured.
func (c *Caller) execute(ctx context.Context, op func(ctx context.Context) error) error {
	if c.breaker == nil {
		return op(ctx)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}
