// Package backoff provides the pause strategies used between attempts of a
// remote call that failed because the connection dropped.
//
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the pause before attempt n (1-indexed). Attempt 1 is the
// first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant pauses for the same interval before every attempt.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the pause on every attempt up to Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return time.Duration(ceiling(e.Initial, e.Max, attempt))
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter
// ──────────────────────────────────────────────────

// ExponentialWithJitter picks a random pause in [0, ceiling] where ceiling
// grows like Exponential. Schedulers of many queues reconnecting after the
// same Redis failover then spread out instead of arriving together.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	return time.Duration(rand.Float64() * ceiling(e.Initial, e.Max, attempt)) //nolint:gosec // jitter does not need crypto rand
}

func ceiling(initial, maxDelay time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return d
}

// ──────────────────────────────────────────────────
// Defaults
// ──────────────────────────────────────────────────

// DefaultStrategy is the retry pause used by the connection guard:
// jittered exponential from 100ms up to 5s.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(100*time.Millisecond, 5*time.Second)
}

// DefaultReconnectDelay is the fixed pause after a blocking stream read
// lost its connection.
const DefaultReconnectDelay = 5 * time.Second
