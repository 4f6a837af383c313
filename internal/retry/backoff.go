// Package retry holds the backoff policies shared by the broker pool, the
// producer and the group coordinator.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/hugolhafner/dskit/backoff"
)

// Backoff maps a 1-based attempt number to the delay before that attempt.
// dskit's backoff.Backoff values satisfy it.
type Backoff interface {
	Next(attempt uint) time.Duration
}

var _ Backoff = (*Exponential)(nil)

// Exponential doubles Base per attempt up to Max, with up to Jitter (0..1)
// of the delay removed at random.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func NewExponential(base, max time.Duration) *Exponential {
	return &Exponential{Base: base, Max: max, Jitter: 0.2}
}

func (e *Exponential) Next(attempt uint) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	d := e.Base
	for i := uint(1); i < attempt && d < e.Max; i++ {
		d *= 2
	}
	if d > e.Max {
		d = e.Max
	}
	if e.Jitter > 0 && d > 0 {
		d -= time.Duration(rand.Float64() * e.Jitter * float64(d))
	}
	return d
}

// Fixed returns a constant backoff.
func Fixed(d time.Duration) Backoff {
	return backoff.NewFixed(d)
}
