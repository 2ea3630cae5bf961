// Package backoff computes retry delays for failed sync attempts.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy is a capped exponential backoff with proportional jitter:
// min(Base*2^n, Max) + U[0, Jitter*delay).
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Default is the mutation retry policy: 1s doubling to a 60s cap with up
// to 30% jitter.
func Default() Policy {
	return Policy{Base: time.Second, Max: 60 * time.Second, Jitter: 0.3}
}

// Delay returns the unjittered delay for the n-th retry (n >= 0).
func (p Policy) Delay(n uint32) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	limit := p.Max
	if limit <= 0 {
		limit = math.MaxInt64
	}
	d := p.Base
	for i := uint32(0); i < n && d < limit; i++ {
		if d > limit/2 {
			d = limit
			break
		}
		d *= 2
	}
	return min(d, limit)
}

// Next returns the jittered delay for the n-th retry. The result is never
// negative and never below Delay(n).
func (p Policy) Next(n uint32) time.Duration {
	d := p.Delay(n)
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	return d + time.Duration(float64(d)*p.Jitter*r())
}
