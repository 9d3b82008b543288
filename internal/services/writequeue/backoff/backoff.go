// Package backoff computes retry delays for queued actions.
package backoff

import (
	"math/rand"
	"time"
)

const (
	DefaultBase = time.Second
	DefaultMax  = time.Minute
)

// Policy is exponential backoff with full jitter. Its methods have no side
// effects beyond drawing from Rand.
type Policy struct {
	Base time.Duration
	Max  time.Duration
	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// Default returns the reference policy: 1s base, 60s cap.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

// Ceiling returns min(Base*2^(attempts-1), Max), the upper bound of the
// jittered delay. Attempts below 1 are treated as 1.
func (p Policy) Ceiling(attempts int) time.Duration {
	base, max := p.bounds()
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// NextDelay returns a delay drawn uniformly from [0, Ceiling(attempts)).
func (p Policy) NextDelay(attempts int) time.Duration {
	ceiling := p.Ceiling(attempts)
	rnd := p.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	f := rnd()
	if f < 0 {
		f = 0
	}
	if f >= 1 {
		return ceiling
	}
	return time.Duration(float64(ceiling) * f)
}

func (p Policy) bounds() (time.Duration, time.Duration) {
	base, max := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	if base > max {
		base = max
	}
	return base, max
}
