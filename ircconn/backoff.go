package ircconn

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy configures reconnect delays.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter is the fraction (0..1) by which a delay may deviate from nominal.
	Jitter float64
	// StableAfter is how long a connection must stay Ready before the attempt
	// counter resets; brief flaps keep escalating.
	StableAfter time.Duration
}

// Backoff computes delay = min(cap, base*2^(attempt-1)) with jitter. Delays
// never decrease between resets, even with jitter applied.
type Backoff struct {
	policy  BackoffPolicy
	attempt int
	last    time.Duration
	rnd     func() float64
}

// NewBackoff returns a backoff at attempt zero. rnd returns values in [0,1);
// nil uses math/rand/v2.
func NewBackoff(p BackoffPolicy, rnd func() float64) *Backoff {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if rnd == nil {
		//nolint:gosec // G404: scheduling jitter, not security sensitive
		rnd = rand.Float64
	}
	return &Backoff{policy: p, rnd: rnd}
}

// Attempt returns the number of consecutive attempts since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Next advances the attempt counter and returns it with its delay.
func (b *Backoff) Next() (int, time.Duration) {
	b.attempt++
	nominal := b.policy.Cap
	if shift := b.attempt - 1; shift < 32 {
		if d := b.policy.Base << shift; d > 0 && d < b.policy.Cap {
			nominal = d
		}
	}
	d := time.Duration(float64(nominal) * (1 + b.policy.Jitter*(2*b.rnd()-1)))
	if d > b.policy.Cap {
		d = b.policy.Cap
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	return b.attempt, d
}

// Reset returns the counter to zero so the next delay starts from base.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}
