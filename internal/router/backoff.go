package router

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: exponential from Min, jittered by up
// to half the base, capped at Max. Consecutive delays never decrease
// until Reset.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	attempt int
	last    time.Duration
	jitter  func(n int64) int64
}

// NewBackoff creates a new backoff
func NewBackoff(minDelay, maxDelay time.Duration) *Backoff {
	return &Backoff{Min: minDelay, Max: maxDelay, jitter: rand.Int64N}
}

// Next returns the delay before the next attempt
func (b *Backoff) Next() time.Duration {
	base := b.Max
	if b.attempt < 62 {
		if shifted := b.Min << b.attempt; shifted > 0 && shifted < b.Max {
			base = shifted
		}
	}

	d := base
	if half := int64(base / 2); half > 0 {
		d += time.Duration(b.jitter(half))
	}
	if d > b.Max {
		d = b.Max
	}
	if d < b.last {
		d = b.last
	}

	b.last = d
	b.attempt++
	return d
}

// Reset returns the backoff to Min
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}

// Attempts returns the number of delays handed out since the last Reset
func (b *Backoff) Attempts() int {
	return b.attempt
}
