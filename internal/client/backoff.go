package client

import "time"

// Backoff computes reconnect delays: base after the first consecutive
// failure, doubling after each further one, capped at max.
//
// A Backoff is not safe for concurrent use; the Supervisor loop owns it.
type Backoff struct {
	base     time.Duration
	max      time.Duration
	failures int
}

// NewBackoff creates a backoff with the given base and cap.
func NewBackoff(base, maxDelay time.Duration) *Backoff {
	if maxDelay < base {
		maxDelay = base
	}
	return &Backoff{base: base, max: maxDelay}
}

// Next records a failure and returns the wait before the next attempt:
// min(base·2^(n-1), max) after n consecutive failures.
func (b *Backoff) Next() time.Duration {
	b.failures++
	d := b.base
	for i := 1; i < b.failures; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return d
}

// Reset clears the failure count.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures returns the number of consecutive failures recorded.
func (b *Backoff) Failures() int {
	return b.failures
}
