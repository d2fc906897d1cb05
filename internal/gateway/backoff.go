package gateway

import "time"

// Backoff implements the client reconnect delay policy: start at Initial,
// double each failed attempt, cap at Max, give up after MaxAttempts.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int

	attempt int
}

// Next returns the delay before the next attempt, or false when the attempt
// budget is exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}

	delay := b.Initial
	for i := 0; i < b.attempt; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}
	b.attempt++
	return delay, true
}

// Reset restores the initial delay. Called immediately after any successful
// connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many attempts have been consumed.
func (b *Backoff) Attempt() int {
	return b.attempt
}
