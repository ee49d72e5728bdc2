package backend

import "time"

// Default polling backoff.
const (
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultBackoffFactor  = 2
)

// Backoff is a bounded exponential delay schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  int
}

// DefaultBackoff returns the 1s → 30s doubling schedule.
func DefaultBackoff() Backoff {
	return Backoff{Initial: DefaultBackoffInitial, Max: DefaultBackoffMax, Factor: DefaultBackoffFactor}
}

// Delay returns the delay before attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	maxDelay := b.Max
	if maxDelay < initial {
		maxDelay = initial
	}
	factor := b.Factor
	if factor < 1 {
		factor = DefaultBackoffFactor
	}

	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= time.Duration(factor)
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}
