package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(2^attempt * Base, Max) + U[0, Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// Delay returns the wait before reconnect attempt n (n >= 1).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Ceiling(attempt)
	if b.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(b.Jitter)))
	}
	return d
}

// Ceiling returns the delay for attempt n without jitter.
func (b Backoff) Ceiling(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
