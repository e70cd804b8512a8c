package rabbitmq

import (
	"math/rand/v2"
	"time"
)

// Backoff computes capped reconnect delays, exponential unless Linear is set.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Linear bool // Grow by Base each attempt instead of doubling
	Jitter bool // Add up to 25% on top of the computed delay
}

// Delay returns min(Base*2^(attempt-1), Cap), or min(Base*attempt, Cap) when
// Linear, plus jitter when enabled.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Cap; i++ {
		if b.Linear {
			d += b.Base
		} else {
			d *= 2
		}
	}
	if d > b.Cap {
		d = b.Cap
	}
	if b.Jitter && d >= 4 {
		d += time.Duration(rand.Int64N(int64(d / 4)))
	}
	return d
}
