package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is the delay policy between reconnect attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each delay by up to ±Jitter of its value.
	Jitter float64
}

// DefaultBackoff doubles from 5s up to a minute, with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    5 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// FixedBackoff retries after the same delay every time.
func FixedBackoff(d time.Duration) Backoff {
	return Backoff{Initial: d, Max: d, Multiplier: 1}
}

// Delay is the un-jittered delay before reconnect attempt n, counted from 0.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (b Backoff) next(attempt int, random func() float64) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * b.Jitter * (2*random() - 1)
	if j := time.Duration(float64(d) + spread); j > 0 {
		return j
	}
	return d
}

func (b Backoff) isZero() bool {
	return b == Backoff{}
}

var jitterSource = rand.Float64
