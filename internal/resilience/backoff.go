package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnection delays: min(BaseDelay × Multiplier^attempt, MaxDelay).
type Backoff struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter spreads each delay by ±Jitter×delay. Zero disables it.
	Jitter float64
}

// DefaultBackoff returns the standard policy: 1s doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
}

// Delay returns the un-jittered delay for the zero-based attempt.
//
// Precondition: attempt >= 0.
// Postcondition: BaseDelay <= result <= MaxDelay when BaseDelay <= MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.BaseDelay) * math.Pow(mult, float64(attempt))
	if d > float64(b.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.MaxDelay
	}
	return time.Duration(d)
}

// Jittered applies Jitter to Delay(attempt), clamped to [0, MaxDelay].
func (b Backoff) Jittered(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 {
		return d
	}
	spread := float64(d) * b.Jitter
	j := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if j < 0 {
		return 0
	}
	if j > b.MaxDelay {
		return b.MaxDelay
	}
	return j
}
