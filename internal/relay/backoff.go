package relay

import (
	"math/rand"
	"time"
)

// BackoffConfig paces reconnect attempts and publish retries.
type BackoffConfig struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the exponential growth.
	Max time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64

	// Jitter randomizes each delay to spread out reconnect storms.
	Jitter bool
}

// DefaultBackoff retries after a quarter second and backs off to five
// seconds between attempts.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns how long to wait before the given 1-based attempt.
// Attempt one waits Initial; each later attempt grows by Multiplier up
// to Max. With Jitter set the result is scaled by a factor in [0.5, 1.5).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := float64(c.Initial)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.Max) {
			d = float64(c.Max)
			break
		}
	}
	if c.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}
