package relay_test

import (
	"testing"
	"time"

	"walletmesh/internal/relay"
)

func TestDelayDeterministicWithoutJitter(t *testing.T) {
	cfg := relay.BackoffConfig{
		Initial:    250 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
		Jitter:     false,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{4, 2 * time.Second},
		{5, 4 * time.Second},
		{6, 5 * time.Second},
		{12, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := cfg.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayJitterStaysInRange(t *testing.T) {
	cfg := relay.DefaultBackoff()

	// Attempt 3 has a 1s base; jitter scales it into [0.5s, 1.5s).
	for i := 0; i < 200; i++ {
		d := cfg.Delay(3)
		if d < 500*time.Millisecond || d >= 1500*time.Millisecond {
			t.Fatalf("jittered delay %v outside [500ms, 1.5s)", d)
		}
	}
}
