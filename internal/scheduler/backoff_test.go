package scheduler

import (
	"testing"
	"time"
)

func TestBackoffDoublesUntilCap(t *testing.T) {
	base := time.Minute
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 1 * time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{5, 32 * time.Minute},
		{6, 32 * time.Minute}, // capped at the multiplier
		{100, 32 * time.Minute},
	}

	for _, tc := range cases {
		got := backoff(base, tc.failures, 32, 0, 0)
		if got != tc.want {
			t.Fatalf("failures=%d: expected %s, got %s", tc.failures, tc.want, got)
		}
	}
}

func TestBackoffClampsToMaxInterval(t *testing.T) {
	got := backoff(10*time.Minute, 4, 32, 30*time.Minute, 0)
	if got != 30*time.Minute {
		t.Fatalf("expected clamp to 30m, got %s", got)
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	base := 10 * time.Minute
	lo := time.Duration(float64(base) * 0.9)
	hi := time.Duration(float64(base) * 1.1)

	for i := 0; i < 1000; i++ {
		got := backoff(base, 0, 32, time.Hour, 0.1)
		if got < lo || got > hi {
			t.Fatalf("jittered interval %s outside [%s, %s]", got, lo, hi)
		}
	}
}

func TestBackoffDefaultsZeroBase(t *testing.T) {
	if got := backoff(0, 0, 32, 0, 0); got != time.Minute {
		t.Fatalf("expected 1m fallback, got %s", got)
	}
}
