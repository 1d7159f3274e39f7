package scheduler

import (
	"math/rand"
	"time"
)

// backoff computes the delay before the next check. The interval scales
// by min(2^failures, capMultiplier) and is clamped to maxInterval, then
// jittered by ±jitterFraction so accounts sharing a base interval do not
// retry in lockstep.
func backoff(base time.Duration, failures, capMultiplier int, maxInterval time.Duration, jitterFraction float64) time.Duration {
	if base <= 0 {
		base = time.Minute
	}

	mult := 1
	for i := 0; i < failures && mult < capMultiplier; i++ {
		mult *= 2
	}
	if capMultiplier > 0 && mult > capMultiplier {
		mult = capMultiplier
	}

	d := base * time.Duration(mult)
	if maxInterval > 0 && d > maxInterval {
		d = maxInterval
	}

	if jitterFraction > 0 {
		// Uniform in [1-j, 1+j].
		factor := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
		d = time.Duration(float64(d) * factor)
	}
	if d <= 0 {
		d = base
	}
	return d
}
