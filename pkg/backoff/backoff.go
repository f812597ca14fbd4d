package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// ExponentialJitter returns the delay before the given retry attempt:
// base doubled per attempt, capped at max, with +/-20% jitter so
// concurrent retriers spread out instead of thundering together.
func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		attempt = 1
	}

	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d < 0 {
		d = max
	}

	jitter := float64(d) * 0.2
	return time.Duration(float64(d) - jitter + rand.Float64()*2*jitter)
}
