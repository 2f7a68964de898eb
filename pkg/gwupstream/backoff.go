package gwupstream

import (
	"math"
	"math/rand"
	"time"
)

const (
	baseDelay      = 2 * time.Second
	maxDelay       = 30 * time.Second
	maxAttempts    = 5
	jitterCeilingMs = 1000
)

// backoffDelay implements spec.md §4.4's reconnection policy exactly:
// min(MAX_DELAY, BASE_DELAY * 2^attempts + jitter) with jitter in [0, 1s).
func backoffDelay(attempts int) time.Duration {
	scaled := float64(baseDelay) * math.Pow(2, float64(attempts))
	jitter := time.Duration(rand.Intn(jitterCeilingMs)) * time.Millisecond
	delay := time.Duration(scaled) + jitter
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
