package transition

import (
	"math"
	"time"
)

// Confidence computes the bounded [0,1] confidence of a transition from
// its reinforcement count and the elapsed time since it was last observed.
//
// The count contribution saturates: count/(count+k) rises monotonically
// and approaches, but never reaches, 1. The recency contribution halves
// every halfLife of silence, so confidence strictly decreases as elapsed
// time grows, all else fixed.
func Confidence(count int, elapsed time.Duration, saturationK float64, halfLife time.Duration) float64 {
	if count <= 0 {
		return 0
	}
	if saturationK <= 0 {
		saturationK = 1
	}

	base := float64(count) / (float64(count) + saturationK)

	discount := 1.0
	if elapsed > 0 && halfLife > 0 {
		discount = math.Exp2(-elapsed.Hours() / halfLife.Hours())
	}

	confidence := base * discount
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}
