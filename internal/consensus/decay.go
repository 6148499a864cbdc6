package consensus

import (
	"math"
	"time"
)

// RecencyWeight computes the time-decayed weight of a claim:
// exp(-age_days / half_life_days). ObservedAt in the future is clamped to
// age 0 so a bad clock never amplifies a claim.
func RecencyWeight(observedAt, now time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = 30
	}
	ageDays := now.Sub(observedAt).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	return math.Exp(-ageDays / halfLifeDays)
}
