package consensus

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecencyWeight_FreshClaim(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 1.0, RecencyWeight(now, now, 30))
}

func TestRecencyWeight_NinetyDaysThirtyHalfLife(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	observed := now.AddDate(0, 0, -90)
	got := RecencyWeight(observed, now, 30)
	assert.InDelta(t, math.Exp(-3), got, 1e-9)
	assert.InDelta(t, 0.0498, got, 1e-4)
}

func TestRecencyWeight_FutureClampedToZeroAge(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	future := now.AddDate(0, 0, 10)
	// A future timestamp never amplifies weight.
	assert.Equal(t, 1.0, RecencyWeight(future, now, 30))
}

func TestRecencyWeight_Monotonic(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	older := RecencyWeight(now.AddDate(0, 0, -20), now, 30)
	newer := RecencyWeight(now.AddDate(0, 0, -5), now, 30)
	assert.Greater(t, newer, older)
}

func TestRecencyWeight_BadHalfLifeFallsBack(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	observed := now.AddDate(0, 0, -30)
	assert.InDelta(t, math.Exp(-1), RecencyWeight(observed, now, 0), 1e-9)
}
