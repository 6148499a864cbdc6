// Package monitoring gathers health metrics over recent jobs and records
// and raises webhook alerts when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
	"github.com/sells-group/consensus-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job metrics within the lookback window.
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsPartial   int     `json:"jobs_partial"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsCancelled int     `json:"jobs_cancelled"`
	JobsQueued    int     `json:"jobs_queued"`
	JobsRunning   int     `json:"jobs_running"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// Ledger metrics within the lookback window.
	ClaimsAppended int `json:"claims_appended"`

	// Record quality within the lookback window.
	RecordsCompiled   int     `json:"records_compiled"`
	RecordsNeedReview int     `json:"records_need_review"`
	ReviewRate        float64 `json:"review_rate"`
	MissingFields     int     `json:"missing_fields"`

	// Collector circuit state.
	BreakersOpen []string `json:"breakers_open,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BreakerSource exposes circuit state per collector. The job manager
// satisfies this.
type BreakerSource interface {
	BreakerStates() map[string]resilience.CircuitState
}

// Collector gathers metrics from the store and the job manager's breakers.
type Collector struct {
	store    store.Store
	breakers BreakerSource
}

func NewCollector(st store.Store, breakers BreakerSource) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	counts, err := c.store.ItemStatusCounts(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: item status counts")
	}
	snap.JobsCompleted = counts[model.ItemCompleted]
	snap.JobsPartial = counts[model.ItemPartial]
	snap.JobsFailed = counts[model.ItemFailed]
	snap.JobsCancelled = counts[model.ItemCancelled]
	snap.JobsQueued = counts[model.ItemQueued]
	snap.JobsRunning = counts[model.ItemRunning]
	for _, n := range counts {
		snap.JobsTotal += n
	}
	finished := snap.JobsCompleted + snap.JobsPartial + snap.JobsFailed
	if finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	snap.ClaimsAppended, err = c.store.CountClaims(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count claims")
	}

	recStats, err := c.store.GetRecordStats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: record stats")
	}
	snap.RecordsCompiled = recStats.Total
	snap.RecordsNeedReview = recStats.NeedsReview
	snap.MissingFields = recStats.MissingTotal
	if recStats.Total > 0 {
		snap.ReviewRate = float64(recStats.NeedsReview) / float64(recStats.Total)
	}

	if c.breakers != nil {
		for name, state := range c.breakers.BreakerStates() {
			if state == resilience.CircuitOpen {
				snap.BreakersOpen = append(snap.BreakersOpen, name)
			}
		}
	}

	return snap, nil
}
