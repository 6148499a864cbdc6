package job

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/consensus-cli/internal/consensus"
	"github.com/sells-group/consensus-cli/internal/fieldpath"
	"github.com/sells-group/consensus-cli/internal/ledger"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/store"
)

func newTestManager(t *testing.T, collectors []Collector, opts Options) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "job.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	registry := fieldpath.NewVenueRegistry()
	led := ledger.New(st, registry)
	eng := consensus.New(consensus.DefaultConfig(), registry)
	return NewManager(st, led, eng, collectors, opts), st
}

func snapshotFixture(entityID string) model.EntitySnapshot {
	return model.EntitySnapshot{
		EntityID: entityID,
		Name:     "The Thirsty Scholar",
		Category: "sports_bar",
	}
}

func TestSubmitIdempotentBySnapshot(t *testing.T) {
	m, _ := newTestManager(t, NewStubCollectors(), Options{})
	ctx := context.Background()

	_, first, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// identical snapshot while the first item is still queued
	_, second, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)

	// a changed snapshot is new work
	changed := snapshotFixture("venue-1")
	changed.Address = "99 New Rd"
	_, third, err := m.Submit(ctx, "api", []model.EntitySnapshot{changed}, false)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, third[0].ID)
}

func TestSubmitBulkDedup(t *testing.T) {
	m, _ := newTestManager(t, NewStubCollectors(), Options{})
	ctx := context.Background()

	rows := []BulkRow{
		{DedupKey: "doc1:0", Snapshot: snapshotFixture("venue-1")},
		{DedupKey: "doc1:1", Snapshot: snapshotFixture("venue-2")},
	}
	_, first, err := m.SubmitBulk(ctx, "bulk", rows)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// re-uploading the same document creates nothing new
	_, second, err := m.SubmitBulk(ctx, "bulk", rows)
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[1].ID, second[1].ID)
}

func TestRunCompletesAndCompilesRecord(t *testing.T) {
	m, st := newTestManager(t, NewStubCollectors(), Options{})
	ctx := context.Background()

	group, items, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, items))

	got, _, err := st.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupSucceeded, got.Status)

	item, err := st.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemCompleted, item.Status)
	assert.Greater(t, item.Budget.CostCents, 0)

	rec, err := st.GetCurrentRecord(ctx, "venue-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, items[0].ID, rec.JobItemID)
	assert.Greater(t, rec.EvidenceCount, 0)

	// the friday window is agreed on by owner site and review scan
	field := rec.Field("schedule.weekly.fri[0]")
	require.NotNil(t, field)
	assert.NotEqual(t, model.FieldNotFound, field.Status)
}

func TestRunFailsOnInvalidSnapshot(t *testing.T) {
	m, st := newTestManager(t, NewStubCollectors(), Options{})
	ctx := context.Background()

	bad := model.EntitySnapshot{EntityID: "venue-1"} // no name
	_, items, err := m.Submit(ctx, "api", []model.EntitySnapshot{bad}, false)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, items))

	item, err := st.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemFailed, item.Status)
	assert.Contains(t, item.Error, "name is required")

	_, err = st.GetCurrentRecord(ctx, "venue-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCollectorErrorDegradesToPartial(t *testing.T) {
	dead := CollectorFunc{
		CollectorName: "owner_phone",
		Fn: func(ctx context.Context, item model.JobItem) (CollectResult, error) {
			return CollectResult{}, errors.New("line disconnected")
		},
	}
	collectors := append(NewStubCollectors(), dead)
	m, st := newTestManager(t, collectors, Options{})
	ctx := context.Background()

	group, items, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, items))

	item, err := st.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemPartial, item.Status)

	// evidence from healthy collectors still produced a record
	rec, err := st.GetCurrentRecord(ctx, "venue-1")
	require.NoError(t, err)
	assert.Greater(t, rec.EvidenceCount, 0)

	got, _, err := st.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupPartial, got.Status)
}

func TestBudgetExhaustionMarksPartialAndReview(t *testing.T) {
	m, st := newTestManager(t, NewStubCollectors(), Options{MaxCostCents: 1})
	ctx := context.Background()

	_, items, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, items))

	item, err := st.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemPartial, item.Status)

	rec, err := st.GetCurrentRecord(ctx, "venue-1")
	require.NoError(t, err)
	assert.True(t, rec.NeedsReview)
	assert.Contains(t, rec.QA.Reasons, "budget exhausted before all collectors ran")
}

func TestCollectorsFanOutConcurrently(t *testing.T) {
	siteIn := make(chan struct{})
	feedIn := make(chan struct{})
	barrier := func(name string, arrive, peer chan struct{}) Collector {
		return CollectorFunc{
			CollectorName: name,
			Fn: func(ctx context.Context, item model.JobItem) (CollectResult, error) {
				close(arrive)
				select {
				case <-peer:
					return CollectResult{}, nil
				case <-time.After(2 * time.Second):
					return CollectResult{}, errors.New(name + ": peer never arrived")
				}
			},
		}
	}
	m, st := newTestManager(t, []Collector{
		barrier("site", siteIn, feedIn),
		barrier("feed", feedIn, siteIn),
	}, Options{RatePerSecond: 1000})
	ctx := context.Background()

	_, items, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, items))

	// both collectors met at the barrier, so they must have been in
	// flight at the same time and neither degraded the item
	item, err := st.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemCompleted, item.Status)
}

func TestWeakRecordDoesNotBlockRerun(t *testing.T) {
	quiet := CollectorFunc{
		CollectorName: "owner_site",
		Fn: func(ctx context.Context, item model.JobItem) (CollectResult, error) {
			return CollectResult{}, nil
		},
	}
	m, st := newTestManager(t, []Collector{quiet}, Options{})
	ctx := context.Background()

	_, items, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, items))

	item, err := st.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.ItemCompleted, item.Status)

	rec, err := st.GetCurrentRecord(ctx, "venue-1")
	require.NoError(t, err)
	require.Less(t, rec.OverallConfidence, 0.65)

	// the run is recent but its record never reached provisional
	// confidence, so an identical resubmission creates new work
	_, again, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	assert.NotEqual(t, items[0].ID, again[0].ID)
	assert.Equal(t, model.ItemQueued, again[0].Status)
}

func TestDedupedGroupSettles(t *testing.T) {
	m, st := newTestManager(t, NewStubCollectors(), Options{})
	ctx := context.Background()

	_, items, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, items))

	// every row deduped onto the first run: the new group owns no items
	// and must not report as an in-flight batch
	group, reused, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.Equal(t, items[0].ID, reused[0].ID)

	got, members, err := st.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Equal(t, model.GroupSucceeded, got.Status)
}

func TestCancelBeforeRunSkipsItem(t *testing.T) {
	m, st := newTestManager(t, NewStubCollectors(), Options{})
	ctx := context.Background()

	group, items, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, items[0].ID))
	require.NoError(t, m.Run(ctx, items))

	item, err := st.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemCancelled, item.Status)

	got, _, err := st.GetGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GroupCancelled, got.Status)

	// cancelling a terminal item is rejected
	err = m.Cancel(ctx, items[0].ID)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestFreshnessShortCircuit(t *testing.T) {
	m, _ := newTestManager(t, NewStubCollectors(), Options{})
	ctx := context.Background()

	_, items, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx, items))

	// the completed run is fresh, so an identical resubmission reuses it
	_, again, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, false)
	require.NoError(t, err)
	assert.Equal(t, items[0].ID, again[0].ID)
	assert.Equal(t, model.ItemCompleted, again[0].Status)

	// force overrides the freshness window and creates new work
	_, forced, err := m.Submit(ctx, "api", []model.EntitySnapshot{snapshotFixture("venue-1")}, true)
	require.NoError(t, err)
	assert.NotEqual(t, items[0].ID, forced[0].ID)
	assert.Equal(t, model.ItemQueued, forced[0].Status)
}
