package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/consensus-cli/internal/consensus"
	"github.com/sells-group/consensus-cli/internal/ledger"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
	"github.com/sells-group/consensus-cli/internal/store"
)

// Options tune the manager's fan-out and budget enforcement.
type Options struct {
	// MaxConcurrency caps items processed in parallel. Default: 4.
	MaxConcurrency int

	// CollectorTimeout bounds a single collector call. Default: 30s.
	CollectorTimeout time.Duration

	// RatePerSecond throttles collector calls across all items. Default: 5.
	RatePerSecond float64

	// MaxCostCents stops dispatching collectors for an item once its spend
	// reaches this. Default: 500.
	MaxCostCents int

	// MaxDuration stops dispatching collectors for an item after this much
	// wall time. Default: 2m.
	MaxDuration time.Duration

	// FreshnessDays short-circuits resubmission of an identical snapshot
	// whose run finished within this window. Default: 14.
	FreshnessDays int

	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
	if o.CollectorTimeout <= 0 {
		o.CollectorTimeout = 30 * time.Second
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 5
	}
	if o.MaxCostCents <= 0 {
		o.MaxCostCents = 500
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 2 * time.Minute
	}
	if o.FreshnessDays <= 0 {
		o.FreshnessDays = 14
	}
	return o
}

// Manager drives job items from queued to a terminal state.
type Manager struct {
	store      store.Store
	ledger     *ledger.Ledger
	engine     *consensus.Engine
	collectors []Collector
	opts       Options

	limiter  *rate.Limiter
	breakers *resilience.CollectorBreakers
	log      *zap.Logger

	mu          sync.Mutex
	entityLocks map[string]*sync.Mutex
	cancels     map[string]context.CancelFunc
}

func NewManager(st store.Store, led *ledger.Ledger, eng *consensus.Engine, collectors []Collector, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		store:       st,
		ledger:      led,
		engine:      eng,
		collectors:  collectors,
		opts:        opts,
		limiter:     rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		breakers:    resilience.NewCollectorBreakers(opts.Breaker),
		log:         zap.L().Named("job"),
		entityLocks: make(map[string]*sync.Mutex),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Submit creates a group with one item per snapshot. Submitting an entity
// whose identical snapshot already has an in-flight item, or a run that
// finished within the freshness window, returns that existing item instead
// of a new one. force bypasses the reuse check and always creates new work.
func (m *Manager) Submit(ctx context.Context, origin string, snapshots []model.EntitySnapshot, force bool) (*model.JobGroup, []model.JobItem, error) {
	group, err := m.store.CreateGroup(ctx, origin)
	if err != nil {
		return nil, nil, err
	}
	items := make([]model.JobItem, 0, len(snapshots))
	for _, snap := range snapshots {
		item, err := m.ensureItem(ctx, group.ID, snap, "", force)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, *item)
	}
	return group, items, nil
}

// BulkRow is one row of a bulk submission, keyed by document hash and row
// index so re-uploading the same file never creates duplicate jobs.
type BulkRow struct {
	DedupKey string
	Snapshot model.EntitySnapshot
}

// SubmitBulk creates a group from a parsed bulk document.
func (m *Manager) SubmitBulk(ctx context.Context, origin string, rows []BulkRow) (*model.JobGroup, []model.JobItem, error) {
	group, err := m.store.CreateGroup(ctx, origin)
	if err != nil {
		return nil, nil, err
	}
	items := make([]model.JobItem, 0, len(rows))
	for _, row := range rows {
		item, err := m.ensureItem(ctx, group.ID, row.Snapshot, row.DedupKey, false)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, *item)
	}
	return group, items, nil
}

func (m *Manager) ensureItem(ctx context.Context, groupID string, snap model.EntitySnapshot, dedupKey string, force bool) (*model.JobItem, error) {
	if dedupKey != "" && !force {
		existing, err := m.store.FindItemByDedupKey(ctx, dedupKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			m.log.Debug("reusing item for bulk dedup key",
				zap.String("item_id", existing.ID), zap.String("dedup_key", dedupKey))
			return existing, nil
		}
	}

	existing, err := m.store.FindItemBySnapshot(ctx, snap.EntityID, snap.Hash())
	if err != nil {
		return nil, err
	}
	if existing != nil && !force {
		reuse, err := m.fresh(ctx, existing)
		if err != nil {
			return nil, err
		}
		if reuse {
			m.log.Debug("reusing item for identical snapshot",
				zap.String("item_id", existing.ID), zap.String("entity_id", snap.EntityID))
			return existing, nil
		}
	}

	return m.store.CreateItem(ctx, model.JobItem{
		GroupID:  groupID,
		EntityID: snap.EntityID,
		Snapshot: snap,
		DedupKey: dedupKey,
	})
}

// fresh reports whether an existing item still satisfies a resubmission:
// either it has not finished yet, or it succeeded recently enough AND its
// record holds at least provisional confidence. Failed, cancelled, and
// low-confidence runs never block a re-run.
func (m *Manager) fresh(ctx context.Context, item *model.JobItem) (bool, error) {
	if !item.Status.Terminal() {
		return true, nil
	}
	if item.Status != model.ItemCompleted && item.Status != model.ItemPartial {
		return false, nil
	}
	if item.EndedAt == nil {
		return false, nil
	}
	if time.Since(*item.EndedAt) >= time.Duration(m.opts.FreshnessDays)*24*time.Hour {
		return false, nil
	}

	rec, err := m.store.GetCurrentRecord(ctx, item.EntityID)
	if eris.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.OverallConfidence >= m.engine.Config().ProvisionalThreshold, nil
}

// Run processes items concurrently up to MaxConcurrency. Items that are no
// longer queued (reused or already cancelled) are skipped.
func (m *Manager) Run(ctx context.Context, items []model.JobItem) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxConcurrency)
	for _, item := range items {
		g.Go(func() error {
			return m.runItem(gctx, item)
		})
	}
	return g.Wait()
}

// RunGroup loads a group's items and runs them.
func (m *Manager) RunGroup(ctx context.Context, groupID string) error {
	_, items, err := m.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	return m.Run(ctx, items)
}

// Cancel moves a queued or running item to cancelled and interrupts its
// collectors. Evidence already in the ledger stays; no record is compiled.
func (m *Manager) Cancel(ctx context.Context, itemID string) error {
	if err := m.store.TransitionItem(ctx, itemID, model.ItemCancelled, model.Budget{}, "cancelled"); err != nil {
		return err
	}
	m.mu.Lock()
	cancel := m.cancels[itemID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// BreakerStates exposes per-collector circuit state for monitoring.
func (m *Manager) BreakerStates() map[string]resilience.CircuitState {
	return m.breakers.States()
}

func (m *Manager) runItem(ctx context.Context, item model.JobItem) error {
	err := m.store.TransitionItem(ctx, item.ID, model.ItemRunning, model.Budget{}, "")
	if err != nil {
		// Already terminal (cancelled before start) or reused item.
		if eris.Is(err, store.ErrIllegalTransition) {
			return nil
		}
		return err
	}

	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancels[item.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, item.ID)
		m.mu.Unlock()
	}()

	start := time.Now()
	var budget model.Budget

	if err := item.Snapshot.Validate(); err != nil {
		budget.ElapsedMS = time.Since(start).Milliseconds()
		m.log.Warn("job failed on invalid snapshot",
			zap.String("item_id", item.ID), zap.Error(err))
		return m.store.TransitionItem(ctx, item.ID, model.ItemFailed, budget, err.Error())
	}

	// Fan-out: one task per collector, joined before compiling. The ledger
	// tolerates concurrent appends; only the budget counters need a lock.
	degraded := false
	budgetExhausted := false
	var fanMu sync.Mutex

	fanCtx, fanCancel := context.WithTimeout(itemCtx, m.opts.MaxDuration)
	defer fanCancel()

	g, gctx := errgroup.WithContext(fanCtx)
	for _, col := range m.collectors {
		g.Go(func() error {
			if err := m.limiter.Wait(gctx); err != nil {
				return nil
			}

			fanMu.Lock()
			over := budget.CostCents >= m.opts.MaxCostCents
			if over {
				budgetExhausted = true
				degraded = true
			}
			fanMu.Unlock()
			if over {
				m.log.Warn("budget exhausted before all collectors ran",
					zap.String("item_id", item.ID),
					zap.String("collector", col.Name()))
				return nil
			}

			res, err := m.collect(gctx, col, item)
			fanMu.Lock()
			budget.CostCents += res.CostCents
			fanMu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				// A dead collector degrades the item, it never fails it.
				fanMu.Lock()
				degraded = true
				fanMu.Unlock()
				m.log.Warn("collector produced no evidence",
					zap.String("item_id", item.ID),
					zap.String("collector", col.Name()),
					zap.Error(err))
				return nil
			}
			if len(res.Claims) == 0 {
				return nil
			}
			accepted, rejected, err := m.ledger.AppendBatch(gctx, res.Claims)
			if err != nil {
				return err
			}
			m.log.Debug("appended collector evidence",
				zap.String("item_id", item.ID),
				zap.String("collector", col.Name()),
				zap.Int("accepted", accepted),
				zap.Int("rejected", len(rejected)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if fanCtx.Err() == context.DeadlineExceeded && itemCtx.Err() == nil {
		budgetExhausted = true
		degraded = true
		m.log.Warn("time budget exhausted before all collectors finished",
			zap.String("item_id", item.ID),
			zap.Duration("elapsed", time.Since(start)))
	}

	budget.ElapsedMS = time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if itemCtx.Err() != nil {
		// Cancelled via Cancel(); the status is already set.
		return nil
	}

	claims, err := m.ledger.Query(ctx, item.EntityID, "")
	if err != nil {
		return err
	}

	rec, err := m.engine.Compile(item, claims, time.Now().UTC())
	if err != nil {
		var snapErr *model.EntitySnapshotError
		if errors.As(err, &snapErr) {
			return m.store.TransitionItem(ctx, item.ID, model.ItemFailed, budget, err.Error())
		}
		return err
	}
	rec.JobItemID = item.ID
	if budgetExhausted {
		rec.NeedsReview = true
		rec.QA.Reasons = append(rec.QA.Reasons, "budget exhausted before all collectors ran")
	}

	// Serialize per entity so concurrent compiles get distinct versions.
	lock := m.entityLock(item.EntityID)
	lock.Lock()
	err = m.store.SaveFinalRecord(ctx, rec)
	lock.Unlock()
	if err != nil {
		return err
	}

	status := model.ItemCompleted
	errMsg := ""
	if degraded {
		status = model.ItemPartial
		errMsg = "one or more collectors degraded"
	}
	if err := m.store.TransitionItem(ctx, item.ID, status, budget, errMsg); err != nil {
		// A cancel racing the finish line wins.
		if eris.Is(err, store.ErrIllegalTransition) {
			return nil
		}
		return err
	}
	m.log.Info("job item finished",
		zap.String("item_id", item.ID),
		zap.String("entity_id", item.EntityID),
		zap.String("status", string(status)),
		zap.Int("record_version", rec.Version),
		zap.Float64("overall_confidence", rec.OverallConfidence))
	return nil
}

// collect runs one collector behind its breaker with retry and a per-call
// deadline. Timeouts retry; on exhaustion the caller treats the collector
// as having found nothing.
func (m *Manager) collect(ctx context.Context, col Collector, item model.JobItem) (CollectResult, error) {
	cb := m.breakers.Get(col.Name())
	retryCfg := m.opts.Retry
	retryCfg.OnRetry = resilience.RetryLogger(col.Name(), "collect")
	retryCfg.ShouldRetry = func(err error) bool {
		var timeout *model.CollectorTimeoutError
		return resilience.IsTransient(err) || errors.As(err, &timeout)
	}

	return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (CollectResult, error) {
		return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (CollectResult, error) {
			callCtx, cancel := context.WithTimeout(ctx, m.opts.CollectorTimeout)
			defer cancel()
			res, err := col.Collect(callCtx, item)
			if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return res, &model.CollectorTimeoutError{Collector: col.Name()}
			}
			return res, err
		})
	})
}

func (m *Manager) entityLock(entityID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.entityLocks[entityID]
	if !ok {
		lock = &sync.Mutex{}
		m.entityLocks[entityID] = lock
	}
	return lock
}
