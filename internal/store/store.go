package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/consensus-cli/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrIllegalTransition is returned when a status change is not a legal
// state-machine move (including transitions out of a terminal state).
var ErrIllegalTransition = eris.New("store: illegal status transition")

// RecordStats summarizes recently compiled final records.
type RecordStats struct {
	Total        int `json:"total"`
	NeedsReview  int `json:"needs_review"`
	MissingTotal int `json:"missing_total"` // sum of could_not_find entries
}

// Store is the persistence contract for jobs, the claim ledger, and final
// records. Claims are append-only: no method mutates or removes one.
type Store interface {
	// Job groups
	CreateGroup(ctx context.Context, origin string) (*model.JobGroup, error)
	// GetGroup returns the group with its derived rollup status and items.
	GetGroup(ctx context.Context, id string) (*model.JobGroup, []model.JobItem, error)

	// Job items
	CreateItem(ctx context.Context, item model.JobItem) (*model.JobItem, error)
	GetItem(ctx context.Context, id string) (*model.JobItem, error)
	// FindItemBySnapshot returns the most recent item for an (entity,
	// snapshot hash) pair, or nil when none exists.
	FindItemBySnapshot(ctx context.Context, entityID, snapshotHash string) (*model.JobItem, error)
	// FindItemByDedupKey returns the item created for a bulk dedup key,
	// or nil when none exists.
	FindItemByDedupKey(ctx context.Context, dedupKey string) (*model.JobItem, error)
	// TransitionItem moves an item to the given status, guarded by the
	// legal source states so concurrent cancellation cannot clobber a
	// terminal state.
	TransitionItem(ctx context.Context, id string, to model.ItemStatus, budget model.Budget, errMsg string) error

	// Claim ledger
	InsertClaim(ctx context.Context, claim model.Claim) (bool, error)
	InsertClaims(ctx context.Context, claims []model.Claim) (int, error)
	// ListClaims returns all claims for an entity; fieldPath narrows to
	// one path when non-empty. Callers re-sort as their algorithm needs.
	ListClaims(ctx context.Context, entityID, fieldPath string) ([]model.Claim, error)

	// Final records (versioned; old versions retained for audit)
	SaveFinalRecord(ctx context.Context, rec *model.FinalRecord) error
	GetCurrentRecord(ctx context.Context, entityID string) (*model.FinalRecord, error)

	// Metrics
	ItemStatusCounts(ctx context.Context, since time.Time) (map[model.ItemStatus]int, error)
	CountClaims(ctx context.Context, since time.Time) (int, error)
	GetRecordStats(ctx context.Context, since time.Time) (*RecordStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// legalFrom returns the states an item may be in for a transition to the
// given status, mirroring model.ItemStatus.CanTransition.
func legalFrom(to model.ItemStatus) []model.ItemStatus {
	switch to {
	case model.ItemRunning:
		return []model.ItemStatus{model.ItemQueued}
	case model.ItemCancelled:
		return []model.ItemStatus{model.ItemQueued, model.ItemRunning}
	default:
		return []model.ItemStatus{model.ItemRunning}
	}
}
