// Package job owns the job lifecycle: idempotent creation, the collector
// fan-out, budget enforcement, and handing evidence to the consensus engine.
package job

import (
	"context"

	"github.com/sells-group/consensus-cli/internal/model"
)

// CollectResult is what one collector pass over one entity produced.
type CollectResult struct {
	Claims    []model.Claim
	CostCents int
}

// Collector gathers evidence about an entity from one source surface.
// Implementations must honor ctx; the manager enforces a per-call deadline.
type Collector interface {
	Name() string
	Collect(ctx context.Context, item model.JobItem) (CollectResult, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc struct {
	CollectorName string
	Fn            func(ctx context.Context, item model.JobItem) (CollectResult, error)
}

func (c CollectorFunc) Name() string {
	return c.CollectorName
}

func (c CollectorFunc) Collect(ctx context.Context, item model.JobItem) (CollectResult, error) {
	return c.Fn(ctx, item)
}
