package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/consensus-cli/internal/consensus"
	"github.com/sells-group/consensus-cli/internal/fieldpath"
	"github.com/sells-group/consensus-cli/internal/job"
	"github.com/sells-group/consensus-cli/internal/ledger"
	"github.com/sells-group/consensus-cli/internal/monitoring"
	"github.com/sells-group/consensus-cli/internal/resilience"
	"github.com/sells-group/consensus-cli/internal/store"
)

// appEnv wires the store, ledger, engine, and manager for one command run.
type appEnv struct {
	Store    store.Store
	Registry *fieldpath.Registry
	Ledger   *ledger.Ledger
	Engine   *consensus.Engine
	Manager  *job.Manager
	Metrics  *monitoring.Collector
}

func (e *appEnv) Close() {
	_ = e.Store.Close()
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "consensus.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.ConnectPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv builds the full environment with the default collector set and
// runs migrations.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	params := consensus.DefaultConfig()
	if cfg.Consensus.ParamsFile != "" {
		params, err = consensus.LoadConfig(cfg.Consensus.ParamsFile)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	registry := fieldpath.NewVenueRegistry()
	led := ledger.New(st, registry)
	eng := consensus.New(params, registry)

	mgr := job.NewManager(st, led, eng, job.NewStubCollectors(), job.Options{
		MaxConcurrency:   cfg.Jobs.MaxConcurrency,
		CollectorTimeout: time.Duration(cfg.Jobs.CollectorTimeoutSecs) * time.Second,
		RatePerSecond:    cfg.Jobs.RatePerSecond,
		MaxCostCents:     cfg.Jobs.MaxCostCents,
		MaxDuration:      time.Duration(cfg.Jobs.MaxDurationSecs) * time.Second,
		FreshnessDays:    cfg.Jobs.FreshnessDays,
		Retry: resilience.FromRetryConfig(
			cfg.Jobs.RetryMaxAttempts,
			cfg.Jobs.RetryInitialBackoffMs,
			cfg.Jobs.RetryMaxBackoffMs,
			cfg.Jobs.RetryMultiplier,
			cfg.Jobs.RetryJitterFraction,
		),
		Breaker: resilience.FromCircuitConfig(
			cfg.Jobs.BreakerFailureThreshold,
			cfg.Jobs.BreakerResetTimeoutSecs,
		),
	})

	return &appEnv{
		Store:    st,
		Registry: registry,
		Ledger:   led,
		Engine:   eng,
		Manager:  mgr,
		Metrics:  monitoring.NewCollector(st, mgr),
	}, nil
}
