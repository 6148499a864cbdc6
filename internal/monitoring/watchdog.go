package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/config"
)

// Watchdog drives the alert loop: it samples pipeline health on a fixed
// interval and pushes anything over threshold to the webhook.
type Watchdog struct {
	metrics  *Collector
	alerter  *Alerter
	interval time.Duration
	lookback int
	log      *zap.Logger
}

// NewWatchdog builds the loop from validated monitoring config.
func NewWatchdog(metrics *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Watchdog {
	return &Watchdog{
		metrics:  metrics,
		alerter:  alerter,
		interval: time.Duration(cfg.CheckIntervalSecs) * time.Second,
		lookback: cfg.LookbackWindowHours,
		log:      zap.L().Named("monitoring"),
	}
}

// Run blocks until ctx is cancelled. The first sweep happens immediately
// so a freshly started server reports existing problems without waiting a
// full period.
func (w *Watchdog) Run(ctx context.Context) {
	if w.interval <= 0 {
		w.log.Error("watchdog disabled: non-positive check interval")
		return
	}
	w.log.Info("watchdog started",
		zap.Duration("interval", w.interval),
		zap.Int("lookback_hours", w.lookback))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			w.log.Info("watchdog stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	snap, err := w.metrics.Collect(ctx, w.lookback)
	if err != nil {
		w.log.Error("health sample failed", zap.Error(err))
		return
	}
	alerts := w.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return
	}
	sent := w.alerter.SendAlerts(ctx, alerts)
	w.log.Warn("thresholds breached",
		zap.Int("alerts", len(alerts)),
		zap.Int("delivered", sent))
}
