package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the configuration for the given run mode ("serve",
// "analyze", "batch"). It collects every problem instead of stopping at
// the first.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	if c.Jobs.MaxConcurrency < 1 || c.Jobs.MaxConcurrency > 50 {
		problems = append(problems, "jobs.max_concurrency must be between 1 and 50")
	}
	if c.Jobs.RatePerSecond <= 0 {
		problems = append(problems, "jobs.rate_per_second must be > 0")
	}
	if c.Jobs.MaxCostCents <= 0 {
		problems = append(problems, "jobs.max_cost_cents must be > 0")
	}
	if c.Monitoring.Enabled {
		if c.Monitoring.CheckIntervalSecs < 1 {
			problems = append(problems, "monitoring.check_interval_secs must be >= 1")
		}
		if c.Monitoring.LookbackWindowHours < 1 {
			problems = append(problems, "monitoring.lookback_window_hours must be >= 1")
		}
		if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
			problems = append(problems, "monitoring.failure_rate_threshold must be in [0,1]")
		}
		if c.Monitoring.ReviewRateThreshold < 0 || c.Monitoring.ReviewRateThreshold > 1 {
			problems = append(problems, "monitoring.review_rate_threshold must be in [0,1]")
		}
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "analyze", "batch":
		// No extra requirements beyond the store and jobs checks.
	default:
		problems = append(problems, "unknown mode "+mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}
