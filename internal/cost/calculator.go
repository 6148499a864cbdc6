// Package cost prices collector runs so the job manager can enforce
// per-entity budgets.
package cost

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// CollectorRate prices one collector in cents.
type CollectorRate struct {
	// PerCallCents is charged once per collector invocation.
	PerCallCents int `yaml:"per_call_cents"`
	// PerClaimCents is charged for each claim the collector produced.
	PerClaimCents int `yaml:"per_claim_cents"`
}

// Rates holds per-collector pricing.
type Rates struct {
	Collectors map[string]CollectorRate `yaml:"collectors"`
}

// Calculator computes collector run costs.
type Calculator struct {
	rates Rates
}

func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// CollectCents returns the cost of one collector run that produced the
// given number of claims. Unknown collectors are free.
func (c *Calculator) CollectCents(collector string, claims int) int {
	rate, ok := c.rates.Collectors[collector]
	if !ok {
		return 0
	}
	return rate.PerCallCents + rate.PerClaimCents*claims
}

// DefaultRates returns the built-in pricing table for the default
// collector set.
func DefaultRates() Rates {
	return Rates{
		Collectors: map[string]CollectorRate{
			// Fetching the venue's own site is one cheap page load.
			"owner_site": {PerCallCents: 2},
			// Review scans pay per query plus per extracted mention.
			"review_scan": {PerCallCents: 2, PerClaimCents: 1},
			// Feed reads are metered upstream at a flat rate.
			"menu_feed": {PerCallCents: 1},
		},
	}
}

// LoadRates reads a pricing table from a YAML file.
func LoadRates(path string) (Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rates{}, eris.Wrap(err, "cost: read rates file")
	}
	var rates Rates
	if err := yaml.Unmarshal(data, &rates); err != nil {
		return Rates{}, eris.Wrap(err, "cost: parse rates file")
	}
	return rates, nil
}
