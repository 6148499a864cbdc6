package job

import (
	"context"
	"time"

	"github.com/sells-group/consensus-cli/internal/cost"
	"github.com/sells-group/consensus-cli/internal/model"
)

// Stub collectors for local runs and the CLI demo path. They synthesize
// plausible, deterministic evidence from the snapshot alone so the full
// pipeline can be exercised without network access.

// NewStubCollectors returns the default demo collector set priced with
// the built-in rate table.
func NewStubCollectors() []Collector {
	calc := cost.NewCalculator(cost.DefaultRates())
	return []Collector{
		stubOwnerSite(calc),
		stubReviewScan(calc),
		stubMenuFeed(calc),
	}
}

func stubOwnerSite(calc *cost.Calculator) Collector {
	return CollectorFunc{
		CollectorName: "owner_site",
		Fn: func(ctx context.Context, item model.JobItem) (CollectResult, error) {
			now := time.Now().UTC()
			observed := now.AddDate(0, 0, -3)
			base := model.Claim{
				JobItemID:   item.ID,
				EntityID:    item.EntityID,
				Source:      "https://" + item.EntityID + ".example/specials",
				SourceTier:  model.TierOwner,
				ObservedAt:  observed,
				Specificity: model.SpecificityExact,
				Modality:    model.ModalityText,
				Confidence:  0.9,
			}
			status := base
			status.FieldPath = "status"
			status.Value = "active"
			status.Snippet = "Happy hour is back, every weekday!"

			window := base
			window.FieldPath = "schedule.weekly.fri[0]"
			window.Value = map[string]any{"start": "16:00", "end": "19:00"}
			window.Snippet = "Fridays 4-7pm"

			claims := []model.Claim{status, window}
			return CollectResult{Claims: claims, CostCents: calc.CollectCents("owner_site", len(claims))}, nil
		},
	}
}

func stubReviewScan(calc *cost.Calculator) Collector {
	return CollectorFunc{
		CollectorName: "review_scan",
		Fn: func(ctx context.Context, item model.JobItem) (CollectResult, error) {
			now := time.Now().UTC()
			base := model.Claim{
				JobItemID:   item.ID,
				EntityID:    item.EntityID,
				Source:      "reviews.example/" + item.EntityID,
				SourceTier:  model.TierDetailedReview,
				ObservedAt:  now.AddDate(0, 0, -12),
				Specificity: model.SpecificityApproximate,
				Modality:    model.ModalityText,
				Confidence:  0.65,
			}
			window := base
			window.FieldPath = "schedule.weekly.fri[0]"
			window.Value = map[string]any{"start": "16:00", "end": "19:00"}
			window.Snippet = "went around 5 on a friday, well drinks were half off till 7"

			price := base
			price.FieldPath = "offers.drinks[0].price"
			price.Value = 5.0
			price.Snippet = "$5 well drinks"

			claims := []model.Claim{window, price}
			return CollectResult{Claims: claims, CostCents: calc.CollectCents("review_scan", len(claims))}, nil
		},
	}
}

func stubMenuFeed(calc *cost.Calculator) Collector {
	return CollectorFunc{
		CollectorName: "menu_feed",
		Fn: func(ctx context.Context, item model.JobItem) (CollectResult, error) {
			now := time.Now().UTC()
			base := model.Claim{
				JobItemID:   item.ID,
				EntityID:    item.EntityID,
				Source:      "feed.example/menus/" + item.EntityID,
				SourceTier:  model.TierMenuFeed,
				ObservedAt:  now.AddDate(0, 0, -1),
				Specificity: model.SpecificityExact,
				Modality:    model.ModalityFeed,
				Confidence:  0.8,
			}
			name := base
			name.FieldPath = "offers.drinks[0].name"
			name.Value = "well drinks"

			price := base
			price.FieldPath = "offers.drinks[0].price"
			price.Value = 5.0

			claims := []model.Claim{name, price}
			return CollectResult{Claims: claims, CostCents: calc.CollectCents("menu_feed", len(claims))}, nil
		},
	}
}
