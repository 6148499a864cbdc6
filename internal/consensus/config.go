package consensus

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/consensus-cli/internal/model"
)

// ReviewTriggers are the record-level conditions that force human review
// regardless of per-field scores.
type ReviewTriggers struct {
	MinSources      int     `yaml:"min_sources"`
	MinCompleteness float64 `yaml:"min_completeness"`
	MaxConflictRate float64 `yaml:"max_conflict_rate"`
}

// Config holds every tunable of the scoring function. It is passed into the
// engine explicitly per invocation so runs are reproducible; there is no
// process-wide singleton.
type Config struct {
	SourceWeights          map[model.SourceTier]float64  `yaml:"source_weights"`
	SpecificityMultipliers map[model.Specificity]float64 `yaml:"specificity_multipliers"`
	ModalityMultipliers    map[model.Modality]float64    `yaml:"modality_multipliers"`

	// HalfLifeDays maps entity category to recency half-life. The "default"
	// key is used for unknown categories.
	HalfLifeDays map[string]float64 `yaml:"half_life_days"`

	// PenaltyCoefficient scales the pairwise contradiction penalty.
	PenaltyCoefficient float64 `yaml:"penalty_coefficient"`

	// SigmoidSteepness scales support before the sigmoid squash.
	SigmoidSteepness float64 `yaml:"sigmoid_steepness"`

	// AmbiguityMargin is the minimum score gap between the top two
	// candidates required to avoid a mandatory review flag.
	AmbiguityMargin float64 `yaml:"ambiguity_margin"`

	ConfirmThreshold     float64 `yaml:"confirm_threshold"`
	ProvisionalThreshold float64 `yaml:"provisional_threshold"`

	// AuthorityWindowDays bounds the recency+authority override: a
	// higher-trust claim observed within this window halves its
	// candidate's penalty when scores are within the ambiguity margin.
	AuthorityWindowDays int `yaml:"authority_window_days"`

	// FreshnessDays is how long a confirmed record short-circuits re-runs.
	FreshnessDays int `yaml:"freshness_days"`

	Review ReviewTriggers `yaml:"review"`

	// FieldImportance weights field prefixes in the overall confidence.
	FieldImportance map[string]float64 `yaml:"field_importance"`

	// ExpectedFields are the prefixes a complete record covers; prefixes
	// with zero claims are reported as could_not_find.
	ExpectedFields []string `yaml:"expected_fields"`
}

// DefaultConfig returns the shipped scoring configuration.
func DefaultConfig() Config {
	return Config{
		SourceWeights: map[model.SourceTier]float64{
			model.TierOwner:          1.0,
			model.TierOwnerPost:      0.85,
			model.TierBooking:        0.75,
			model.TierMenuFeed:       0.7,
			model.TierDetailedReview: 0.6,
			model.TierReview:         0.5,
			model.TierEditorial:      0.3,
		},
		SpecificityMultipliers: map[model.Specificity]float64{
			model.SpecificityExact:       1.2,
			model.SpecificityApproximate: 1.0,
			model.SpecificityVague:       0.8,
			model.SpecificityImplied:     0.6,
		},
		ModalityMultipliers: map[model.Modality]float64{
			model.ModalityFeed:  1.15,
			model.ModalityVoice: 1.1,
			model.ModalityText:  1.0,
			model.ModalityImage: 0.9,
		},
		HalfLifeDays: map[string]float64{
			"default":    30,
			"sports_bar": 7,
			"tourist":    3,
			"seasonal":   14,
			"chain":      60,
		},
		PenaltyCoefficient:   0.15,
		SigmoidSteepness:     2.0,
		AmbiguityMargin:      0.05,
		ConfirmThreshold:     0.85,
		ProvisionalThreshold: 0.65,
		AuthorityWindowDays:  45,
		FreshnessDays:        14,
		Review: ReviewTriggers{
			MinSources:      2,
			MinCompleteness: 0.6,
			MaxConflictRate: 0.3,
		},
		FieldImportance: map[string]float64{
			"status":     3.0,
			"schedule":   2.5,
			"offers":     2.0,
			"areas":      1.5,
			"fine_print": 1.0,
		},
		ExpectedFields: []string{
			"status",
			"schedule.weekly",
			"offers.drinks",
			"offers.food",
			"areas",
			"dine_in_only",
		},
	}
}

// LoadConfig reads scoring configuration from a YAML file and merges it
// over the defaults, so a partial file only overrides what it names.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, eris.Wrapf(err, "consensus: read config %s", path)
	}

	var wrapper struct {
		Consensus Config `yaml:"consensus"`
	}
	wrapper.Consensus = cfg
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return cfg, eris.Wrap(err, "consensus: parse config")
	}
	return wrapper.Consensus, nil
}

// HalfLifeFor returns the half-life in days for an entity category.
func (c Config) HalfLifeFor(category string) float64 {
	if hl, ok := c.HalfLifeDays[category]; ok && hl > 0 {
		return hl
	}
	if hl, ok := c.HalfLifeDays["default"]; ok && hl > 0 {
		return hl
	}
	return 30
}

// SourceWeight returns the trust weight for a tier, falling back to the
// editorial floor for unknown tiers.
func (c Config) SourceWeight(tier model.SourceTier) float64 {
	if w, ok := c.SourceWeights[tier]; ok {
		return w
	}
	return 0.3
}

func (c Config) specificityMul(s model.Specificity) float64 {
	if m, ok := c.SpecificityMultipliers[s]; ok {
		return m
	}
	return 1.0
}

func (c Config) modalityMul(m model.Modality) float64 {
	if mul, ok := c.ModalityMultipliers[m]; ok {
		return mul
	}
	return 1.0
}
