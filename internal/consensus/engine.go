package consensus

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/consensus-cli/internal/fieldpath"
	"github.com/sells-group/consensus-cli/internal/model"
)

// Engine turns the claims for one entity into a scored final record. All
// computation is a pure read-then-compute over the claims it is handed;
// the engine holds no mutable state beyond its configuration.
type Engine struct {
	cfg   Config
	paths *fieldpath.Registry
}

// New creates an engine with an explicit configuration.
func New(cfg Config, paths *fieldpath.Registry) *Engine {
	return &Engine{cfg: cfg, paths: paths}
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// claimWeight is one claim's contribution to its candidate's support:
// source_weight × recency × specificity × modality × collector confidence.
func (e *Engine) claimWeight(cl model.Claim, halfLife float64, now time.Time) (float64, float64, float64, float64) {
	src := e.cfg.SourceWeight(cl.SourceTier)
	rec := RecencyWeight(cl.ObservedAt, now, halfLife)
	spec := e.cfg.specificityMul(cl.Specificity)
	mod := e.cfg.modalityMul(cl.Modality)
	return src * rec * spec * mod * cl.Confidence, src, rec, spec
}

// ResolveField scores every candidate for one field path and returns the
// winner with its full evidence breakdown. Returns a could_not_find entry
// when no claims exist; a field is never defaulted to a value.
func (e *Engine) ResolveField(path string, claims []model.Claim, category string, now time.Time) model.FieldConfidence {
	if len(claims) == 0 {
		return model.FieldConfidence{FieldPath: path, Status: model.FieldNotFound}
	}

	kind, ok := e.paths.KindOf(path)
	if !ok {
		kind = fieldpath.KindText
	}
	halfLife := e.cfg.HalfLifeFor(category)

	arena := bucketClaims(claims)
	for _, cand := range arena {
		for _, cl := range cand.claims {
			w, src, rec, spec := e.claimWeight(cl, halfLife, now)
			cand.support += w
			cand.terms.SourceWeightSum += src
			cand.terms.RecencyWeightSum += rec
			cand.terms.SpecificityBonus += spec
		}
		cand.terms.Support = cand.support
	}

	e.applyPenalties(arena, kind, now)

	sort.SliceStable(arena, func(i, j int) bool {
		return arena[i].score > arena[j].score
	})

	winner := arena[0]
	ambiguous := len(arena) > 1 && winner.score-arena[1].score < e.cfg.AmbiguityMargin

	fc := model.FieldConfidence{
		FieldPath:        path,
		Value:            winner.value,
		Confidence:       winner.score,
		SupportingClaims: winner.claimIDs(),
		Ambiguous:        ambiguous,
		Terms:            winner.terms,
	}
	fc.Status = statusFor(winner.score, e.cfg)

	for _, cand := range arena[1:] {
		fc.ConflictingClaims = append(fc.ConflictingClaims, cand.claimIDs()...)
		fc.Conflicts = append(fc.Conflicts, model.CandidateRef{
			Value:    cand.value,
			Score:    cand.score,
			ClaimIDs: cand.claimIDs(),
		})
	}
	return fc
}

// applyPenalties computes pairwise contradiction penalties over the arena
// and final scores. A candidate's penalty is the penalty coefficient times
// the sum of closeness × opposing support across all other candidates.
//
// When two candidates score within the ambiguity margin and one carries a
// higher-trust claim observed inside the authority window, that candidate's
// penalty is halved and scores recomputed: an owner correction beats stale
// crowd reports, but an old official claim cannot veto a fresh verified one.
func (e *Engine) applyPenalties(arena []*candidate, kind fieldpath.Kind, now time.Time) {
	score := func(c *candidate) float64 {
		return sigmoid(e.cfg.SigmoidSteepness * (c.support - c.penalty))
	}

	for i, a := range arena {
		for j, b := range arena {
			if i == j {
				continue
			}
			a.penalty += e.cfg.PenaltyCoefficient * fieldpath.Closeness(kind, a.value, b.value) * b.support
		}
	}
	for _, c := range arena {
		c.terms.ContradictionPenalty = c.penalty
		c.score = score(c)
	}

	// The halving applies once per candidate, no matter how many near-tied
	// rivals it faces.
	cutoff := now.AddDate(0, 0, -e.cfg.AuthorityWindowDays)
	halved := make(map[*candidate]bool)
	for i, a := range arena {
		for _, b := range arena[i+1:] {
			if math.Abs(a.score-b.score) >= e.cfg.AmbiguityMargin {
				continue
			}
			switch {
			case a.bestTierRank > b.bestTierRank && a.bestTierObserved.After(cutoff):
				if !halved[a] {
					halved[a] = true
					a.penalty /= 2
				}
			case b.bestTierRank > a.bestTierRank && b.bestTierObserved.After(cutoff):
				if !halved[b] {
					halved[b] = true
					b.penalty /= 2
				}
			}
		}
	}
	for _, c := range arena {
		c.terms.ContradictionPenalty = c.penalty
		c.score = score(c)
	}
}

// Compile resolves every field path present in the claims, fills in
// could_not_find entries for expected fields with zero evidence, and
// assembles the versionable final record body.
func (e *Engine) Compile(item model.JobItem, claims []model.Claim, now time.Time) (*model.FinalRecord, error) {
	if err := item.Snapshot.Validate(); err != nil {
		return nil, err
	}

	byPath := make(map[string][]model.Claim)
	var order []string
	for _, cl := range claims {
		if _, ok := byPath[cl.FieldPath]; !ok {
			order = append(order, cl.FieldPath)
		}
		byPath[cl.FieldPath] = append(byPath[cl.FieldPath], cl)
	}
	sort.Strings(order)

	rec := &model.FinalRecord{
		EntityID:   item.EntityID,
		JobItemID:  item.ID,
		CompiledAt: now,
	}

	category := item.Snapshot.Category
	for _, path := range order {
		rec.Fields = append(rec.Fields, e.ResolveField(path, byPath[path], category, now))
	}

	e.summarize(rec, claims)
	return rec, nil
}

// summarize fills the QA block and record-level quality metrics.
func (e *Engine) summarize(rec *model.FinalRecord, claims []model.Claim) {
	sources := make(map[string]struct{})
	for _, cl := range claims {
		sources[cl.Source] = struct{}{}
	}
	rec.EvidenceCount = len(claims)
	rec.SourceDiversity = len(sources)

	conflicted := 0
	var weighted, weightSum float64
	for _, f := range rec.Fields {
		if len(f.Conflicts) > 0 {
			conflicted++
		}
		w := e.importanceOf(f.FieldPath)
		weighted += f.Confidence * w
		weightSum += w

		if f.Status == model.FieldHeld || f.Ambiguous {
			rec.QA.NeedsReview = append(rec.QA.NeedsReview, f.FieldPath)
		}
	}
	if weightSum > 0 {
		rec.OverallConfidence = weighted / weightSum
	}

	// Expected prefixes with zero evidence are reported, never defaulted.
	covered := make(map[string]bool)
	for _, f := range rec.Fields {
		if f.Status == model.FieldNotFound {
			continue
		}
		for _, exp := range e.cfg.ExpectedFields {
			if f.FieldPath == exp || strings.HasPrefix(f.FieldPath, exp+".") || strings.HasPrefix(f.FieldPath, exp+"[") {
				covered[exp] = true
			}
		}
	}
	for _, exp := range e.cfg.ExpectedFields {
		if !covered[exp] {
			rec.QA.CouldNotFind = append(rec.QA.CouldNotFind, exp)
		}
	}
	if len(e.cfg.ExpectedFields) > 0 {
		rec.Completeness = float64(len(covered)) / float64(len(e.cfg.ExpectedFields))
	}

	rec.NeedsReview, rec.QA.Reasons = reviewReasons(rec, conflicted, e.cfg)
}

func (e *Engine) importanceOf(path string) float64 {
	for prefix, w := range e.cfg.FieldImportance {
		if path == prefix || strings.HasPrefix(path, prefix+".") || strings.HasPrefix(path, prefix+"[") {
			return w
		}
	}
	return 1.0
}
