package consensus

import (
	"time"

	"github.com/sells-group/consensus-cli/internal/fieldpath"
	"github.com/sells-group/consensus-cli/internal/model"
)

// candidate is one value bucket for a field path: every claim whose value
// is equivalent under the field's equivalence rule. Candidates live in a
// flat arena indexed by position; conflict relationships are computed
// pairwise over the arena, not as a live object graph.
type candidate struct {
	value  any
	key    string // canonical form used for bucketing
	claims []model.Claim

	support float64
	terms   model.ScoreTerms
	penalty float64
	score   float64

	// bestTierRank and bestTierObserved track the most authoritative claim
	// in the bucket, for the recency+authority override.
	bestTierRank     int
	bestTierObserved time.Time
}

func (c *candidate) claimIDs() []string {
	ids := make([]string, 0, len(c.claims))
	for _, cl := range c.claims {
		if cl.ID != "" {
			ids = append(ids, cl.ID)
		} else {
			ids = append(ids, cl.Key())
		}
	}
	return ids
}

// bucketClaims partitions claims into candidates. Values are equivalent
// only when their canonical forms are byte-identical; time windows that
// merely overlap stay distinct candidates.
func bucketClaims(claims []model.Claim) []*candidate {
	var arena []*candidate
	index := make(map[string]*candidate)

	for _, cl := range claims {
		key := fieldpath.Canonical(cl.Value)
		cand, ok := index[key]
		if !ok {
			cand = &candidate{value: cl.Value, key: key, bestTierRank: -1}
			index[key] = cand
			arena = append(arena, cand)
		}
		cand.claims = append(cand.claims, cl)

		rank := cl.SourceTier.Rank()
		if rank > cand.bestTierRank ||
			(rank == cand.bestTierRank && cl.ObservedAt.After(cand.bestTierObserved)) {
			cand.bestTierRank = rank
			cand.bestTierObserved = cl.ObservedAt
		}
	}
	return arena
}
