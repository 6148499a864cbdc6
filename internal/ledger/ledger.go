// Package ledger is the append-only claim ledger. Every sourced assertion
// about an entity field lands here exactly once; nothing is ever updated
// or deleted, so the evidence behind any final record can be replayed.
package ledger

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/fieldpath"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/store"
)

// Ledger validates and appends claims.
type Ledger struct {
	store    store.Store
	registry *fieldpath.Registry
	validate *validator.Validate
	log      *zap.Logger
}

func New(st store.Store, registry *fieldpath.Registry) *Ledger {
	return &Ledger{
		store:    st,
		registry: registry,
		validate: validator.New(),
		log:      zap.L().Named("ledger"),
	}
}

// Rejection describes one claim a batch append refused.
type Rejection struct {
	Index     int    `json:"index"`
	FieldPath string `json:"field_path"`
	Reason    string `json:"reason"`
}

// Append validates a claim and appends it. A claim whose uniqueness key
// already exists is reported as a duplicate, not an error.
func (l *Ledger) Append(ctx context.Context, claim model.Claim) (model.AppendResult, error) {
	if err := l.check(claim); err != nil {
		l.log.Warn("rejected malformed claim",
			zap.String("entity_id", claim.EntityID),
			zap.String("field_path", claim.FieldPath),
			zap.String("reason", err.Error()))
		return "", err
	}
	accepted, err := l.store.InsertClaim(ctx, claim)
	if err != nil {
		return "", eris.Wrap(err, "ledger: append")
	}
	if !accepted {
		return model.AppendDuplicateIgnore, nil
	}
	return model.AppendAccepted, nil
}

// AppendBatch validates and appends many claims. Malformed claims are
// skipped and reported per-index; the rest are inserted in one batch.
// The returned count is claims actually new to the ledger.
func (l *Ledger) AppendBatch(ctx context.Context, claims []model.Claim) (int, []Rejection, error) {
	valid := make([]model.Claim, 0, len(claims))
	var rejected []Rejection
	for i, cl := range claims {
		if err := l.check(cl); err != nil {
			rejected = append(rejected, Rejection{Index: i, FieldPath: cl.FieldPath, Reason: err.Error()})
			continue
		}
		valid = append(valid, cl)
	}
	if len(rejected) > 0 {
		l.log.Warn("rejected malformed claims in batch",
			zap.Int("rejected", len(rejected)), zap.Int("total", len(claims)))
	}
	if len(valid) == 0 {
		return 0, rejected, nil
	}
	n, err := l.store.InsertClaims(ctx, valid)
	if err != nil {
		return n, rejected, eris.Wrap(err, "ledger: append batch")
	}
	return n, rejected, nil
}

// Query returns an entity's claims, optionally narrowed to one field path.
func (l *Ledger) Query(ctx context.Context, entityID, path string) ([]model.Claim, error) {
	claims, err := l.store.ListClaims(ctx, entityID, path)
	return claims, eris.Wrap(err, "ledger: query")
}

func (l *Ledger) check(claim model.Claim) error {
	if err := l.validate.Struct(claim); err != nil {
		return &model.MalformedClaimError{FieldPath: claim.FieldPath, Reason: err.Error()}
	}
	if claim.SourceTier.Rank() == 0 && claim.SourceTier != model.TierEditorial {
		return &model.MalformedClaimError{
			FieldPath: claim.FieldPath,
			Reason:    fmt.Sprintf("unknown source tier %q", claim.SourceTier),
		}
	}
	switch claim.Specificity {
	case model.SpecificityExact, model.SpecificityApproximate, model.SpecificityVague, model.SpecificityImplied:
	default:
		return &model.MalformedClaimError{
			FieldPath: claim.FieldPath,
			Reason:    fmt.Sprintf("unknown specificity %q", claim.Specificity),
		}
	}
	switch claim.Modality {
	case model.ModalityText, model.ModalityImage, model.ModalityVoice, model.ModalityFeed:
	default:
		return &model.MalformedClaimError{
			FieldPath: claim.FieldPath,
			Reason:    fmt.Sprintf("unknown modality %q", claim.Modality),
		}
	}
	return l.registry.Validate(claim.FieldPath, claim.Value)
}
