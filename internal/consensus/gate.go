package consensus

import (
	"fmt"

	"github.com/sells-group/consensus-cli/internal/model"
)

// statusFor maps a field score to its publish decision.
func statusFor(score float64, cfg Config) model.FieldStatus {
	switch {
	case score >= cfg.ConfirmThreshold:
		return model.FieldConfirmed
	case score >= cfg.ProvisionalThreshold:
		return model.FieldProvisional
	default:
		return model.FieldHeld
	}
}

// reviewReasons evaluates the record-level review triggers: ambiguous or
// held fields, thin sourcing, low completeness, and a high share of
// conflicted fields all force human review, with the reasons spelled out.
func reviewReasons(rec *model.FinalRecord, conflictedFields int, cfg Config) (bool, []string) {
	var reasons []string

	if len(rec.QA.NeedsReview) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d field(s) held or ambiguous", len(rec.QA.NeedsReview)))
	}
	if rec.SourceDiversity < cfg.Review.MinSources {
		reasons = append(reasons, fmt.Sprintf("insufficient sources: %d distinct", rec.SourceDiversity))
	}
	if rec.Completeness < cfg.Review.MinCompleteness {
		reasons = append(reasons, fmt.Sprintf("incomplete data: %.2f completeness", rec.Completeness))
	}
	if n := len(rec.Fields); n > 0 {
		rate := float64(conflictedFields) / float64(n)
		if rate > cfg.Review.MaxConflictRate {
			reasons = append(reasons, fmt.Sprintf("high contradiction rate: %.2f", rate))
		}
	}

	return len(reasons) > 0, reasons
}
