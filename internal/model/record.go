package model

import "time"

// FieldStatus is the publish decision for one resolved field.
type FieldStatus string

const (
	// FieldConfirmed means the score cleared the publish threshold.
	FieldConfirmed FieldStatus = "confirmed"
	// FieldProvisional means the value is published but a secondary
	// verification pass is scheduled.
	FieldProvisional FieldStatus = "provisional"
	// FieldHeld means the score is too low to publish; the best guess is
	// surfaced only in the needs_review list.
	FieldHeld FieldStatus = "held"
	// FieldNotFound means no claim exists for the field.
	FieldNotFound FieldStatus = "could_not_find"
)

// ScoreTerms are the individual scoring components behind a field
// resolution, kept for explainability and for debugging the scoring
// function.
type ScoreTerms struct {
	SourceWeightSum      float64 `json:"source_weight_sum"`
	RecencyWeightSum     float64 `json:"recency_weight_sum"`
	SpecificityBonus     float64 `json:"specificity_bonus"`
	Support              float64 `json:"support"`
	ContradictionPenalty float64 `json:"contradiction_penalty"`
}

// CandidateRef is a losing or conflicting value bucket retained on the
// final record for audit.
type CandidateRef struct {
	Value    any      `json:"value"`
	Score    float64  `json:"score"`
	ClaimIDs []string `json:"claim_ids"`
}

// FieldConfidence is the per-field breakdown of a FinalRecord.
type FieldConfidence struct {
	FieldPath  string      `json:"field_path"`
	Value      any         `json:"value,omitempty"`
	Status     FieldStatus `json:"status"`
	Confidence float64     `json:"confidence"`

	SupportingClaims  []string       `json:"supporting_claims,omitempty"`
	ConflictingClaims []string       `json:"conflicting_claims,omitempty"`
	Conflicts         []CandidateRef `json:"conflicts,omitempty"`

	// Ambiguous is set when the top two candidates scored within the
	// ambiguity margin and the field was forced into review.
	Ambiguous bool       `json:"ambiguous,omitempty"`
	Terms     ScoreTerms `json:"terms"`
}

// QASummary is the top-level quality summary of a FinalRecord.
type QASummary struct {
	CouldNotFind []string `json:"could_not_find"`
	NeedsReview  []string `json:"needs_review"`
	Reasons      []string `json:"reasons,omitempty"`
}

// FinalRecord is one entity's resolved state at a point in time. New
// compilations write a new version; old versions are retained for audit.
type FinalRecord struct {
	ID        string `json:"id"`
	EntityID  string `json:"entity_id"`
	JobItemID string `json:"job_item_id"`
	Version   int    `json:"version"`

	Fields []FieldConfidence `json:"fields"`
	QA     QASummary         `json:"qa"`

	OverallConfidence float64 `json:"overall_confidence"`
	Completeness      float64 `json:"completeness"`
	EvidenceCount     int     `json:"evidence_count"`
	SourceDiversity   int     `json:"source_diversity"`
	NeedsReview       bool    `json:"needs_review"`

	CompiledAt time.Time `json:"compiled_at"`
}

// Field returns the confidence entry for a path, or nil.
func (r *FinalRecord) Field(path string) *FieldConfidence {
	for i := range r.Fields {
		if r.Fields[i].FieldPath == path {
			return &r.Fields[i]
		}
	}
	return nil
}

// PublishedFields returns only the fields safe to publish directly
// (confirmed and provisional).
func (r *FinalRecord) PublishedFields() []FieldConfidence {
	out := make([]FieldConfidence, 0, len(r.Fields))
	for _, f := range r.Fields {
		if f.Status == FieldConfirmed || f.Status == FieldProvisional {
			out = append(out, f)
		}
	}
	return out
}
