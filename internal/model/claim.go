package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SourceTier classifies how much we trust the origin of a claim.
type SourceTier string

const (
	// TierOwner covers the venue's own website, a phone confirmation from
	// staff, or a direct email from the owner.
	TierOwner SourceTier = "owner"
	// TierOwnerPost is an owner-managed post on a third-party platform.
	TierOwnerPost SourceTier = "owner_post"
	// TierBooking is a note on a reservation/booking platform.
	TierBooking SourceTier = "booking"
	// TierMenuFeed is a live beverage-menu feed.
	TierMenuFeed SourceTier = "menu_feed"
	// TierDetailedReview is a user review quoting an exact time or price.
	TierDetailedReview SourceTier = "detailed_review"
	// TierReview is a generic user review.
	TierReview SourceTier = "review"
	// TierEditorial is blog or editorial coverage.
	TierEditorial SourceTier = "editorial"
)

// Rank orders tiers by trust, higher is more authoritative.
func (t SourceTier) Rank() int {
	switch t {
	case TierOwner:
		return 6
	case TierOwnerPost:
		return 5
	case TierBooking:
		return 4
	case TierMenuFeed:
		return 3
	case TierDetailedReview:
		return 2
	case TierReview:
		return 1
	default:
		return 0
	}
}

// Specificity describes how precise a claim is.
type Specificity string

const (
	SpecificityExact       Specificity = "exact"       // "3:00pm - 6:00pm"
	SpecificityApproximate Specificity = "approximate" // "around 3-6pm"
	SpecificityVague       Specificity = "vague"       // "afternoon"
	SpecificityImplied     Specificity = "implied"     // "after work specials"
)

// Modality describes how the information was extracted.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityVoice Modality = "voice"
	ModalityFeed  Modality = "feed" // structured feed / API response
)

// Claim is one immutable, sourced assertion about one field of one entity.
// Claims are append-only: once written they are never updated or deleted.
type Claim struct {
	ID        string `json:"id,omitempty"`
	JobItemID string `json:"job_item_id" validate:"required"`
	EntityID  string `json:"entity_id" validate:"required"`

	// FieldPath is a dot/bracket path into the final record,
	// e.g. "schedule.weekly.mon[0]".
	// Value's shape is checked against the field-path registry, not here:
	// "required" would reject legitimate false and zero values.
	FieldPath string `json:"field_path" validate:"required"`
	Value     any    `json:"value"`

	Source     string     `json:"source" validate:"required"`
	SourceTier SourceTier `json:"source_tier" validate:"required"`

	// ObservedAt is when the fact was true in the world, not when it
	// was scraped.
	ObservedAt  time.Time   `json:"observed_at" validate:"required"`
	Specificity Specificity `json:"specificity" validate:"required"`
	Modality    Modality    `json:"modality" validate:"required"`

	// Confidence is the collector's self-reported confidence in [0,1].
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`

	// Snippet is the raw text or reference supporting the claim.
	Snippet string `json:"snippet,omitempty"`

	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// ValueHash returns a stable digest of the claim value. encoding/json
// sorts map keys, so equal values always hash equal.
func (c Claim) ValueHash() string {
	b, err := json.Marshal(c.Value)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", c.Value))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Key returns the ledger uniqueness key. Re-appending a claim with an
// identical key is a no-op, not a duplicate.
func (c Claim) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s",
		c.JobItemID, c.FieldPath, c.Source, c.ObservedAt.UTC().Unix(), c.ValueHash())
}

// AppendResult is the outcome of a ledger append.
type AppendResult string

const (
	AppendAccepted        AppendResult = "accepted"
	AppendDuplicateIgnore AppendResult = "duplicate"
)
