package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/consensus-cli/internal/fieldpath"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return New(st, fieldpath.NewVenueRegistry())
}

func validClaim() model.Claim {
	return model.Claim{
		JobItemID:   "item-1",
		EntityID:    "venue-1",
		FieldPath:   "schedule.weekly.fri[0]",
		Value:       map[string]any{"start": "16:00", "end": "19:00"},
		Source:      "https://venue.example/happy-hour",
		SourceTier:  model.TierOwner,
		ObservedAt:  time.Date(2026, 8, 21, 17, 0, 0, 0, time.UTC),
		Specificity: model.SpecificityExact,
		Modality:    model.ModalityText,
		Confidence:  0.85,
	}
}

func TestAppendAcceptsThenDeduplicates(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Append(ctx, validClaim())
	require.NoError(t, err)
	assert.Equal(t, model.AppendAccepted, res)

	res, err = l.Append(ctx, validClaim())
	require.NoError(t, err)
	assert.Equal(t, model.AppendDuplicateIgnore, res)

	claims, err := l.Query(ctx, "venue-1", "")
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestAppendRejectsMalformed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	cases := map[string]func(*model.Claim){
		"unknown path":       func(c *model.Claim) { c.FieldPath = "vibes.rating" },
		"bad path syntax":    func(c *model.Claim) { c.FieldPath = "Schedule.Weekly" },
		"wrong value shape":  func(c *model.Claim) { c.Value = "16:00 to 19:00" },
		"missing source":     func(c *model.Claim) { c.Source = "" },
		"confidence too big": func(c *model.Claim) { c.Confidence = 1.2 },
		"unknown tier":       func(c *model.Claim) { c.SourceTier = "psychic" },
		"unknown modality":   func(c *model.Claim) { c.Modality = "smoke_signal" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			claim := validClaim()
			mutate(&claim)
			_, err := l.Append(ctx, claim)
			var malformed *model.MalformedClaimError
			assert.ErrorAs(t, err, &malformed)
		})
	}

	// nothing malformed reached the ledger
	claims, err := l.Query(ctx, "venue-1", "")
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestAppendBatchSkipsMalformed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	good := validClaim()
	bad := validClaim()
	bad.FieldPath = "not.a.real.path"
	other := validClaim()
	other.FieldPath = "status"
	other.Value = "active"

	n, rejected, err := l.AppendBatch(ctx, []model.Claim{good, bad, other})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, rejected, 1)
	assert.Equal(t, 1, rejected[0].Index)
	assert.Equal(t, "not.a.real.path", rejected[0].FieldPath)

	claims, err := l.Query(ctx, "venue-1", "status")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "active", claims[0].Value)
}
