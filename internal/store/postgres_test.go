package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/consensus-cli/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgres(mock), mock
}

func TestPostgresCreateGroup(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO job_groups").
		WithArgs(pgxmock.AnyArg(), "api", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	group, err := s.CreateGroup(context.Background(), "api")
	require.NoError(t, err)
	assert.NotEmpty(t, group.ID)
	assert.Equal(t, model.GroupRunning, group.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetGroupNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, origin, created_at FROM job_groups").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, _, err := s.GetGroup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func itemRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "group_id", "entity_id", "snapshot", "snapshot_hash", "dedup_key",
		"status", "cost_cents", "elapsed_ms", "error", "created_at", "started_at", "ended_at",
	})
}

func TestPostgresGetItem(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	snapshot := []byte(`{"entity_id":"venue-1","name":"The Thirsty Scholar"}`)

	mock.ExpectQuery("SELECT (.+) FROM job_items WHERE id").
		WithArgs("item-1").
		WillReturnRows(itemRows().AddRow(
			"item-1", "group-1", "venue-1", snapshot, "hash", nil,
			"queued", 0, int64(0), nil, now, nil, nil,
		))

	item, err := s.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "venue-1", item.EntityID)
	assert.Equal(t, "The Thirsty Scholar", item.Snapshot.Name)
	assert.Equal(t, model.ItemQueued, item.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionItemIllegal(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	snapshot := []byte(`{"entity_id":"venue-1","name":"The Thirsty Scholar"}`)

	// UPDATE matches no rows because the item is already terminal
	mock.ExpectExec("UPDATE job_items SET").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM job_items WHERE id").
		WithArgs("item-1").
		WillReturnRows(itemRows().AddRow(
			"item-1", "group-1", "venue-1", snapshot, "hash", nil,
			"completed", 5, int64(100), nil, now, &now, &now,
		))

	err := s.TransitionItem(context.Background(), "item-1", model.ItemCancelled, model.Budget{}, "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertClaimDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO claims").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	accepted, err := s.InsertClaim(context.Background(), model.Claim{
		JobItemID:   "item-1",
		EntityID:    "venue-1",
		FieldPath:   "status",
		Value:       "active",
		Source:      "https://venue.example",
		SourceTier:  model.TierOwner,
		ObservedAt:  time.Now().UTC(),
		Specificity: model.SpecificityExact,
		Modality:    model.ModalityText,
		Confidence:  0.9,
	})
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveFinalRecordVersioning(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("venue-1").
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(3))
	mock.ExpectExec("INSERT INTO final_records").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	rec := &model.FinalRecord{
		EntityID:   "venue-1",
		JobItemID:  "item-1",
		CompiledAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveFinalRecord(context.Background(), rec))
	assert.Equal(t, 3, rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCurrentRecord(t *testing.T) {
	s, mock := newMockStore(t)

	body := []byte(`{"id":"rec-1","entity_id":"venue-1","version":2,"overall_confidence":0.88}`)
	mock.ExpectQuery("SELECT body FROM final_records").
		WithArgs("venue-1").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow(body))

	rec, err := s.GetCurrentRecord(context.Background(), "venue-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)
	assert.InDelta(t, 0.88, rec.OverallConfidence, 1e-9)

	mock.ExpectQuery("SELECT body FROM final_records").
		WithArgs("venue-9").
		WillReturnError(pgx.ErrNoRows)
	_, err = s.GetCurrentRecord(context.Background(), "venue-9")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
