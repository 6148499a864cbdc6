package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/consensus-cli/internal/db"
	"github.com/sells-group/consensus-cli/internal/model"
)

// PostgresStore implements Store on top of a pgx pool. It takes the db.Pool
// interface rather than *pgxpool.Pool so tests can drive it with pgxmock.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ConnectPostgres opens a pgx pool for the given DSN and verifies
// connectivity.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return NewPostgres(pool), nil
}

const pgMigration = `
CREATE TABLE IF NOT EXISTS job_groups (
	id         TEXT PRIMARY KEY,
	origin     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_items (
	id            TEXT PRIMARY KEY,
	group_id      TEXT NOT NULL REFERENCES job_groups(id),
	entity_id     TEXT NOT NULL,
	snapshot      JSONB NOT NULL,
	snapshot_hash TEXT NOT NULL,
	dedup_key     TEXT,
	status        TEXT NOT NULL DEFAULT 'queued',
	cost_cents    INTEGER NOT NULL DEFAULT 0,
	elapsed_ms    BIGINT NOT NULL DEFAULT 0,
	error         TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	ended_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS claims (
	id           TEXT PRIMARY KEY,
	job_item_id  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	field_path   TEXT NOT NULL,
	value        JSONB NOT NULL,
	value_hash   TEXT NOT NULL,
	source       TEXT NOT NULL,
	source_tier  TEXT NOT NULL,
	observed_at  TIMESTAMPTZ NOT NULL,
	specificity  TEXT NOT NULL,
	modality     TEXT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL,
	snippet      TEXT,
	recorded_at  TIMESTAMPTZ NOT NULL,
	UNIQUE(job_item_id, field_path, source, observed_at, value_hash)
);

CREATE TABLE IF NOT EXISTS final_records (
	id            TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL,
	job_item_id   TEXT NOT NULL,
	version       INTEGER NOT NULL,
	needs_review  BOOLEAN NOT NULL DEFAULT FALSE,
	missing_count INTEGER NOT NULL DEFAULT 0,
	body          JSONB NOT NULL,
	compiled_at   TIMESTAMPTZ NOT NULL,
	UNIQUE(entity_id, version)
);

CREATE INDEX IF NOT EXISTS idx_job_items_group ON job_items(group_id);
CREATE INDEX IF NOT EXISTS idx_job_items_snapshot ON job_items(entity_id, snapshot_hash);
CREATE UNIQUE INDEX IF NOT EXISTS idx_job_items_dedup ON job_items(dedup_key) WHERE dedup_key IS NOT NULL AND dedup_key != '';
CREATE INDEX IF NOT EXISTS idx_claims_entity ON claims(entity_id, field_path);
CREATE INDEX IF NOT EXISTS idx_final_records_entity ON final_records(entity_id, version);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, origin string) (*model.JobGroup, error) {
	g := &model.JobGroup{
		ID:        uuid.New().String(),
		Origin:    origin,
		Status:    model.GroupRunning,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_groups (id, origin, created_at) VALUES ($1, $2, $3)`,
		g.ID, g.Origin, g.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert group")
	}
	return g, nil
}

const pgItemColumns = `SELECT id, group_id, entity_id, snapshot, snapshot_hash, dedup_key, status,
	cost_cents, elapsed_ms, error, created_at, started_at, ended_at`

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*model.JobGroup, []model.JobItem, error) {
	var g model.JobGroup
	err := s.pool.QueryRow(ctx,
		`SELECT id, origin, created_at FROM job_groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Origin, &g.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "postgres: get group %s", id)
	}

	rows, err := s.pool.Query(ctx,
		pgItemColumns+` FROM job_items WHERE group_id = $1 ORDER BY created_at`, id,
	)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "postgres: list group items %s", id)
	}
	defer rows.Close()

	var items []model.JobItem
	for rows.Next() {
		item, err := scanPGItem(rows)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, eris.Wrap(err, "postgres: iterate group items")
	}

	g.Status = model.RollupStatus(items)
	return &g, items, nil
}

func scanPGItem(row rowScanner) (*model.JobItem, error) {
	var (
		it       model.JobItem
		snapshot []byte
		dedupKey *string
		errMsg   *string
	)
	err := row.Scan(&it.ID, &it.GroupID, &it.EntityID, &snapshot, &it.SnapshotHash,
		&dedupKey, &it.Status, &it.Budget.CostCents, &it.Budget.ElapsedMS,
		&errMsg, &it.CreatedAt, &it.StartedAt, &it.EndedAt)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan item")
	}
	if err := json.Unmarshal(snapshot, &it.Snapshot); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal snapshot")
	}
	if dedupKey != nil {
		it.DedupKey = *dedupKey
	}
	if errMsg != nil {
		it.Error = *errMsg
	}
	return &it, nil
}

func (s *PostgresStore) CreateItem(ctx context.Context, item model.JobItem) (*model.JobItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = model.ItemQueued
	}
	item.CreatedAt = time.Now().UTC()
	item.SnapshotHash = item.Snapshot.Hash()

	snapshot, err := json.Marshal(item.Snapshot)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal snapshot")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO job_items (id, group_id, entity_id, snapshot, snapshot_hash, dedup_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		item.ID, item.GroupID, item.EntityID, snapshot, item.SnapshotHash,
		item.DedupKey, string(item.Status), item.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert item")
	}
	return &item, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.JobItem, error) {
	row := s.pool.QueryRow(ctx, pgItemColumns+` FROM job_items WHERE id = $1`, id)
	item, err := scanPGItem(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *PostgresStore) FindItemBySnapshot(ctx context.Context, entityID, snapshotHash string) (*model.JobItem, error) {
	row := s.pool.QueryRow(ctx,
		pgItemColumns+` FROM job_items WHERE entity_id = $1 AND snapshot_hash = $2 ORDER BY created_at DESC LIMIT 1`,
		entityID, snapshotHash,
	)
	item, err := scanPGItem(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *PostgresStore) FindItemByDedupKey(ctx context.Context, dedupKey string) (*model.JobItem, error) {
	if dedupKey == "" {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx,
		pgItemColumns+` FROM job_items WHERE dedup_key = $1 LIMIT 1`, dedupKey,
	)
	item, err := scanPGItem(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *PostgresStore) TransitionItem(ctx context.Context, id string, to model.ItemStatus, budget model.Budget, errMsg string) error {
	from := legalFrom(to)
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	set := `status = $1, cost_cents = $2, elapsed_ms = $3, error = NULLIF($4, '')`
	args := []any{string(to), budget.CostCents, budget.ElapsedMS, errMsg}
	now := time.Now().UTC()
	if to == model.ItemRunning {
		set += `, started_at = $5`
		args = append(args, now)
	} else if to.Terminal() {
		set += `, ended_at = $5`
		args = append(args, now)
	}
	args = append(args, id, fromStrs)
	where := fmt.Sprintf(` WHERE id = $%d AND status = ANY($%d)`, len(args)-1, len(args))

	tag, err := s.pool.Exec(ctx, `UPDATE job_items SET `+set+where, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition item %s", id)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetItem(ctx, id); getErr != nil {
			return getErr
		}
		return ErrIllegalTransition
	}
	return nil
}

var claimColumns = []string{
	"id", "job_item_id", "entity_id", "field_path", "value", "value_hash",
	"source", "source_tier", "observed_at", "specificity", "modality",
	"confidence", "snippet", "recorded_at",
}

var claimConflictKeys = []string{"job_item_id", "field_path", "source", "observed_at", "value_hash"}

func claimRow(cl model.Claim) ([]any, error) {
	if cl.ID == "" {
		cl.ID = uuid.New().String()
	}
	if cl.RecordedAt.IsZero() {
		cl.RecordedAt = time.Now().UTC()
	}
	value, err := json.Marshal(cl.Value)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal claim value")
	}
	return []any{
		cl.ID, cl.JobItemID, cl.EntityID, cl.FieldPath, value, cl.ValueHash(),
		cl.Source, string(cl.SourceTier), cl.ObservedAt.UTC(), string(cl.Specificity),
		string(cl.Modality), cl.Confidence, cl.Snippet, cl.RecordedAt,
	}, nil
}

func (s *PostgresStore) InsertClaim(ctx context.Context, claim model.Claim) (bool, error) {
	row, err := claimRow(claim)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO claims (`+strings.Join(claimColumns, ", ")+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (`+strings.Join(claimConflictKeys, ", ")+`) DO NOTHING`,
		row...,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert claim")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) InsertClaims(ctx context.Context, claims []model.Claim) (int, error) {
	rows := make([][]any, 0, len(claims))
	for _, cl := range claims {
		row, err := claimRow(cl)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.BulkInsertIgnore(ctx, s.pool, db.InsertIgnoreConfig{
		Table:        "claims",
		Columns:      claimColumns,
		ConflictKeys: claimConflictKeys,
	}, rows)
	return int(n), err
}

func (s *PostgresStore) ListClaims(ctx context.Context, entityID, fieldPath string) ([]model.Claim, error) {
	query := `SELECT id, job_item_id, entity_id, field_path, value, source, source_tier,
		observed_at, specificity, modality, confidence, snippet, recorded_at
		FROM claims WHERE entity_id = $1`
	args := []any{entityID}
	if fieldPath != "" {
		query += ` AND field_path = $2`
		args = append(args, fieldPath)
	}
	query += ` ORDER BY recorded_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list claims %s", entityID)
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		var (
			cl      model.Claim
			value   []byte
			snippet *string
		)
		if err := rows.Scan(&cl.ID, &cl.JobItemID, &cl.EntityID, &cl.FieldPath, &value,
			&cl.Source, &cl.SourceTier, &cl.ObservedAt, &cl.Specificity, &cl.Modality,
			&cl.Confidence, &snippet, &cl.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan claim")
		}
		if err := json.Unmarshal(value, &cl.Value); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal claim value")
		}
		if snippet != nil {
			cl.Snippet = *snippet
		}
		claims = append(claims, cl)
	}
	return claims, eris.Wrap(rows.Err(), "postgres: iterate claims")
}

func (s *PostgresStore) SaveFinalRecord(ctx context.Context, rec *model.FinalRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	var version int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM final_records WHERE entity_id = $1`,
		rec.EntityID,
	).Scan(&version)
	if err != nil {
		return eris.Wrap(err, "postgres: next record version")
	}

	rec.Version = version
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO final_records (id, entity_id, job_item_id, version, needs_review, missing_count, body, compiled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.EntityID, rec.JobItemID, rec.Version, rec.NeedsReview,
		len(rec.QA.CouldNotFind), body, rec.CompiledAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert record")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit record")
}

func (s *PostgresStore) GetCurrentRecord(ctx context.Context, entityID string) (*model.FinalRecord, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM final_records WHERE entity_id = $1 ORDER BY version DESC LIMIT 1`,
		entityID,
	).Scan(&body)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get current record %s", entityID)
	}
	var rec model.FinalRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal record")
	}
	return &rec, nil
}

func (s *PostgresStore) ItemStatusCounts(ctx context.Context, since time.Time) (map[model.ItemStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM job_items WHERE created_at >= $1 GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: item status counts")
	}
	defer rows.Close()

	counts := make(map[model.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.ItemStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate status counts")
}

func (s *PostgresStore) CountClaims(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM claims WHERE recorded_at >= $1`, since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "postgres: count claims")
}

func (s *PostgresStore) GetRecordStats(ctx context.Context, since time.Time) (*RecordStats, error) {
	var stats RecordStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN needs_review THEN 1 ELSE 0 END), 0), COALESCE(SUM(missing_count), 0)
		 FROM final_records WHERE compiled_at >= $1`, since.UTC(),
	).Scan(&stats.Total, &stats.NeedsReview, &stats.MissingTotal)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: record stats")
	}
	return &stats, nil
}
