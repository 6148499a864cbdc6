package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/consensus-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS job_groups (
	id         TEXT PRIMARY KEY,
	origin     TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS job_items (
	id            TEXT PRIMARY KEY,
	group_id      TEXT NOT NULL REFERENCES job_groups(id),
	entity_id     TEXT NOT NULL,
	snapshot      TEXT NOT NULL,
	snapshot_hash TEXT NOT NULL,
	dedup_key     TEXT,
	status        TEXT NOT NULL DEFAULT 'queued',
	cost_cents    INTEGER NOT NULL DEFAULT 0,
	elapsed_ms    INTEGER NOT NULL DEFAULT 0,
	error         TEXT,
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	ended_at      DATETIME
);

CREATE TABLE IF NOT EXISTS claims (
	id           TEXT PRIMARY KEY,
	job_item_id  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	field_path   TEXT NOT NULL,
	value        TEXT NOT NULL,
	value_hash   TEXT NOT NULL,
	source       TEXT NOT NULL,
	source_tier  TEXT NOT NULL,
	observed_at  DATETIME NOT NULL,
	specificity  TEXT NOT NULL,
	modality     TEXT NOT NULL,
	confidence   REAL NOT NULL,
	snippet      TEXT,
	recorded_at  DATETIME NOT NULL,
	UNIQUE(job_item_id, field_path, source, observed_at, value_hash)
);

CREATE TABLE IF NOT EXISTS final_records (
	id            TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL,
	job_item_id   TEXT NOT NULL,
	version       INTEGER NOT NULL,
	needs_review  INTEGER NOT NULL DEFAULT 0,
	missing_count INTEGER NOT NULL DEFAULT 0,
	body          TEXT NOT NULL,
	compiled_at   DATETIME NOT NULL,
	UNIQUE(entity_id, version)
);

CREATE INDEX IF NOT EXISTS idx_job_items_group ON job_items(group_id);
CREATE INDEX IF NOT EXISTS idx_job_items_snapshot ON job_items(entity_id, snapshot_hash);
CREATE UNIQUE INDEX IF NOT EXISTS idx_job_items_dedup ON job_items(dedup_key) WHERE dedup_key IS NOT NULL AND dedup_key != '';
CREATE INDEX IF NOT EXISTS idx_claims_entity ON claims(entity_id, field_path);
CREATE INDEX IF NOT EXISTS idx_final_records_entity ON final_records(entity_id, version);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateGroup(ctx context.Context, origin string) (*model.JobGroup, error) {
	g := &model.JobGroup{
		ID:        uuid.New().String(),
		Origin:    origin,
		Status:    model.GroupRunning,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_groups (id, origin, created_at) VALUES (?, ?, ?)`,
		g.ID, g.Origin, g.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert group")
	}
	return g, nil
}

func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*model.JobGroup, []model.JobItem, error) {
	var g model.JobGroup
	err := s.db.QueryRowContext(ctx,
		`SELECT id, origin, created_at FROM job_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Origin, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sqlite: get group %s", id)
	}

	rows, err := s.db.QueryContext(ctx,
		itemColumns+` FROM job_items WHERE group_id = ? ORDER BY created_at`, id,
	)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sqlite: list group items %s", id)
	}
	defer rows.Close()

	var items []model.JobItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: iterate group items")
	}

	g.Status = model.RollupStatus(items)
	return &g, items, nil
}

const itemColumns = `SELECT id, group_id, entity_id, snapshot, snapshot_hash, dedup_key, status,
	cost_cents, elapsed_ms, error, created_at, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.JobItem, error) {
	var (
		it        model.JobItem
		snapshot  string
		dedupKey  sql.NullString
		errMsg    sql.NullString
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := row.Scan(&it.ID, &it.GroupID, &it.EntityID, &snapshot, &it.SnapshotHash,
		&dedupKey, &it.Status, &it.Budget.CostCents, &it.Budget.ElapsedMS,
		&errMsg, &it.CreatedAt, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan item")
	}
	if err := json.Unmarshal([]byte(snapshot), &it.Snapshot); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal snapshot")
	}
	it.DedupKey = dedupKey.String
	it.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		it.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		it.EndedAt = &t
	}
	return &it, nil
}

func (s *SQLiteStore) CreateItem(ctx context.Context, item model.JobItem) (*model.JobItem, error) {
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
		return nil, eris.Wrap(err, "sqlite: marshal snapshot")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_items (id, group_id, entity_id, snapshot, snapshot_hash, dedup_key, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.GroupID, item.EntityID, string(snapshot), item.SnapshotHash,
		nullable(item.DedupKey), string(item.Status), item.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert item")
	}
	return &item, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.JobItem, error) {
	row := s.db.QueryRowContext(ctx, itemColumns+` FROM job_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) FindItemBySnapshot(ctx context.Context, entityID, snapshotHash string) (*model.JobItem, error) {
	row := s.db.QueryRowContext(ctx,
		itemColumns+` FROM job_items WHERE entity_id = ? AND snapshot_hash = ? ORDER BY created_at DESC LIMIT 1`,
		entityID, snapshotHash,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) FindItemByDedupKey(ctx context.Context, dedupKey string) (*model.JobItem, error) {
	if dedupKey == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		itemColumns+` FROM job_items WHERE dedup_key = ? LIMIT 1`, dedupKey,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) TransitionItem(ctx context.Context, id string, to model.ItemStatus, budget model.Budget, errMsg string) error {
	from := legalFrom(to)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")

	set := `status = ?, cost_cents = ?, elapsed_ms = ?, error = ?`
	args := []any{string(to), budget.CostCents, budget.ElapsedMS, nullable(errMsg)}
	now := time.Now().UTC()
	if to == model.ItemRunning {
		set += `, started_at = ?`
		args = append(args, now)
	} else if to.Terminal() {
		set += `, ended_at = ?`
		args = append(args, now)
	}
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE job_items SET `+set+` WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition item %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, getErr := s.GetItem(ctx, id); getErr != nil {
			return getErr
		}
		return ErrIllegalTransition
	}
	return nil
}

func (s *SQLiteStore) InsertClaim(ctx context.Context, claim model.Claim) (bool, error) {
	if claim.ID == "" {
		claim.ID = uuid.New().String()
	}
	if claim.RecordedAt.IsZero() {
		claim.RecordedAt = time.Now().UTC()
	}
	value, err := json.Marshal(claim.Value)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal claim value")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO claims
		 (id, job_item_id, entity_id, field_path, value, value_hash, source, source_tier,
		  observed_at, specificity, modality, confidence, snippet, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		claim.ID, claim.JobItemID, claim.EntityID, claim.FieldPath, string(value), claim.ValueHash(),
		claim.Source, string(claim.SourceTier), claim.ObservedAt.UTC(), string(claim.Specificity),
		string(claim.Modality), claim.Confidence, claim.Snippet, claim.RecordedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert claim")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) InsertClaims(ctx context.Context, claims []model.Claim) (int, error) {
	inserted := 0
	for _, cl := range claims {
		ok, err := s.InsertClaim(ctx, cl)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func (s *SQLiteStore) ListClaims(ctx context.Context, entityID, fieldPath string) ([]model.Claim, error) {
	query := `SELECT id, job_item_id, entity_id, field_path, value, source, source_tier,
		observed_at, specificity, modality, confidence, snippet, recorded_at
		FROM claims WHERE entity_id = ?`
	args := []any{entityID}
	if fieldPath != "" {
		query += ` AND field_path = ?`
		args = append(args, fieldPath)
	}
	query += ` ORDER BY recorded_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list claims %s", entityID)
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		var (
			cl      model.Claim
			value   string
			snippet sql.NullString
		)
		if err := rows.Scan(&cl.ID, &cl.JobItemID, &cl.EntityID, &cl.FieldPath, &value,
			&cl.Source, &cl.SourceTier, &cl.ObservedAt, &cl.Specificity, &cl.Modality,
			&cl.Confidence, &snippet, &cl.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan claim")
		}
		if err := json.Unmarshal([]byte(value), &cl.Value); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal claim value")
		}
		cl.Snippet = snippet.String
		claims = append(claims, cl)
	}
	return claims, eris.Wrap(rows.Err(), "sqlite: iterate claims")
}

func (s *SQLiteStore) SaveFinalRecord(ctx context.Context, rec *model.FinalRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM final_records WHERE entity_id = ?`,
		rec.EntityID,
	).Scan(&version)
	if err != nil {
		return eris.Wrap(err, "sqlite: next record version")
	}

	rec.Version = version
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO final_records (id, entity_id, job_item_id, version, needs_review, missing_count, body, compiled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityID, rec.JobItemID, rec.Version, boolToInt(rec.NeedsReview),
		len(rec.QA.CouldNotFind), string(body), rec.CompiledAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert record")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) GetCurrentRecord(ctx context.Context, entityID string) (*model.FinalRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM final_records WHERE entity_id = ? ORDER BY version DESC LIMIT 1`,
		entityID,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get current record %s", entityID)
	}
	var rec model.FinalRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal record")
	}
	return &rec, nil
}

func (s *SQLiteStore) ItemStatusCounts(ctx context.Context, since time.Time) (map[model.ItemStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job_items WHERE created_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: item status counts")
	}
	defer rows.Close()

	counts := make(map[model.ItemStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.ItemStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate status counts")
}

func (s *SQLiteStore) CountClaims(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claims WHERE recorded_at >= ?`, since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count claims")
}

func (s *SQLiteStore) GetRecordStats(ctx context.Context, since time.Time) (*RecordStats, error) {
	var stats RecordStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(needs_review), 0), COALESCE(SUM(missing_count), 0)
		 FROM final_records WHERE compiled_at >= ?`, since.UTC(),
	).Scan(&stats.Total, &stats.NeedsReview, &stats.MissingTotal)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: record stats")
	}
	return &stats, nil
}
