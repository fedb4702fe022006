package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS variants (
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    spawned_from_segment TEXT,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_variants_status ON variants(status);

CREATE TABLE IF NOT EXISTS selections (
    id TEXT PRIMARY KEY,
    member_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    segment_key TEXT NOT NULL,
    selected_at INTEGER NOT NULL,
    window_expires_at INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    conversion_action TEXT,
    resolved_at INTEGER,
    FOREIGN KEY (variant_id) REFERENCES variants(id)
);

CREATE INDEX IF NOT EXISTS idx_selections_member ON selections(member_id, status, selected_at);
CREATE INDEX IF NOT EXISTS idx_selections_expiry ON selections(status, window_expires_at);
CREATE INDEX IF NOT EXISTS idx_selections_segment ON selections(segment_key, status);

CREATE TABLE IF NOT EXISTS segment_models (
    segment_key TEXT PRIMARY KEY,
    ranked TEXT NOT NULL,
    sample_count INTEGER NOT NULL,
    refreshed_at INTEGER NOT NULL
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateVariant(ctx context.Context, text string, status VariantStatus, spawnedFromSegment string) (*Variant, error) {
	id := uuid.NewString()
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO variants (id, text, status, success_count, failure_count, spawned_from_segment, created_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)`,
		id, text, string(status), nullableString(spawnedFromSegment), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert variant: %w", err)
	}

	return &Variant{
		ID:                 id,
		Text:               text,
		Status:             status,
		SpawnedFromSegment: spawnedFromSegment,
		CreatedAt:          time.Unix(now, 0),
	}, nil
}

func (s *SQLiteStore) GetVariant(ctx context.Context, id string) (*Variant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, text, status, success_count, failure_count, spawned_from_segment, created_at
		 FROM variants WHERE id = ?`, id,
	)
	return scanVariant(row)
}

func (s *SQLiteStore) ListVariants(ctx context.Context) ([]*Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, status, success_count, failure_count, spawned_from_segment, created_at
		 FROM variants ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()
	return collectVariants(rows)
}

func (s *SQLiteStore) ListVariantsByStatus(ctx context.Context, status VariantStatus) ([]*Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, status, success_count, failure_count, spawned_from_segment, created_at
		 FROM variants WHERE status = ? ORDER BY created_at, id`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()
	return collectVariants(rows)
}

func (s *SQLiteStore) UpdateVariantStatus(ctx context.Context, id string, status VariantStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE variants SET status = ? WHERE id = ?`, string(status), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update variant status: %w", err)
	}
	return requireRow(result)
}

// IncrementSuccess bumps the success counter atomically at the store level,
// so concurrent resolutions from multiple handlers never lose an increment.
func (s *SQLiteStore) IncrementSuccess(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE variants SET success_count = success_count + 1 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment success count: %w", err)
	}
	return requireRow(result)
}

func (s *SQLiteStore) IncrementFailure(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE variants SET failure_count = failure_count + 1 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment failure count: %w", err)
	}
	return requireRow(result)
}

func (s *SQLiteStore) CreateSelection(ctx context.Context, sel *Selection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO selections (id, member_id, variant_id, segment_key, selected_at, window_expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sel.ID, sel.MemberID, sel.VariantID, sel.SegmentKey,
		sel.SelectedAt.Unix(), sel.WindowExpiresAt.Unix(), string(sel.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to insert selection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSelection(ctx context.Context, id string) (*Selection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, member_id, variant_id, segment_key, selected_at, window_expires_at, status, conversion_action, resolved_at
		 FROM selections WHERE id = ?`, id,
	)
	return scanSelection(row)
}

// LatestPendingByMember returns the member's open observation window. There
// is at most one by construction; the most recent wins if history disagrees.
func (s *SQLiteStore) LatestPendingByMember(ctx context.Context, memberID string) (*Selection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, member_id, variant_id, segment_key, selected_at, window_expires_at, status, conversion_action, resolved_at
		 FROM selections WHERE member_id = ? AND status = 'pending'
		 ORDER BY selected_at DESC, id DESC LIMIT 1`, memberID,
	)
	return scanSelection(row)
}

func (s *SQLiteStore) ExpiredPending(ctx context.Context, now time.Time) ([]*Selection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, member_id, variant_id, segment_key, selected_at, window_expires_at, status, conversion_action, resolved_at
		 FROM selections WHERE status = 'pending' AND window_expires_at < ?
		 ORDER BY window_expires_at`, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired selections: %w", err)
	}
	defer rows.Close()

	var sels []*Selection
	for rows.Next() {
		sel, err := scanSelection(rows)
		if err != nil {
			return nil, err
		}
		sels = append(sels, sel)
	}
	return sels, rows.Err()
}

// ResolveSelection applies the single terminal transition for a selection
// and credits the variant's counter in the same transaction. The update is
// conditioned on the row still being pending, so a conversion and an expiry
// sweep racing on the same row resolve to exactly one winner — and the
// counter moves if and only if the transition commits. A partial write can
// only roll back to pending, never strand a resolved row uncounted.
func (s *SQLiteStore) ResolveSelection(ctx context.Context, id string, status SelectionStatus, action string, resolvedAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin resolve transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE selections SET status = ?, conversion_action = ?, resolved_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), nullableString(action), resolvedAt.Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve selection: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected != 1 {
		return false, nil
	}

	counterUpdate := `UPDATE variants SET failure_count = failure_count + 1
		 WHERE id = (SELECT variant_id FROM selections WHERE id = ?)`
	if status == SelectionConverted {
		counterUpdate = `UPDATE variants SET success_count = success_count + 1
		 WHERE id = (SELECT variant_id FROM selections WHERE id = ?)`
	}
	if _, err := tx.ExecContext(ctx, counterUpdate, id); err != nil {
		return false, fmt.Errorf("failed to credit variant counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit resolve transaction: %w", err)
	}
	return true, nil
}

// SegmentStats aggregates resolved outcomes per variant for one segment key.
// The second return value is the segment's total resolved sample count.
func (s *SQLiteStore) SegmentStats(ctx context.Context, segmentKey string) ([]SegmentStat, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			variant_id,
			COUNT(CASE WHEN status = 'converted' THEN 1 END) as successes,
			COUNT(CASE WHEN status = 'expired' THEN 1 END) as failures
		FROM selections
		WHERE segment_key = ? AND status != 'pending'
		GROUP BY variant_id
		ORDER BY variant_id
	`, segmentKey)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get segment stats: %w", err)
	}
	defer rows.Close()

	var stats []SegmentStat
	total := 0
	for rows.Next() {
		var st SegmentStat
		if err := rows.Scan(&st.VariantID, &st.Successes, &st.Failures); err != nil {
			return nil, 0, fmt.Errorf("failed to scan segment stats: %w", err)
		}
		total += st.Successes + st.Failures
		stats = append(stats, st)
	}
	return stats, total, rows.Err()
}

func (s *SQLiteStore) GetSegmentModel(ctx context.Context, segmentKey string) (*SegmentModel, error) {
	var model SegmentModel
	var rankedJSON string
	var refreshedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT segment_key, ranked, sample_count, refreshed_at
		 FROM segment_models WHERE segment_key = ?`, segmentKey,
	).Scan(&model.SegmentKey, &rankedJSON, &model.SampleCount, &refreshedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment model: %w", err)
	}

	if err := json.Unmarshal([]byte(rankedJSON), &model.Ranked); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ranking: %w", err)
	}
	model.RefreshedAt = time.Unix(refreshedAt, 0)
	return &model, nil
}

// PutSegmentModel replaces the cached ranking wholesale. Refreshes always
// recompute from raw rows, so last-write-wins is safe under interleaving.
func (s *SQLiteStore) PutSegmentModel(ctx context.Context, model *SegmentModel) error {
	rankedJSON, err := json.Marshal(model.Ranked)
	if err != nil {
		return fmt.Errorf("failed to marshal ranking: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO segment_models (segment_key, ranked, sample_count, refreshed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(segment_key) DO UPDATE SET
		     ranked = excluded.ranked,
		     sample_count = excluded.sample_count,
		     refreshed_at = excluded.refreshed_at`,
		model.SegmentKey, string(rankedJSON), model.SampleCount, model.RefreshedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to put segment model: %w", err)
	}
	return nil
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVariant(row rowScanner) (*Variant, error) {
	var v Variant
	var spawnedFrom sql.NullString
	var createdAt int64

	err := row.Scan(&v.ID, &v.Text, &v.Status, &v.SuccessCount, &v.FailureCount, &spawnedFrom, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan variant: %w", err)
	}

	if spawnedFrom.Valid {
		v.SpawnedFromSegment = spawnedFrom.String
	}
	v.CreatedAt = time.Unix(createdAt, 0)
	return &v, nil
}

func collectVariants(rows *sql.Rows) ([]*Variant, error) {
	var variants []*Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func scanSelection(row rowScanner) (*Selection, error) {
	var sel Selection
	var action sql.NullString
	var selectedAt, expiresAt int64
	var resolvedAt sql.NullInt64

	err := row.Scan(&sel.ID, &sel.MemberID, &sel.VariantID, &sel.SegmentKey,
		&selectedAt, &expiresAt, &sel.Status, &action, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan selection: %w", err)
	}

	if action.Valid {
		sel.ConversionAction = action.String
	}
	sel.SelectedAt = time.Unix(selectedAt, 0)
	sel.WindowExpiresAt = time.Unix(expiresAt, 0)
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0)
		sel.ResolvedAt = &t
	}
	return &sel, nil
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
