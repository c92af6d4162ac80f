// Package store implements the local backend's durable storage: a sqlite
// file holding the per-entity record cache, the mutation outbox rows and a
// small key-value area for engine state (pull watermarks, config, snapshot).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/palss/localsync/internal/models"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	entity      TEXT NOT NULL,
	id          TEXT NOT NULL,
	client_id   TEXT NOT NULL DEFAULT '',
	org_id      TEXT NOT NULL DEFAULT '',
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER,
	payload     TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (entity, id)
);
CREATE INDEX IF NOT EXISTS idx_records_entity_ts
	ON records(entity, COALESCE(updated_at, created_at));
CREATE INDEX IF NOT EXISTS idx_records_client
	ON records(entity, client_id);

CREATE TABLE IF NOT EXISTS outbox (
	id              TEXT PRIMARY KEY,
	op              TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_attempt_at INTEGER,
	last_error      TEXT,
	status          TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, created_at);

CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store wraps the local sqlite database.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if necessary) the local store at path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	// WAL for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{conn: conn, path: path}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for packages that run their own
// statements against the same file (the outbox).
func (s *Store) Conn() *sql.DB {
	return s.conn
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Filter narrows List results. The zero value matches everything.
type Filter struct {
	ClientID string
}

// Page is one slice of a watermark-cursor listing.
type Page struct {
	Records []models.Record
	HasMore bool
	Latest  *time.Time
}

// Put upserts a record by id, overwriting unconditionally.
func (s *Store) Put(ctx context.Context, entity models.EntityType, rec models.Record) error {
	return s.put(ctx, s.conn, entity, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, ex execer, entity models.EntityType, rec models.Record) error {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var updated *int64
	if rec.UpdatedAt != nil {
		ms := toMillis(*rec.UpdatedAt)
		updated = &ms
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO records (entity, id, client_id, org_id, created_by, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET
			client_id = excluded.client_id,
			org_id = excluded.org_id,
			created_by = excluded.created_by,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		string(entity), rec.ID, rec.ClientID, rec.OrgID, rec.CreatedBy,
		toMillis(rec.CreatedAt), updated, string(payload),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", entity, rec.ID, err)
	}
	return nil
}

// PutIfNewer upserts a record only when the incoming timestamp is not older
// than the stored one. Append-only entities always take the incoming record
// (the remote copy is authoritative and never mutates). Re-applying the
// same record is a no-op beyond overwriting with identical data.
func (s *Store) PutIfNewer(ctx context.Context, entity models.EntityType, rec models.Record) error {
	if !entity.Mutable() {
		return s.Put(ctx, entity, rec)
	}
	existing, ok, err := s.Get(ctx, entity, rec.ID)
	if err != nil {
		return err
	}
	if ok && rec.Timestamp().Before(existing.Timestamp()) {
		return nil
	}
	return s.Put(ctx, entity, rec)
}

// Get fetches one record by id.
func (s *Store) Get(ctx context.Context, entity models.EntityType, id string) (models.Record, bool, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, client_id, org_id, created_by, created_at, updated_at, payload
		FROM records WHERE entity = ? AND id = ?`,
		string(entity), id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return models.Record{}, false, nil
	}
	if err != nil {
		return models.Record{}, false, fmt.Errorf("get %s/%s: %w", entity, id, err)
	}
	return rec, true, nil
}

// Delete removes a record by id. Deleting a missing record is a no-op.
func (s *Store) Delete(ctx context.Context, entity models.EntityType, id string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE entity = ? AND id = ?`, string(entity), id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", entity, id, err)
	}
	return nil
}

// List returns records for an entity ordered by timestamp ascending.
func (s *Store) List(ctx context.Context, entity models.EntityType, filter Filter) ([]models.Record, error) {
	query := `
		SELECT id, client_id, org_id, created_by, created_at, updated_at, payload
		FROM records WHERE entity = ?`
	args := []any{string(entity)}
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	query += ` ORDER BY COALESCE(updated_at, created_at) ASC, id ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entity, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListSince returns up to limit records whose timestamp is strictly after
// since, ordered ascending. A nil since means from the beginning.
func (s *Store) ListSince(ctx context.Context, entity models.EntityType, since *time.Time, limit int) (Page, error) {
	query := `
		SELECT id, client_id, org_id, created_by, created_at, updated_at, payload
		FROM records WHERE entity = ?`
	args := []any{string(entity)}
	if since != nil {
		query += ` AND COALESCE(updated_at, created_at) > ?`
		args = append(args, toMillis(*since))
	}
	query += ` ORDER BY COALESCE(updated_at, created_at) ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list %s since: %w", entity, err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		return Page{}, err
	}

	page := Page{Records: records, HasMore: len(records) == limit}
	for _, rec := range records {
		ts := rec.Timestamp()
		if page.Latest == nil || ts.After(*page.Latest) {
			t := ts
			page.Latest = &t
		}
	}
	return page, nil
}

// ReplaceAll atomically swaps an entity's records for the given set.
func (s *Store) ReplaceAll(ctx context.Context, entity models.EntityType, records []models.Record) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace %s: %w", entity, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE entity = ?`, string(entity)); err != nil {
		return fmt.Errorf("clear %s: %w", entity, err)
	}
	for _, rec := range records {
		if err := s.put(ctx, tx, entity, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace %s: %w", entity, err)
	}
	return nil
}

// Count returns the number of records stored for an entity.
func (s *Store) Count(ctx context.Context, entity models.EntityType) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE entity = ?`, string(entity)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, err)
	}
	return n, nil
}

// ClearEntity deletes every record of an entity.
func (s *Store) ClearEntity(ctx context.Context, entity models.EntityType) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE entity = ?`, string(entity))
	if err != nil {
		return fmt.Errorf("clear %s: %w", entity, err)
	}
	return nil
}

// GetKV decodes the JSON blob stored under key into v. The second return
// is false when the key is absent.
func (s *Store) GetKV(ctx context.Context, key string, v any) (bool, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("kv decode %s: %w", key, err)
	}
	return true, nil
}

// SetKV stores v as a JSON blob under key, replacing any prior value.
func (s *Store) SetKV(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv encode %s: %w", key, err)
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, key, string(data))
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// DeleteKV removes a key. Missing keys are a no-op.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.Record, error) {
	var (
		rec     models.Record
		created int64
		updated sql.NullInt64
		payload string
	)
	err := row.Scan(&rec.ID, &rec.ClientID, &rec.OrgID, &rec.CreatedBy,
		&created, &updated, &payload)
	if err != nil {
		return models.Record{}, err
	}
	rec.CreatedAt = fromMillis(created)
	if updated.Valid {
		t := fromMillis(updated.Int64)
		rec.UpdatedAt = &t
	}
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]models.Record, error) {
	var records []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return records, nil
}
