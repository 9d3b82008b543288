// Package sqlite provides the SQLite-backed queue snapshot and attempt
// history store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/magickw/linkDAO-sub002/internal/platform/storage/sqlitemigrate"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/storage"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed queue persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a writequeue SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// LoadSnapshot returns the persisted queue record.
func (s *Store) LoadSnapshot(ctx context.Context) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Snapshot{}, fmt.Errorf("storage is not configured")
	}

	var (
		snapshot  storage.Snapshot
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT schema_version, body, updated_at
FROM action_queue_snapshot
WHERE id = 1
`).Scan(&snapshot.SchemaVersion, &snapshot.Body, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNoSnapshot
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("load queue snapshot: %w", err)
	}
	snapshot.UpdatedAt = fromMillis(updatedAt)
	return snapshot, nil
}

// SaveSnapshot replaces the persisted queue record.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if snapshot.Body == nil {
		snapshot.Body = []byte{}
	}
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO action_queue_snapshot (id, schema_version, body, updated_at)
VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	schema_version = excluded.schema_version,
	body = excluded.body,
	updated_at = excluded.updated_at
`,
		snapshot.SchemaVersion,
		snapshot.Body,
		toMillis(snapshot.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save queue snapshot: %w", err)
	}
	return nil
}

// RecordAttempt persists one dispatch attempt.
func (s *Store) RecordAttempt(ctx context.Context, attempt storage.AttemptRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	attempt.ActionID = strings.TrimSpace(attempt.ActionID)
	attempt.Kind = strings.TrimSpace(attempt.Kind)
	attempt.Outcome = strings.TrimSpace(attempt.Outcome)
	attempt.LastError = strings.TrimSpace(attempt.LastError)
	if attempt.ActionID == "" {
		return fmt.Errorf("action id is required")
	}
	if attempt.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if attempt.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO action_attempts (
	action_id,
	kind,
	outcome,
	attempt,
	last_error,
	created_at
) VALUES (?, ?, ?, ?, ?, ?)
`,
		attempt.ActionID,
		attempt.Kind,
		attempt.Outcome,
		attempt.Attempt,
		attempt.LastError,
		toMillis(attempt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts lists newest-first attempt records, optionally for one action.
func (s *Store) ListAttempts(ctx context.Context, actionID string, limit int) ([]storage.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	actionID = strings.TrimSpace(actionID)
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id,
	action_id,
	kind,
	outcome,
	attempt,
	last_error,
	created_at
FROM action_attempts
WHERE ? = '' OR action_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, actionID, actionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	records := make([]storage.AttemptRecord, 0, limit)
	for rows.Next() {
		var record storage.AttemptRecord
		var createdAt int64
		if err := rows.Scan(
			&record.ID,
			&record.ActionID,
			&record.Kind,
			&record.Outcome,
			&record.Attempt,
			&record.LastError,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return records, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var (
	_ storage.SnapshotStore = (*Store)(nil)
	_ storage.AttemptStore  = (*Store)(nil)
)
