package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"rtspbridge/internal/models"
)

const sqliteOpTimeout = 5 * time.Second

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS streams (
	position        INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT    NOT NULL UNIQUE,
	source_url      TEXT    NOT NULL,
	rtsp_port       INTEGER NOT NULL,
	created_at      TEXT    NOT NULL,
	running         INTEGER NOT NULL DEFAULT 0,
	reason          TEXT    NOT NULL DEFAULT '',
	last_checked_at TEXT    NOT NULL DEFAULT '',
	exit_code       INTEGER
);
`

// SQLiteStore persists the registry in a single SQLite database file.
// Uniqueness of names is enforced by the schema; the autoincrement position
// column preserves insertion order across restarts.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

type sqliteOption func(*SQLiteStore)

func withSQLiteLogger(logger *slog.Logger) sqliteOption {
	return func(s *SQLiteStore) {
		s.logger = logger
	}
}

// NewSQLiteStore opens (or creates) the SQLite database at path and ensures
// the schema exists. The parent directory must already be writable.
func NewSQLiteStore(ctx context.Context, path string, opts ...sqliteOption) (*SQLiteStore, error) {
	// WAL keeps readers from blocking the reconciler's status writes;
	// busy_timeout avoids spurious "database is locked" errors.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, sqliteOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite store: %w", err)
	}
	if _, err := db.ExecContext(pingCtx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	store := &SQLiteStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

func (s *SQLiteStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sqliteOpTimeout)
}

// Put inserts a new record, or returns ErrDuplicateName.
func (s *SQLiteStore) Put(record models.StreamRecord) error {
	ctx, cancel := s.opContext()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (name, source_url, rtsp_port, created_at, running, reason, last_checked_at, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Config.Name,
		record.Config.SourceURL,
		record.Config.RTSPPort,
		record.Config.CreatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(record.Status.Running),
		record.Status.Reason,
		formatTime(record.Status.LastCheckedAt),
		record.Status.ExitCode,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s", ErrDuplicateName, record.Config.Name)
		}
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

// Get returns the record for name, or ErrNotFound.
func (s *SQLiteStore) Get(name string) (models.StreamRecord, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT name, source_url, rtsp_port, created_at, running, reason, last_checked_at, exit_code
		FROM streams WHERE name = ?`, name)
	record, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StreamRecord{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("select stream: %w", err)
	}
	return record, nil
}

// List returns every record ordered by insertion.
func (s *SQLiteStore) List() []models.StreamRecord {
	ctx, cancel := s.opContext()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, source_url, rtsp_port, created_at, running, reason, last_checked_at, exit_code
		FROM streams ORDER BY position`)
	if err != nil {
		s.logger.Error("stream listing failed", "error", err)
		return nil
	}
	defer rows.Close()

	var records []models.StreamRecord
	for rows.Next() {
		record, err := scanStream(rows)
		if err != nil {
			s.logger.Warn("dropping unreadable stream row", "error", err)
			continue
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("stream listing truncated", "count", len(records), "error", err)
	}
	return records
}

// Delete removes the record for name, or returns ErrNotFound.
func (s *SQLiteStore) Delete(name string) error {
	ctx, cancel := s.opContext()
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// UpdateStatus replaces the stored status for name, or returns ErrNotFound.
func (s *SQLiteStore) UpdateStatus(name string, status models.StreamStatus) error {
	ctx, cancel := s.opContext()
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE streams SET running = ?, reason = ?, last_checked_at = ?, exit_code = ?
		WHERE name = ?`,
		boolToInt(status.Running),
		status.Reason,
		formatTime(status.LastCheckedAt),
		status.ExitCode,
		name,
	)
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (models.StreamRecord, error) {
	var (
		record    models.StreamRecord
		createdAt string
		running   int
		checkedAt string
		exitCode  sql.NullInt64
	)
	err := row.Scan(
		&record.Config.Name,
		&record.Config.SourceURL,
		&record.Config.RTSPPort,
		&createdAt,
		&running,
		&record.Status.Reason,
		&checkedAt,
		&exitCode,
	)
	if err != nil {
		return models.StreamRecord{}, err
	}
	record.Config.CreatedAt = parseTime(createdAt)
	record.Status.Running = running != 0
	record.Status.LastCheckedAt = parseTime(checkedAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		record.Status.ExitCode = &code
	}
	return record, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
