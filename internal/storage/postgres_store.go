package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rtspbridge/internal/models"
)

const postgresOpTimeout = 5 * time.Second

// uniqueViolation is the Postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS streams (
	position        BIGSERIAL PRIMARY KEY,
	name            TEXT        NOT NULL UNIQUE,
	source_url      TEXT        NOT NULL,
	rtsp_port       INTEGER     NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	running         BOOLEAN     NOT NULL DEFAULT FALSE,
	reason          TEXT        NOT NULL DEFAULT '',
	last_checked_at TIMESTAMPTZ,
	exit_code       INTEGER
)`

// PostgresConfig tunes the connection pool backing the Postgres store.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
	Logger          *slog.Logger
}

// PostgresStore persists the registry in a Postgres table behind a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore opens a Postgres-backed store and ensures its schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := &PostgresStore{pool: pool, logger: logger}
	schemaCtx, cancel := context.WithTimeout(ctx, postgresOpTimeout)
	defer cancel()
	if _, err := pool.Exec(schemaCtx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), postgresOpTimeout)
}

// Put inserts a new record, or returns ErrDuplicateName.
func (s *PostgresStore) Put(record models.StreamRecord) error {
	ctx, cancel := s.opContext()
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO streams (name, source_url, rtsp_port, created_at, running, reason, last_checked_at, exit_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.Config.Name,
		record.Config.SourceURL,
		record.Config.RTSPPort,
		record.Config.CreatedAt.UTC(),
		record.Status.Running,
		record.Status.Reason,
		nullableTime(record.Status.LastCheckedAt),
		record.Status.ExitCode,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateName, record.Config.Name)
		}
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

// Get returns the record for name, or ErrNotFound.
func (s *PostgresStore) Get(name string) (models.StreamRecord, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT name, source_url, rtsp_port, created_at, running, reason, last_checked_at, exit_code
		FROM streams WHERE name = $1`, name)
	record, err := scanPostgresStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StreamRecord{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("select stream: %w", err)
	}
	return record, nil
}

// List returns every record ordered by insertion.
func (s *PostgresStore) List() []models.StreamRecord {
	ctx, cancel := s.opContext()
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT name, source_url, rtsp_port, created_at, running, reason, last_checked_at, exit_code
		FROM streams ORDER BY position`)
	if err != nil {
		s.logger.Error("stream listing failed", "error", err)
		return nil
	}
	defer rows.Close()

	var records []models.StreamRecord
	for rows.Next() {
		record, err := scanPostgresStream(rows)
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
func (s *PostgresStore) Delete(name string) error {
	ctx, cancel := s.opContext()
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM streams WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// UpdateStatus replaces the stored status for name, or returns ErrNotFound.
func (s *PostgresStore) UpdateStatus(name string, status models.StreamStatus) error {
	ctx, cancel := s.opContext()
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE streams SET running = $1, reason = $2, last_checked_at = $3, exit_code = $4
		WHERE name = $5`,
		status.Running,
		status.Reason,
		nullableTime(status.LastCheckedAt),
		status.ExitCode,
		name,
	)
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// Close drains the pool; it respects the caller's deadline.
func (s *PostgresStore) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func scanPostgresStream(row pgx.Row) (models.StreamRecord, error) {
	var (
		record    models.StreamRecord
		checkedAt *time.Time
		exitCode  *int32
	)
	err := row.Scan(
		&record.Config.Name,
		&record.Config.SourceURL,
		&record.Config.RTSPPort,
		&record.Config.CreatedAt,
		&record.Status.Running,
		&record.Status.Reason,
		&checkedAt,
		&exitCode,
	)
	if err != nil {
		return models.StreamRecord{}, err
	}
	if checkedAt != nil {
		record.Status.LastCheckedAt = *checkedAt
	}
	if exitCode != nil {
		code := int(*exitCode)
		record.Status.ExitCode = &code
	}
	return record, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
