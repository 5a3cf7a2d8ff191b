// Package storage persists the authoritative stream registry: the mapping
// from stream name to its configuration and last known status. Three
// implementations share the Store interface so the supervisor can run against
// a JSON file in development, SQLite on single hosts, and Postgres in larger
// deployments.
package storage

import (
	"context"
	"errors"

	"rtspbridge/internal/models"
)

var (
	// ErrNotFound is returned when no record exists for the requested name.
	ErrNotFound = errors.New("stream not found")
	// ErrDuplicateName is returned when a Put would shadow an existing record.
	ErrDuplicateName = errors.New("stream name already exists")
)

// Store is the durable registry consumed by the supervisor. Every mutating
// call persists before returning success; a crash immediately afterwards
// never loses the mutation or exposes a half-written record.
type Store interface {
	// Put inserts a new record. It fails with ErrDuplicateName when the
	// name is already registered; the existing record is left untouched.
	Put(record models.StreamRecord) error

	// Get returns the record for name, or ErrNotFound.
	Get(name string) (models.StreamRecord, error)

	// List returns all records in insertion order. The order is stable
	// across restarts.
	List() []models.StreamRecord

	// Delete removes the record and its status atomically, or returns
	// ErrNotFound.
	Delete(name string) error

	// UpdateStatus replaces the stored status for name. It returns
	// ErrNotFound when the record has been deleted; callers reconciling
	// asynchronously treat that as a dropped write, not a failure.
	UpdateStatus(name string, status models.StreamStatus) error

	// Close releases any resources held by the store.
	Close(ctx context.Context) error
}
