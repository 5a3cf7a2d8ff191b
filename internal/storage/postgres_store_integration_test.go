package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// openPostgresStoreForTest connects to the database named by
// RTSPBRIDGE_TEST_POSTGRES_DSN and truncates the streams table so each test
// starts clean. Tests are skipped when the variable is unset.
func openPostgresStoreForTest(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("RTSPBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RTSPBRIDGE_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, PostgresConfig{
		DSN:             dsn,
		ApplicationName: fmt.Sprintf("rtspbridge-test-%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	if _, err := store.pool.Exec(ctx, "TRUNCATE streams"); err != nil {
		t.Fatalf("truncate streams: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	})
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := openPostgresStoreForTest(t)

	record := testRecord("cam1", 8554)
	if err := store.Put(record); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(testRecord("cam1", 9000)); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	got, err := store.Get("cam1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Config.SourceURL != record.Config.SourceURL || got.Config.RTSPPort != 8554 {
		t.Fatalf("config mismatch: %+v", got.Config)
	}

	records := store.List()
	if len(records) != 1 || records[0].Config.Name != "cam1" {
		t.Fatalf("unexpected list: %+v", records)
	}

	if err := store.Delete("cam1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete("cam1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
