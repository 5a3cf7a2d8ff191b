package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rtspbridge/internal/models"
)

func testRecord(name string, port int) models.StreamRecord {
	return models.StreamRecord{
		Config: models.StreamConfig{
			Name:      name,
			SourceURL: "rtmp://src.example.com/live/" + name,
			RTSPPort:  port,
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		},
		Status: models.StreamStatus{
			Running:       false,
			Reason:        "starting",
			LastCheckedAt: time.Now().UTC().Truncate(time.Millisecond),
		},
	}
}

func newTestFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streams.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return store, path
}

func TestFileStorePutGetDelete(t *testing.T) {
	store, _ := newTestFileStore(t)

	record := testRecord("cam1", 8554)
	if err := store.Put(record); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get("cam1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Config != record.Config {
		t.Fatalf("config mismatch: got %+v want %+v", got.Config, record.Config)
	}
	if got.Status.Reason != "starting" {
		t.Fatalf("unexpected status reason: %q", got.Status.Reason)
	}

	if err := store.Delete("cam1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get("cam1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete("cam1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestFileStoreRejectsDuplicateName(t *testing.T) {
	store, _ := newTestFileStore(t)

	original := testRecord("cam1", 8554)
	if err := store.Put(original); err != nil {
		t.Fatalf("put: %v", err)
	}

	replacement := testRecord("cam1", 9000)
	if err := store.Put(replacement); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	got, err := store.Get("cam1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Config.RTSPPort != 8554 {
		t.Fatalf("duplicate put must leave the original untouched, got port %d", got.Config.RTSPPort)
	}
}

func TestFileStoreListPreservesInsertionOrder(t *testing.T) {
	store, path := newTestFileStore(t)

	names := []string{"zulu", "alpha", "mike", "bravo"}
	for i, name := range names {
		if err := store.Put(testRecord(name, 8554+i)); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
	}

	assertOrder := func(t *testing.T, store *FileStore, want []string) {
		t.Helper()
		records := store.List()
		if len(records) != len(want) {
			t.Fatalf("expected %d records, got %d", len(want), len(records))
		}
		for i, name := range want {
			if records[i].Config.Name != name {
				t.Fatalf("position %d: got %s want %s", i, records[i].Config.Name, name)
			}
		}
	}
	assertOrder(t, store, names)

	// Deleting from the middle and inserting a new name keeps the survivors
	// in their original order with the newcomer last.
	if err := store.Delete("mike"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Put(testRecord("oscar", 8600)); err != nil {
		t.Fatalf("put: %v", err)
	}
	want := []string{"zulu", "alpha", "bravo", "oscar"}
	assertOrder(t, store, want)

	// Order must survive a reopen.
	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	assertOrder(t, reopened, want)
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	store, path := newTestFileStore(t)

	record := testRecord("cam1", 8554)
	record.Status = models.StreamStatus{
		Running:       true,
		Reason:        "healthy",
		LastCheckedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := store.Put(record); err != nil {
		t.Fatalf("put: %v", err)
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get("cam1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Config != record.Config {
		t.Fatalf("config did not survive restart: got %+v want %+v", got.Config, record.Config)
	}
	if !got.Status.Running || got.Status.Reason != "healthy" {
		t.Fatalf("status did not survive restart: %+v", got.Status)
	}
}

func TestFileStoreUpdateStatus(t *testing.T) {
	store, _ := newTestFileStore(t)

	if err := store.Put(testRecord("cam1", 8554)); err != nil {
		t.Fatalf("put: %v", err)
	}

	code := 1
	status := models.StreamStatus{
		Running:       false,
		Reason:        "worker exited with code 1",
		LastCheckedAt: time.Now().UTC(),
		ExitCode:      &code,
	}
	if err := store.UpdateStatus("cam1", status); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := store.Get("cam1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status.Running || got.Status.Reason != status.Reason {
		t.Fatalf("status not updated: %+v", got.Status)
	}
	if got.Status.ExitCode == nil || *got.Status.ExitCode != 1 {
		t.Fatalf("exit code not recorded: %+v", got.Status.ExitCode)
	}

	if err := store.UpdateStatus("ghost", status); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing name, got %v", err)
	}
}

func TestFileStoreRollsBackOnPersistFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.json")
	fail := false
	store, err := NewFileStore(path, withPersistOverride(func(dataset) error {
		if fail {
			return fmt.Errorf("disk full")
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	if err := store.Put(testRecord("cam1", 8554)); err != nil {
		t.Fatalf("put: %v", err)
	}

	fail = true
	if err := store.Put(testRecord("cam2", 8555)); err == nil {
		t.Fatalf("expected persist failure to surface")
	}
	if _, err := store.Get("cam2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed put must not leave a record behind, got %v", err)
	}
	if err := store.Delete("cam1"); err == nil {
		t.Fatalf("expected persist failure to surface")
	}
	if _, err := store.Get("cam1"); err != nil {
		t.Fatalf("failed delete must keep the record, got %v", err)
	}
}

func TestFileStoreLoadsEmptyAndMissingFiles(t *testing.T) {
	dir := t.TempDir()

	missing, err := NewFileStore(filepath.Join(dir, "absent.json"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if got := missing.List(); len(got) != 0 {
		t.Fatalf("expected empty store, got %d records", len(got))
	}

	emptyPath := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(emptyPath, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	empty, err := NewFileStore(emptyPath)
	if err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if got := empty.List(); len(got) != 0 {
		t.Fatalf("expected empty store, got %d records", len(got))
	}
}

func TestFileStoreCloseIsNoop(t *testing.T) {
	store, _ := newTestFileStore(t)
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}
