package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"rtspbridge/internal/models"
)

type fileEntry struct {
	Position int64               `json:"position"`
	Record   models.StreamRecord `json:"record"`
}

type dataset struct {
	Streams map[string]fileEntry `json:"streams"`
	NextPos int64                `json:"nextPosition"`
}

func newDataset() dataset {
	return dataset{Streams: make(map[string]fileEntry)}
}

// FileStore keeps the registry in memory and mirrors every mutation to a
// single JSON file, replaced atomically on each write.
type FileStore struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// FileOption mutates file store configuration.
type FileOption func(*FileStore)

func withPersistOverride(fn func(dataset) error) FileOption {
	return func(s *FileStore) {
		s.persistOverride = fn
	}
}

// NewFileStore opens (or creates) the JSON-backed store at path and loads
// every persisted record into memory.
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	store := &FileStore{filePath: path}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]fileEntry)
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	return s.persistDataset(s.data)
}

func (s *FileStore) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "streams-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Put inserts a new record, or returns ErrDuplicateName.
func (s *FileStore) Put(record models.StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := record.Config.Name
	if _, exists := s.data.Streams[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	entry := fileEntry{Position: s.data.NextPos, Record: record}
	s.data.Streams[name] = entry
	s.data.NextPos++
	if err := s.persistLocked(); err != nil {
		delete(s.data.Streams, name)
		s.data.NextPos--
		return err
	}
	return nil
}

// Get returns the record for name, or ErrNotFound.
func (s *FileStore) Get(name string) (models.StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.data.Streams[name]
	if !ok {
		return models.StreamRecord{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return entry.Record, nil
}

// List returns every record ordered by insertion.
func (s *FileStore) List() []models.StreamRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]fileEntry, 0, len(s.data.Streams))
	for _, entry := range s.data.Streams {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Position < entries[j].Position
	})
	records := make([]models.StreamRecord, len(entries))
	for i, entry := range entries {
		records[i] = entry.Record
	}
	return records
}

// Delete removes the record for name, or returns ErrNotFound.
func (s *FileStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data.Streams[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(s.data.Streams, name)
	if err := s.persistLocked(); err != nil {
		s.data.Streams[name] = entry
		return err
	}
	return nil
}

// UpdateStatus replaces the stored status for name, or returns ErrNotFound
// when the record has been deleted.
func (s *FileStore) UpdateStatus(name string, status models.StreamStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data.Streams[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	previous := entry.Record.Status
	entry.Record.Status = status
	s.data.Streams[name] = entry
	if err := s.persistLocked(); err != nil {
		entry.Record.Status = previous
		s.data.Streams[name] = entry
		return err
	}
	return nil
}

// Close is a no-op for the file store; the interface requires it so callers
// can treat every driver uniformly.
func (s *FileStore) Close(ctx context.Context) error {
	return nil
}
