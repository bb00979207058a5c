package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps records in memory and persists one JSON file per kind.
// Suitable for single-node deployments.
type FileStore struct {
	baseDir string
	mem     *MemoryStore
	// writeMu serializes file rewrites.
	writeMu sync.Mutex
}

// NewFileStore creates a file store rooted at config.BaseDir and loads
// existing records.
func NewFileStore(config StoreConfig) (*FileStore, error) {
	baseDir := config.BaseDir
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create record store directory: %w", err)
	}
	s := &FileStore{baseDir: baseDir, mem: NewMemoryStore()}
	if err := s.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load records from disk: %w", err)
	}
	return s, nil
}

func (s *FileStore) kindPath(kind string) string {
	return filepath.Join(s.baseDir, kind+".json")
}

func (s *FileStore) loadFromDisk() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, e.Name()))
		if err != nil {
			return err
		}
		var records map[string]*Record
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		kind := strings.TrimSuffix(e.Name(), ".json")
		byID := make(map[string]*Record, len(records))
		for id, rec := range records {
			byID[id] = rec
		}
		s.mem.records[kind] = byID
	}
	return nil
}

// saveKind rewrites the file for one kind atomically: temp file then rename.
func (s *FileStore) saveKind(kind string) error {
	s.mem.mu.RLock()
	data, err := json.MarshalIndent(s.mem.records[kind], "", "  ")
	s.mem.mu.RUnlock()
	if err != nil {
		return err
	}

	path := s.kindPath(kind)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// Close closes the store
func (s *FileStore) Close() error {
	return s.mem.Close()
}

// Ping checks if the store is healthy
func (s *FileStore) Ping(ctx context.Context) error {
	return s.mem.Ping(ctx)
}

// Put upserts a record and flushes its kind to disk
func (s *FileStore) Put(ctx context.Context, rec *Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.mem.Put(ctx, rec); err != nil {
		return err
	}
	return s.saveKind(rec.Kind)
}

// Get retrieves a record
func (s *FileStore) Get(ctx context.Context, kind, id string) (*Record, error) {
	return s.mem.Get(ctx, kind, id)
}

// Find retrieves records of a kind matching the filter
func (s *FileStore) Find(ctx context.Context, kind string, filter Filter) ([]*Record, error) {
	return s.mem.Find(ctx, kind, filter)
}

// Delete removes a record and flushes its kind to disk
func (s *FileStore) Delete(ctx context.Context, kind, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.mem.Delete(ctx, kind, id); err != nil {
		return err
	}
	return s.saveKind(kind)
}
