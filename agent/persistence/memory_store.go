package persistence

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of RecordStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	records map[string]map[string]*Record
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryStore creates a new in-memory record store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]*Record)}
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Put upserts a record
func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	byID, ok := s.records[rec.Kind]
	if !ok {
		byID = make(map[string]*Record)
		s.records[rec.Kind] = byID
	}
	stamp(rec, byID[rec.ID])
	byID[rec.ID] = cloneRecord(rec)
	return nil
}

// Get retrieves a record
func (s *MemoryStore) Get(ctx context.Context, kind, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Find retrieves records of a kind matching the filter
func (s *MemoryStore) Find(ctx context.Context, kind string, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Record, 0)
	for _, rec := range s.records[kind] {
		if matchesLabels(rec, filter.Labels) {
			out = append(out, cloneRecord(rec))
		}
	}
	return finalize(out, filter.Limit), nil
}

// Delete removes a record
func (s *MemoryStore) Delete(ctx context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.records[kind][id]; !ok {
		return ErrNotFound
	}
	delete(s.records[kind], id)
	return nil
}
