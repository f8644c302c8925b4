package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps identifiers in process memory. It does not survive restarts
// and is meant for tests and validate-only runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStore) Seen(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *MemoryStore) Record(ctx context.Context, id string) error {
	_, err := s.Claim(ctx, id)
	return err
}

func (s *MemoryStore) Claim(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		return false, nil
	}
	s.records[id] = s.now().UTC()
	return true, nil
}

func (s *MemoryStore) Forget(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Lookup(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{Identifier: id, FirstSeen: ts}, nil
}

// Len returns the number of recorded identifiers.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error { return nil }
