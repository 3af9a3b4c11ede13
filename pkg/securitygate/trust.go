package securitygate

import (
	"context"
	"sync"
	"time"
)

// TrustRecord is stored per approved content hash.
type TrustRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// TrustStore persists operator-approved content hashes. Implementations
// never evict entries.
type TrustStore interface {
	Lookup(ctx context.Context, hash string) (TrustRecord, bool, error)
	Put(ctx context.Context, hash string, rec TrustRecord) error
}

// MemoryTrustStore is an in-process TrustStore.
type MemoryTrustStore struct {
	mu      sync.RWMutex
	records map[string]TrustRecord
}

// NewMemoryTrustStore creates an empty in-memory trust store.
func NewMemoryTrustStore() *MemoryTrustStore {
	return &MemoryTrustStore{records: make(map[string]TrustRecord)}
}

func (s *MemoryTrustStore) Lookup(_ context.Context, hash string) (TrustRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[hash]
	return rec, ok, nil
}

func (s *MemoryTrustStore) Put(_ context.Context, hash string, rec TrustRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[hash] = rec
	return nil
}
