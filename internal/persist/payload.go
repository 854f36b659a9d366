package persist

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var errNoPayloadStore = errors.New("version row is offloaded but no payload store is configured")

// PayloadStore holds oversized payloads outside the relational row, keyed by
// an opaque resource_payload_key recorded on the version row.
type PayloadStore interface {
	Store(ctx context.Context, resourceID int64, payload []byte) (key string, err error)
	Fetch(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// MemoryPayloadStore is an in-process PayloadStore for tests and
// single-node deployments without Cassandra.
type MemoryPayloadStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryPayloadStore() *MemoryPayloadStore {
	return &MemoryPayloadStore{blobs: make(map[string][]byte)}
}

func (s *MemoryPayloadStore) Store(_ context.Context, _ int64, payload []byte) (string, error) {
	key := uuid.New().String()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.mu.Lock()
	s.blobs[key] = cp
	s.mu.Unlock()
	return key, nil
}

func (s *MemoryPayloadStore) Fetch(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *MemoryPayloadStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}
