// Package blob is the content-addressable store backing context item
// content_refs: payloads too large to inline travel by hash.
package blob

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/tandemlab/tandem/internal/protocol"
)

// Hash returns the hex BLAKE2b-256 digest addressing a payload.
func Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is the content store contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Store writes the payload and returns its hash. Storing the same
	// bytes twice is a no-op returning the same hash.
	Store(ctx context.Context, data []byte) (string, error)
	// Retrieve returns the payload for a hash, or a NOT_FOUND error.
	Retrieve(ctx context.Context, hash string) ([]byte, error)
	// Has reports whether the hash is present.
	Has(ctx context.Context, hash string) (bool, error)
	// Delete removes a payload. Deleting an absent hash is a no-op.
	Delete(ctx context.Context, hash string) error
}

// MemoryStore keeps blobs in process memory, for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Store(_ context.Context, data []byte) (string, error) {
	hash := Hash(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		s.blobs[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

func (s *MemoryStore) Retrieve(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, protocol.NotFound("no blob %s", hash)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Has(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, hash)
	return nil
}

// ErrIntegrity reports a payload whose bytes no longer match its address.
var ErrIntegrity = errors.New("blob content does not match its hash")
