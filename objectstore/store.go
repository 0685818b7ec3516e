// Package objectstore is the content-addressed byte store spilled payloads
// live in. Content is addressed by its SHA-256 hash so no two spills
// collide and repeated uploads of identical bytes dedupe for free.
package objectstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/lyzr/flowengine/model"
)

// Store is the logical {upload, download} pair the scheduler's spill
// mechanism depends on.
type Store interface {
	Put(ctx context.Context, data []byte, mediaType string) (ref string, err error)
	Get(ctx context.Context, ref string) (data []byte, mediaType string, err error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// refFor derives the content-addressed ref for data.
func refFor(data []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(data))
}

type entry struct {
	data      []byte
	mediaType string
}

// MemoryStore is an in-process Store, the default for tests and the
// in-memory demo run.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]entry
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]entry)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte, mediaType string) (string, error) {
	ref := refFor(data)
	s.mu.Lock()
	s.objects[ref] = entry{data: append([]byte(nil), data...), mediaType: mediaType}
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, string, error) {
	s.mu.RLock()
	e, ok := s.objects[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, "", &model.NotFoundError{Kind: "object", ID: ref}
	}
	return append([]byte(nil), e.data...), e.mediaType, nil
}

// Len reports how many distinct objects the store holds.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *MemoryStore) Exists(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[ref]
	s.mu.RUnlock()
	return ok, nil
}
