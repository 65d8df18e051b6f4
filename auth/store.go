package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrTokenNotFound is returned when no record exists for a value.
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenExists is returned by Create when the value is taken.
	ErrTokenExists = errors.New("token already exists")
)

// TokenStore persists serialized token records keyed by token value.
// Implementations serialize writes per key only.
type TokenStore interface {
	// Create stores data under value, failing with ErrTokenExists if taken.
	Create(ctx context.Context, value string, data []byte) error
	// Get returns the raw record or ErrTokenNotFound.
	Get(ctx context.Context, value string) ([]byte, error)
	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, value string) (bool, error)
	// List returns every stored token value.
	List(ctx context.Context) ([]string, error)
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string][]byte)}
}

// Create implements TokenStore.
func (s *MemoryStore) Create(_ context.Context, value string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[value]; ok {
		return ErrTokenExists
	}
	s.tokens[value] = append([]byte(nil), data...)
	return nil
}

// Get implements TokenStore.
func (s *MemoryStore) Get(_ context.Context, value string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.tokens[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete implements TokenStore.
func (s *MemoryStore) Delete(_ context.Context, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[value]
	delete(s.tokens, value)
	return ok, nil
}

// List implements TokenStore.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tokens))
	for v := range s.tokens {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

// put overwrites a record. Tests use it to plant corrupt data.
func (s *MemoryStore) put(value string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[value] = data
}
