package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/minionflow/internal/cache"
)

// RedisStore keeps tokens in Redis under <prefix>token:<value>. Records
// carry no Redis TTL: expiry is decided by the record so an expired token
// is still found, reported absent, and removed.
type RedisStore struct {
	redis *cache.Manager
}

// NewRedisStore creates a store on a shared redis manager.
func NewRedisStore(m *cache.Manager) *RedisStore {
	return &RedisStore{redis: m}
}

func (s *RedisStore) key(value string) string {
	return s.redis.Key("token", value)
}

// Create implements TokenStore.
func (s *RedisStore) Create(ctx context.Context, value string, data []byte) error {
	ok, err := s.redis.SetNX(ctx, s.key(value), string(data), 0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTokenExists
	}
	return nil
}

// Get implements TokenStore.
func (s *RedisStore) Get(ctx context.Context, value string) ([]byte, error) {
	val, err := s.redis.Get(ctx, s.key(value))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

// Delete implements TokenStore.
func (s *RedisStore) Delete(ctx context.Context, value string) (bool, error) {
	return s.redis.Remove(ctx, s.key(value))
}

// List implements TokenStore.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	prefix := s.key("")
	keys, err := s.redis.ScanKeys(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(out)
	return out, nil
}
