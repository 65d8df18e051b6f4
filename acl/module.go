package acl

import (
	"context"
	"errors"

	"github.com/BaSui01/minionflow/internal/cache"
)

// Subject is the resolved user an ACL module is asked about.
type Subject struct {
	Eauth  string
	Name   string
	Groups []string
}

// Module computes auth lists outside the static configuration.
type Module interface {
	ACL(ctx context.Context, s Subject) ([]any, error)
}

// ModuleFunc adapts a function to Module.
type ModuleFunc func(ctx context.Context, s Subject) ([]any, error)

// ACL implements Module.
func (f ModuleFunc) ACL(ctx context.Context, s Subject) ([]any, error) { return f(ctx, s) }

// RedisModule reads auth lists shared through Redis. The list of a user
// is stored as JSON under <prefix>acl:<eauth>:<name>, group lists under
// <prefix>acl:<eauth>:<group>%.
type RedisModule struct {
	redis *cache.Manager
}

// NewRedisModule creates the "redis" ACL module.
func NewRedisModule(m *cache.Manager) *RedisModule {
	return &RedisModule{redis: m}
}

// Key returns the key a user or group list is stored under.
func (r *RedisModule) Key(eauth, name string) string {
	return r.redis.Key("acl", eauth, name)
}

// Put stores the list for a user or, with a trailing "%", a group.
func (r *RedisModule) Put(ctx context.Context, eauth, name string, list []any) error {
	return r.redis.SetJSON(ctx, r.Key(eauth, name), list, -1)
}

// ACL implements Module.
func (r *RedisModule) ACL(ctx context.Context, s Subject) ([]any, error) {
	keys := make([]string, 0, len(s.Groups)+1)
	keys = append(keys, r.Key(s.Eauth, s.Name))
	for _, g := range s.Groups {
		keys = append(keys, r.Key(s.Eauth, g+"%"))
	}

	out := []any{}
	for _, k := range keys {
		var list []any
		err := r.redis.GetJSON(ctx, k, &list)
		if errors.Is(err, cache.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	return out, nil
}
