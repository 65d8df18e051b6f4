package acl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/internal/cache"
)

type mapGroups map[string][]string

func (m mapGroups) GroupsFor(_ context.Context, eauth, name string) ([]string, error) {
	return m[eauth+"/"+name], nil
}

func staticConfig() config.AuthConfig {
	return config.AuthConfig{
		ExternalAuth: map[string]map[string][]any{
			"auto": {
				"fred":    {"test.*"},
				"admins%": {"@runner"},
			},
		},
	}
}

func TestResolver_TokenSuppliesEauth(t *testing.T) {
	r := NewResolver(staticConfig())
	ctx := context.Background()
	tok := &auth.Token{Name: "fred", Eauth: "auto", Groups: []string{"admins"}}

	fromToken, err := r.GetAuthList(ctx, Load{}, tok)
	require.NoError(t, err)
	fromLoad, err := r.GetAuthList(ctx, Load{Eauth: "auto", Username: "fred"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []any{"@runner", "test.*"}, fromToken)
	assert.Equal(t, []any{"test.*"}, fromLoad, "no group source configured")

	r = NewResolver(staticConfig(), WithGroupSource(mapGroups{"auto/fred": {"admins"}}))
	fromLoad, err = r.GetAuthList(ctx, Load{Eauth: "auto", Username: "fred"}, nil)
	require.NoError(t, err)
	assert.Equal(t, fromToken, fromLoad)
}

func TestResolver_TokenSuppliesEauthToModule(t *testing.T) {
	var seen []Subject
	mod := ModuleFunc(func(_ context.Context, s Subject) ([]any, error) {
		seen = append(seen, s)
		return []any{"grains.*"}, nil
	})
	cfg := config.AuthConfig{EauthACLModule: "custom"}
	r := NewResolver(cfg, WithModule("custom", mod))
	ctx := context.Background()

	viaToken, err := r.GetAuthList(ctx, Load{}, &auth.Token{Name: "fred", Eauth: "ldap"})
	require.NoError(t, err)
	viaLoad, err := r.GetAuthList(ctx, Load{Eauth: "ldap", Username: "fred"}, nil)
	require.NoError(t, err)

	assert.Equal(t, viaLoad, viaToken)
	require.Len(t, seen, 2)
	assert.Equal(t, "ldap", seen[0].Eauth)
	assert.Equal(t, seen[0].Eauth, seen[1].Eauth)
}

func TestResolver_ModuleByEauthName(t *testing.T) {
	r := NewResolver(config.AuthConfig{}, WithModule("ldap", ModuleFunc(func(context.Context, Subject) ([]any, error) {
		return nil, nil
	})))
	list, err := r.GetAuthList(context.Background(), Load{Eauth: "ldap", Username: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{}, list)
}

func TestResolver_NoSource(t *testing.T) {
	r := NewResolver(staticConfig())
	ctx := context.Background()

	list, err := r.GetAuthList(ctx, Load{Eauth: "pam", Username: "fred"}, nil)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = r.GetAuthList(ctx, Load{Username: "fred"}, nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestResolver_KeepACLInToken(t *testing.T) {
	cfg := staticConfig()
	cfg.KeepACLInToken = true
	r := NewResolver(cfg)

	tok := &auth.Token{Name: "fred", Eauth: "auto", AuthList: []any{"snapshot.*"}}
	list, err := r.GetAuthList(context.Background(), Load{}, tok)
	require.NoError(t, err)
	assert.Equal(t, []any{"snapshot.*"}, list)

	tok.AuthList = nil
	list, err = r.GetAuthList(context.Background(), Load{}, tok)
	require.NoError(t, err)
	assert.Equal(t, []any{"test.*"}, list)
}

func TestResolver_AsLoginProvider(t *testing.T) {
	cfg := staticConfig()
	cfg.KeepACLInToken = true
	cfg.TokenExpire = time.Hour
	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)

	backends := auth.NewBackends(auth.NewStaticBackend(map[string]config.StaticUser{
		"fred": {PasswordHash: hash, Groups: []string{"admins"}},
	}))
	r := NewResolver(cfg, WithGroupSource(backends))
	la := auth.NewLoadAuth(auth.NewMemoryStore(), backends, cfg, auth.WithACLProvider(r))

	tok, err := la.Authenticate(context.Background(), auth.AuthRequest{Username: "fred", Password: "pw", Eauth: "auto"})
	require.NoError(t, err)
	assert.Equal(t, []any{"@runner", "test.*"}, tok.AuthList)
}

func TestResolver_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  external_auth:\n    auto:\n      fred: ['test.ping']\n"), 0o600))

	ext, err := config.LoadExternalAuth(path)
	require.NoError(t, err)
	r := NewResolver(config.AuthConfig{ExternalAuth: ext}, WithResolverLogger(zap.NewNop()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := r.Watch(ctx, path, config.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	list, err := r.GetAuthList(ctx, Load{Eauth: "auto", Username: "fred"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"test.ping"}, list)

	require.NoError(t, os.WriteFile(path, []byte("auth:\n  external_auth:\n    auto:\n      fred: ['cmd.run']\n    pam:\n      '*': ['test.ping']\n"), 0o600))
	require.Eventually(t, func() bool {
		list, _ := r.GetAuthList(ctx, Load{Eauth: "auto", Username: "fred"}, nil)
		return len(list) == 1 && list[0] == "cmd.run"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"auto", "pam"}, r.Eauths())

	// 删除文件保留最后一次的规则
	require.NoError(t, os.Remove(path))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"auto", "pam"}, r.Eauths())
}

func TestRedisModule(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "mf:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	mod := NewRedisModule(m)
	ctx := context.Background()
	require.NoError(t, mod.Put(ctx, "ldap", "fred", []any{"test.*"}))
	require.NoError(t, mod.Put(ctx, "ldap", "ops%", []any{map[string]any{"web*": []any{"pkg.*"}}}))
	assert.True(t, mr.Exists("mf:acl:ldap:fred"))

	list, err := mod.ACL(ctx, Subject{Eauth: "ldap", Name: "fred", Groups: []string{"ops", "none"}})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, CheckAuthorization(list, Request{Fun: "pkg.install", Target: "web1"}))

	list, err = mod.ACL(ctx, Subject{Eauth: "ldap", Name: "zoe"})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, m.Set(ctx, mod.Key("ldap", "bad"), "{", -1))
	_, err = mod.ACL(ctx, Subject{Eauth: "ldap", Name: "bad"})
	assert.Error(t, err)

	r := NewResolver(config.AuthConfig{EauthACLModule: "redis"}, WithModule("redis", mod))
	list, err = r.GetAuthList(ctx, Load{}, &auth.Token{Name: "fred", Eauth: "ldap"})
	require.NoError(t, err)
	assert.Equal(t, []any{"test.*"}, list)
}
