package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/acl"
	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/dispatch"
	"github.com/BaSui01/minionflow/jobs"
	"github.com/BaSui01/minionflow/registry"
	"github.com/BaSui01/minionflow/registry/modules"
	"github.com/BaSui01/minionflow/runners"
	"github.com/BaSui01/minionflow/transport"
)

// =============================================================================
// 🏗️ 进程内 master
// =============================================================================

// Password 是 Master 中所有静态用户的密码
const Password = "secret"

// Master 是一个完整的进程内 master：loopback minion、内存账本、
// 内存 token 存储、静态 "auto" 后端和已启动的调度引擎。
type Master struct {
	Engine   *dispatch.Engine
	Loopback *transport.Loopback
	Ledger   jobs.Ledger
	Auth     *auth.LoadAuth
	ACL      *acl.Resolver
	AuthCfg  config.AuthConfig
	// Tokens 每个用户预先登录得到的 token
	Tokens map[string]string
}

// MasterOption 调整 Master 的配置
type MasterOption func(*masterConfig)

type masterConfig struct {
	rules    map[string][]any
	dispatch config.DispatchConfig
	extra    []registry.Entry
}

// WithRules 设置 "auto" 后端的 ACL；键即为用户名
func WithRules(rules map[string][]any) MasterOption {
	return func(c *masterConfig) { c.rules = rules }
}

// WithDispatch 修改调度配置
func WithDispatch(fn func(*config.DispatchConfig)) MasterOption {
	return func(c *masterConfig) { fn(&c.dispatch) }
}

// WithMinionEntries 给 minion 注册额外函数
func WithMinionEntries(entries ...registry.Entry) MasterOption {
	return func(c *masterConfig) { c.extra = append(c.extra, entries...) }
}

// NewMaster 启动一个 Master，测试结束时自动关闭。
// 默认规则: alice 拥有全部权限与 @runner，bob 只能执行 test.ping。
func NewMaster(t testing.TB, ids []string, opts ...MasterOption) *Master {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	mc := &masterConfig{
		rules: map[string][]any{
			"alice": {".*", "@runner"},
			"bob":   {"test.ping"},
		},
		dispatch: config.DefaultDispatchConfig(),
	}
	mc.dispatch.Timeout = 2 * time.Second
	mc.dispatch.GatherJobTimeout = time.Second
	mc.dispatch.BatchWait = 2 * time.Second
	for _, opt := range opts {
		opt(mc)
	}

	minionReg, err := registry.New(registry.WithEntries(append(modules.Builtins(), mc.extra...)...))
	if err != nil {
		t.Fatalf("minion registry: %v", err)
	}
	lb := transport.NewLoopback(ids, minionReg, config.TransportConfig{
		PoolSize:        4,
		CheckoutTimeout: time.Second,
		SigningKey:      "test-key",
		PingTimeout:     200 * time.Millisecond,
	}, logger)
	if err := lb.Start(ctx); err != nil {
		t.Fatalf("start loopback: %v", err)
	}
	t.Cleanup(func() { _ = lb.Close() })

	hash, err := auth.HashPassword(Password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	authCfg := config.DefaultAuthConfig()
	authCfg.StaticUsers = make(map[string]config.StaticUser, len(mc.rules))
	for name := range mc.rules {
		authCfg.StaticUsers[name] = config.StaticUser{PasswordHash: hash}
	}
	authCfg.ExternalAuth = map[string]map[string][]any{"auto": mc.rules}

	m := &Master{
		Loopback: lb,
		Ledger:   jobs.NewMemoryLedger(),
		ACL:      acl.NewResolver(authCfg),
		AuthCfg:  authCfg,
		Tokens:   make(map[string]string, len(mc.rules)),
	}
	m.Auth = auth.NewLoadAuth(auth.NewMemoryStore(), auth.NewBackends(auth.NewStaticBackend(authCfg.StaticUsers)), authCfg,
		auth.WithLogger(logger))
	for name := range mc.rules {
		tok, err := m.Auth.Authenticate(ctx, auth.AuthRequest{Eauth: "auto", Username: name, Password: Password})
		if err != nil {
			t.Fatalf("login %s: %v", name, err)
		}
		m.Tokens[name] = tok.Value
	}

	runnerReg, err := registry.New(registry.WithEntries(runners.Builtins(runners.Deps{Ledger: m.Ledger, Channel: lb})...))
	if err != nil {
		t.Fatalf("runner registry: %v", err)
	}
	m.Engine, err = dispatch.New(dispatch.Deps{
		Auth:     m.Auth,
		ACL:      m.ACL,
		Ledger:   m.Ledger,
		Registry: runnerReg,
		Channel:  lb,
	}, mc.dispatch, authCfg, dispatch.WithLogger(logger))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := m.Engine.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(m.Engine.Close)
	return m
}
