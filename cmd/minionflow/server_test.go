package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/jobs"
)

var namespaceSeq atomic.Int64

const testPassword = "hunter2"

// testConfig 返回 loopback + 内存组件的配置，alice 拥有全部权限，bob 只能 ping
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Server.RateLimitRPS = 0
	cfg.Transport.LoopbackMinions = []string{"web1", "web2", "db1"}
	cfg.Transport.SigningKey = "test-key"
	cfg.Transport.PingTimeout = 200 * time.Millisecond
	cfg.Dispatch.Timeout = 2 * time.Second
	cfg.Dispatch.GatherJobTimeout = time.Second
	cfg.Auth.StaticUsers = map[string]config.StaticUser{
		"alice": {PasswordHash: hash},
		"bob":   {PasswordHash: hash},
	}
	cfg.Auth.ExternalAuth = map[string]map[string][]any{
		"auto": {
			"alice": {".*", "@runner"},
			"bob":   {"test.ping"},
		},
	}
	cfg.Nodegroups = map[string]string{"webs": "web*"}
	return cfg
}

// startServer 组装 Server（不监听端口），返回指向其 handler 的测试服务器
func startServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(cfg, "", zap.NewNop(), nil)
	s.namespace = fmt.Sprintf("mf_cmd_test_%d", namespaceSeq.Add(1))
	require.NoError(t, s.build(s.ctx))
	t.Cleanup(s.Shutdown)

	srv := httptest.NewServer(s.handler)
	t.Cleanup(srv.Close)
	return s, srv
}

type apiResponse struct {
	status int
	header http.Header
	body   map[string]any
}

func (r apiResponse) data() map[string]any {
	d, _ := r.body["data"].(map[string]any)
	return d
}

func (r apiResponse) errorCode() string {
	e, _ := r.body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func do(t *testing.T, method, url, token string, body any) apiResponse {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := apiResponse{status: resp.StatusCode, header: resp.Header}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out.body))
	return out
}

func login(t *testing.T, base, user string) string {
	t.Helper()
	r := do(t, http.MethodPost, base+"/login", "", map[string]any{
		"eauth": "auto", "username": user, "password": testPassword,
	})
	require.Equal(t, http.StatusOK, r.status, r.body)
	return r.data()["token"].(string)
}

func firstReturn(t *testing.T, r apiResponse) map[string]any {
	t.Helper()
	list, ok := r.data()["return"].([]any)
	require.True(t, ok, r.body)
	require.NotEmpty(t, list)
	return list[0].(map[string]any)
}

func TestServer_LoopbackSession(t *testing.T) {
	_, srv := startServer(t, testConfig(t))
	token := login(t, srv.URL, "alice")

	r := do(t, http.MethodPost, srv.URL+"/", token, map[string]any{
		"client": "local", "fun": "test.ping", "tgt": "webs", "tgt_type": "nodegroup",
	})
	require.Equal(t, http.StatusOK, r.status, r.body)
	reply := firstReturn(t, r)
	assert.Equal(t, map[string]any{"web1": true, "web2": true}, reply["return"])

	// 中间件链：安全头与请求 ID 会出现在响应中
	assert.Equal(t, "DENY", r.header.Get("X-Frame-Options"))
	requestID := r.header.Get("X-Request-ID")
	require.NotEmpty(t, requestID)
	assert.Equal(t, requestID, r.body["request_id"])

	jid := reply["jid"].(string)
	r = do(t, http.MethodGet, srv.URL+"/jobs/"+jid, token, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, jid, r.data()["jid"])
}

func TestServer_ACLFromConfig(t *testing.T) {
	_, srv := startServer(t, testConfig(t))
	token := login(t, srv.URL, "bob")

	r := do(t, http.MethodPost, srv.URL+"/", token, map[string]any{
		"client": "local", "fun": "test.echo", "tgt": "*", "arg": []any{"hi"},
	})
	assert.Equal(t, http.StatusForbidden, r.status)
	assert.Equal(t, "PERMISSION_DENIED", r.errorCode())

	r = do(t, http.MethodPost, srv.URL+"/", token, map[string]any{
		"client": "runner", "fun": "jobs.list_jobs",
	})
	assert.Equal(t, http.StatusForbidden, r.status)
}

func TestServer_RunnerSeesLedger(t *testing.T) {
	_, srv := startServer(t, testConfig(t))
	token := login(t, srv.URL, "alice")

	r := do(t, http.MethodPost, srv.URL+"/", token, map[string]any{
		"client": "local", "fun": "test.ping", "tgt": "db1",
	})
	require.Equal(t, http.StatusOK, r.status, r.body)
	jid := firstReturn(t, r)["jid"].(string)

	r = do(t, http.MethodPost, srv.URL+"/", token, map[string]any{
		"client": "runner", "fun": "jobs.lookup_jid", "kwarg": map[string]any{"jid": jid},
	})
	require.Equal(t, http.StatusOK, r.status, r.body)
	assert.Equal(t, map[string]any{"db1": true}, firstReturn(t, r)["return"])
}

func TestServer_HealthProbes(t *testing.T) {
	_, srv := startServer(t, testConfig(t))

	r := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, r.status)
	r = do(t, http.MethodGet, srv.URL+"/ready", "", nil)
	assert.Equal(t, http.StatusOK, r.status)
	r = do(t, http.MethodGet, srv.URL+"/version", "", nil)
	assert.Equal(t, http.StatusOK, r.status)
}

func TestServer_LocalFSTokenStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.TokenStore = "localfs"
	cfg.Auth.TokenDir = t.TempDir()
	s, srv := startServer(t, cfg)

	token := login(t, srv.URL, "alice")
	tok, ok := s.auth.GetToken(context.Background(), token)
	require.True(t, ok)
	assert.Equal(t, "alice", tok.Name)
}

func TestServer_SQLLedgerRequiresMigration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.Ledger = "sql"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = t.TempDir() + "/ledger.db"

	s := NewServer(cfg, "", zap.NewNop(), nil)
	s.namespace = fmt.Sprintf("mf_cmd_test_%d", namespaceSeq.Add(1))
	defer s.Shutdown()
	err := s.build(s.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate up")
}

func TestServer_SQLLedgerAfterMigration(t *testing.T) {
	if testing.Short() {
		t.Skip("sqlite integration")
	}
	cfg := testConfig(t)
	cfg.Dispatch.Ledger = "sql"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = t.TempDir() + "/ledger.db"
	require.NoError(t, migrateCommand(context.Background(), "up", []string{
		"--db-type", "sqlite", "--db-url", "file:" + cfg.Database.Name,
	}, &bytes.Buffer{}))

	s, srv := startServer(t, cfg)
	token := login(t, srv.URL, "alice")
	r := do(t, http.MethodPost, srv.URL+"/", token, map[string]any{
		"client": "local", "fun": "test.ping", "tgt": "web1",
	})
	require.Equal(t, http.StatusOK, r.status, r.body)
	jid := firstReturn(t, r)["jid"].(string)

	job, err := s.ledger.Get(context.Background(), jid)
	require.NoError(t, err)
	assert.Contains(t, job.Returns, "web1")
}

func TestServer_RedisStack(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.Auth.TokenStore = "redis"
	cfg.Transport.Kind = "redis"
	cfg.Transport.LoopbackMinions = nil
	cfg.Dispatch.LedgerCache = true
	cfg.Minion.ID = "web9"
	cfg.Minion.Heartbeat = 0

	s, srv := startServer(t, cfg)
	require.NotNil(t, s.master)
	require.NotNil(t, s.bridge)

	agent, err := newMinionAgent(cfg, s.cache.Client(), zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return len(s.master.Known()) == 1 }, 2*time.Second, 10*time.Millisecond)

	token := login(t, srv.URL, "alice")
	assert.NotEmpty(t, mr.Keys())

	r := do(t, http.MethodPost, srv.URL+"/", token, map[string]any{
		"client": "local", "fun": "test.ping", "tgt": "web*",
	})
	require.Equal(t, http.StatusOK, r.status, r.body)
	reply := firstReturn(t, r)
	assert.Equal(t, map[string]any{"web9": true}, reply["return"])

	// 已完成作业第二次读取走 redis 缓存
	jid := reply["jid"].(string)
	for range 2 {
		_, err := s.ledger.Get(context.Background(), jid)
		require.NoError(t, err)
	}
	_, isCached := s.ledger.(*jobs.CachedLedger)
	assert.True(t, isCached)

	r = do(t, http.MethodGet, srv.URL+"/ready", "", nil)
	assert.Equal(t, http.StatusOK, r.status, r.body)
}
