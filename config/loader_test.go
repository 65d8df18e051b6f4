// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8000, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Auth.TokenStore)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "master.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

auth:
  token_expire: 2h
  keep_acl_in_token: true
  backend_expire:
    pam: 30m
  external_auth:
    pam:
      fred:
        - test.*
        - 'web*':
            - pkg.install
      'admins%':
        - .*
  static_users:
    fred:
      password_hash: "$2a$10$abc"
      groups: [admins]

dispatch:
  timeout: 3s
  ledger: sql

nodegroups:
  web: 'web*'

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenExpire)
	assert.True(t, cfg.Auth.KeepACLInToken)
	assert.Equal(t, 30*time.Minute, cfg.Auth.ExpireFor("pam"))
	assert.Equal(t, 2*time.Hour, cfg.Auth.ExpireFor("auto"))

	fred := cfg.Auth.ExternalAuth["pam"]["fred"]
	require.Len(t, fred, 2)
	assert.Equal(t, "test.*", fred[0])
	assert.IsType(t, map[string]any{}, fred[1])
	assert.Contains(t, cfg.Auth.ExternalAuth["pam"], "admins%")
	assert.Equal(t, []string{"admins"}, cfg.Auth.StaticUsers["fred"].Groups)

	assert.Equal(t, 3*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, "sql", cfg.Dispatch.Ledger)
	assert.Equal(t, "web*", cfg.Nodegroups["web"])

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	envVars := map[string]string{
		"MINIONFLOW_SERVER_HTTP_PORT":          "7777",
		"MINIONFLOW_AUTH_TOKEN_EXPIRE":         "90s",
		"MINIONFLOW_AUTH_PERMISSIVE_ACL":       "true",
		"MINIONFLOW_DISPATCH_RUNNER_WORKERS":   "3",
		"MINIONFLOW_TRANSPORT_LOOPBACK_MINIONS": "web1, web2 ,db1",
		"MINIONFLOW_REDIS_ADDR":                "env-redis:6379",
		"MINIONFLOW_LOG_LEVEL":                 "warn",
	}
	for k, v := range envVars {
		t.Setenv(k, v)
	}

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 90*time.Second, cfg.Auth.TokenExpire)
	assert.True(t, cfg.Auth.PermissiveACL)
	assert.Equal(t, 3, cfg.Dispatch.RunnerWorkers)
	assert.Equal(t, []string{"web1", "web2", "db1"}, cfg.Transport.LoopbackMinions)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "master.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
server:
  http_port: 8888
dispatch:
  ledger: mongo
`), 0644))

	t.Setenv("MINIONFLOW_SERVER_HTTP_PORT", "9999")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "mongo", cfg.Dispatch.Ledger)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("MINIONFLOW_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/master.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	require.Error(t, err)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("MINIONFLOW_DISPATCH_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MINIONFLOW_DISPATCH_TIMEOUT")
}

func TestLoadExternalAuth(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "master.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
auth:
  external_auth:
    auto:
      '*':
        - test.ping
`), 0644))

	ea, err := LoadExternalAuth(configPath)
	require.NoError(t, err)
	assert.Equal(t, []any{"test.ping"}, ea["auto"]["*"])
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"bad token store", func(c *Config) { c.Auth.TokenStore = "etcd" }, "token_store"},
		{"localfs without dir", func(c *Config) { c.Auth.TokenStore = "localfs" }, "token_dir"},
		{"bad ledger", func(c *Config) { c.Dispatch.Ledger = "csv" }, "ledger"},
		{"no runner workers", func(c *Config) { c.Dispatch.RunnerWorkers = 0 }, "runner_workers"},
		{"bad transport", func(c *Config) { c.Transport.Kind = "zeromq" }, "transport kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "n"}
	assert.Equal(t, "u:p@tcp(db:3306)/n?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "/tmp/jobs.db"}
	assert.Equal(t, "/tmp/jobs.db", lite.DSN())

	assert.Empty(t, (&DatabaseConfig{Driver: "oracle"}).DSN())
}

func TestMustLoad_Panics(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("auth: [1"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
