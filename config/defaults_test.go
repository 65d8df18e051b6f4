package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, MongoConfig{}, cfg.Mongo)
	assert.NotEqual(t, DispatchConfig{}, cfg.Dispatch)
	assert.NotEqual(t, TransportConfig{}, cfg.Transport)
	assert.NotNil(t, cfg.Auth.ExternalAuth)
	assert.NotNil(t, cfg.Nodegroups)
}

// --- Individual Default*Config functions ---

func TestDefaultAuthConfig(t *testing.T) {
	cfg := DefaultAuthConfig()
	assert.Equal(t, 12*time.Hour, cfg.TokenExpire)
	assert.Equal(t, "memory", cfg.TokenStore)
	assert.Equal(t, "sudo_", cfg.SudoPrefix)
	assert.False(t, cfg.KeepACLInToken)
	assert.False(t, cfg.PermissiveACL)
	assert.Equal(t, 10, cfg.LoginRatePerMinute)
}

func TestDefaultDispatchConfig(t *testing.T) {
	cfg := DefaultDispatchConfig()
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 10*time.Second, cfg.GatherJobTimeout)
	assert.Equal(t, 60*time.Second, cfg.RunnerTimeout)
	assert.Equal(t, 8, cfg.RunnerWorkers)
	assert.Equal(t, "memory", cfg.Ledger)
}

func TestDefaultTransportConfig(t *testing.T) {
	cfg := DefaultTransportConfig()
	assert.Equal(t, "loopback", cfg.Kind)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 2*time.Second, cfg.CheckoutTimeout)
	assert.Equal(t, 2*time.Minute, cfg.MaxMessageAge)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8000, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
}
