// =============================================================================
// 📦 minionflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Mongo:      DefaultMongoConfig(),
		Auth:       DefaultAuthConfig(),
		Dispatch:   DefaultDispatchConfig(),
		Transport:  DefaultTransportConfig(),
		Minion:     DefaultMinionConfig(),
		Nodegroups: map[string]string{},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8000,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "minionflow",
		SampleRate:   0.1,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "minionflow:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "minionflow",
		Name:            "minionflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "minionflow",
		Collection: "jobs",
		Timeout:    10 * time.Second,
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		TokenExpire:        12 * time.Hour,
		BackendExpire:      map[string]time.Duration{},
		TokenStore:         "memory",
		ExternalAuth:       map[string]map[string][]any{},
		StaticUsers:        map[string]StaticUser{},
		SudoPrefix:         "sudo_",
		LoginRatePerMinute: 10,
	}
}

// DefaultDispatchConfig 返回默认调度配置
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Timeout:          5 * time.Second,
		GatherJobTimeout: 10 * time.Second,
		RunnerTimeout:    60 * time.Second,
		RunnerWorkers:    8,
		RunnerQueue:      64,
		BatchWait:        30 * time.Second,
		Ledger:           "memory",
		LedgerCacheTTL:   5 * time.Minute,
	}
}

// DefaultTransportConfig 返回默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Kind:            "loopback",
		PoolSize:        4,
		CheckoutTimeout: 2 * time.Second,
		PingTimeout:     time.Second,
		MaxMessageAge:   2 * time.Minute,
	}
}

// DefaultMinionConfig 返回默认 minion 配置
func DefaultMinionConfig() MinionConfig {
	return MinionConfig{
		Heartbeat: 10 * time.Second,
	}
}
