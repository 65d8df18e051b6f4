// =============================================================================
// 📦 minionflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("master.yaml").
//	    WithEnvPrefix("MINIONFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 minionflow 的完整配置结构
type Config struct {
	// Server HTTP API 配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Redis 配置（token 存储、事件桥接、传输通道）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 作业账本数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Mongo 作业账本（可选）
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`

	// Auth 认证与授权配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Dispatch 调度引擎配置
	Dispatch DispatchConfig `yaml:"dispatch" env:"DISPATCH"`

	// Transport 传输通道配置
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`

	// Minion 代理进程配置
	Minion MinionConfig `yaml:"minion" env:"MINION"`

	// Nodegroups 命名节点组: name -> 目标表达式
	Nodegroups map[string]string `yaml:"nodegroups" env:"-"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每 IP 限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许跨域来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// TLS 证书（可选）
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI        string        `yaml:"uri" env:"URI"`
	Database   string        `yaml:"database" env:"DATABASE"`
	Collection string        `yaml:"collection" env:"COLLECTION"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// AuthConfig 认证与授权配置
type AuthConfig struct {
	// 全局 token 有效期
	TokenExpire time.Duration `yaml:"token_expire" env:"TOKEN_EXPIRE"`
	// 按后端覆盖 token 有效期
	BackendExpire map[string]time.Duration `yaml:"backend_expire" env:"-"`
	// 登录时把 ACL 快照写入 token
	KeepACLInToken bool `yaml:"keep_acl_in_token" env:"KEEP_ACL_IN_TOKEN"`
	// 为 true 时 "*" 规则总是追加
	PermissiveACL bool `yaml:"permissive_acl" env:"PERMISSIVE_ACL"`
	// 外部 ACL 模块名（无静态配置时使用）
	EauthACLModule string `yaml:"eauth_acl_module" env:"EAUTH_ACL_MODULE"`
	// token 存储: memory, localfs, redis
	TokenStore string `yaml:"token_store" env:"TOKEN_STORE"`
	// localfs 存储目录
	TokenDir string `yaml:"token_dir" env:"TOKEN_DIR"`
	// 静态 ACL: backend -> name -> rules
	ExternalAuth map[string]map[string][]any `yaml:"external_auth" env:"-"`
	// "auto" 后端的静态用户
	StaticUsers map[string]StaticUser `yaml:"static_users" env:"-"`
	// "jwt" 后端的 HMAC 密钥
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWT 签发者（可选校验）
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// sudo 前缀
	SudoPrefix string `yaml:"sudo_prefix" env:"SUDO_PREFIX"`
	// 允许运行进程的本地用户无条件访问
	RootUserAccess bool `yaml:"root_user_access" env:"ROOT_USER_ACCESS"`
	// 每个用户名的登录失败限流
	LoginRatePerMinute int `yaml:"login_rate_per_minute" env:"LOGIN_RATE_PER_MINUTE"`
}

// StaticUser "auto" 后端用户
type StaticUser struct {
	// bcrypt 哈希
	PasswordHash string   `yaml:"password_hash"`
	Groups       []string `yaml:"groups"`
}

// DispatchConfig 调度配置
type DispatchConfig struct {
	// local 同步调用默认超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 收集返回的最长等待
	GatherJobTimeout time.Duration `yaml:"gather_job_timeout" env:"GATHER_JOB_TIMEOUT"`
	// runner 同步调用默认超时
	RunnerTimeout time.Duration `yaml:"runner_timeout" env:"RUNNER_TIMEOUT"`
	// runner 工作池大小
	RunnerWorkers int `yaml:"runner_workers" env:"RUNNER_WORKERS"`
	// runner 队列长度
	RunnerQueue int `yaml:"runner_queue" env:"RUNNER_QUEUE"`
	// 批处理单个 minion 的等待上限
	BatchWait time.Duration `yaml:"batch_wait" env:"BATCH_WAIT"`
	// 账本: memory, sql, mongo
	Ledger string `yaml:"ledger" env:"LEDGER"`
	// 是否启用 redis 读缓存
	LedgerCache bool `yaml:"ledger_cache" env:"LEDGER_CACHE"`
	// 缓存 TTL
	LedgerCacheTTL time.Duration `yaml:"ledger_cache_ttl" env:"LEDGER_CACHE_TTL"`
}

// TransportConfig 传输通道配置
type TransportConfig struct {
	// 通道类型: loopback, redis
	Kind string `yaml:"kind" env:"KIND"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 借出连接的最长等待
	CheckoutTimeout time.Duration `yaml:"checkout_timeout" env:"CHECKOUT_TIMEOUT"`
	// 消息加密密钥，非空时负载以 XChaCha20-Poly1305 加密
	SigningKey string `yaml:"signing_key" env:"SIGNING_KEY"`
	// 消息发送时间与本地时钟允许的最大偏差
	MaxMessageAge time.Duration `yaml:"max_message_age" env:"MAX_MESSAGE_AGE"`
	// ping 等待时间
	PingTimeout time.Duration `yaml:"ping_timeout" env:"PING_TIMEOUT"`
	// loopback 模式下模拟的 minion
	LoopbackMinions []string `yaml:"loopback_minions" env:"LOOPBACK_MINIONS"`
}

// MinionConfig minion 进程配置
type MinionConfig struct {
	// minion ID，空时取主机名
	ID string `yaml:"id" env:"ID"`
	// 允许执行的模块前缀，空表示全部
	Modules []string `yaml:"modules" env:"MODULES"`
	// 心跳间隔
	Heartbeat time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MINIONFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadExternalAuth 只重新读取文件里的 external_auth 段（ACL 热重载使用）
func LoadExternalAuth(path string) (map[string]map[string][]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var partial struct {
		Auth struct {
			ExternalAuth map[string]map[string][]any `yaml:"external_auth"`
		} `yaml:"auth"`
	}
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return partial.Auth.ExternalAuth, nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Auth.TokenStore {
	case "memory", "localfs", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown token_store %q", c.Auth.TokenStore))
	}
	if c.Auth.TokenStore == "localfs" && c.Auth.TokenDir == "" {
		errs = append(errs, "token_dir is required for localfs token store")
	}
	switch c.Dispatch.Ledger {
	case "memory", "sql", "mongo":
	default:
		errs = append(errs, fmt.Sprintf("unknown ledger %q", c.Dispatch.Ledger))
	}
	if c.Dispatch.RunnerWorkers <= 0 {
		errs = append(errs, "runner_workers must be positive")
	}
	switch c.Transport.Kind {
	case "loopback", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown transport kind %q", c.Transport.Kind))
	}
	if c.Transport.PoolSize <= 0 {
		errs = append(errs, "transport pool_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ExpireFor 返回后端的 token 有效期（后端覆盖优先于全局）
func (a *AuthConfig) ExpireFor(backend string) time.Duration {
	if d, ok := a.BackendExpire[backend]; ok {
		return d
	}
	return a.TokenExpire
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
