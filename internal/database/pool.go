package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrPoolClosed 连接池已关闭后的任何调用都返回该错误。
var ErrPoolClosed = errors.New("database pool is closed")

// =============================================================================
// ⚙️ 配置
// =============================================================================

// PoolConfig 连接池与事务重试配置
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// ProbeInterval 探活与统计采样周期，<=0 时不启动后台循环
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`

	Retry RetryPolicy `yaml:"retry" json:"retry"`
}

// RetryPolicy 描述写事务在冲突时的重试方式
type RetryPolicy struct {
	Attempts  int           `yaml:"attempts" json:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultPoolConfig 返回账本使用的默认配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    50,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		ProbeInterval:   15 * time.Second,
		Retry: RetryPolicy{
			Attempts:  3,
			BaseDelay: 50 * time.Millisecond,
			MaxDelay:  time.Second,
		},
	}
}

// Validate 校验连接池配置
func (c PoolConfig) Validate() error {
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be positive, got %d", c.MaxOpenConns)
	}
	if c.MaxIdleConns <= 0 {
		return fmt.Errorf("max_idle_conns must be positive, got %d", c.MaxIdleConns)
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.Retry.Attempts < 0 {
		return fmt.Errorf("retry.attempts must not be negative, got %d", c.Retry.Attempts)
	}
	return nil
}

// backoff 第 n 次失败后的等待时间，按 BaseDelay 翻倍并以 MaxDelay 封顶
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// =============================================================================
// 🗄️ Pool
// =============================================================================

// Stats 连接池快照
type Stats struct {
	Driver          string        `json:"driver"`
	MaxOpen         int           `json:"max_open"`
	Open            int           `json:"open"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration"`
	TxRetries       int64         `json:"tx_retries"`
	LastProbeFailed bool          `json:"last_probe_failed"`
}

// Sampler 每个探活周期收到一次连接池快照
type Sampler func(Stats)

// Option 配置 Pool
type Option func(*Pool)

// WithSampler 注册统计回调，通常用于写入 prometheus 指标
func WithSampler(fn Sampler) Option {
	return func(p *Pool) { p.sampler = fn }
}

// WithDriver 记录驱动名，出现在日志与快照中
func WithDriver(name string) Option {
	return func(p *Pool) { p.driver = name }
}

// Pool 包装 gorm 连接，负责连接池参数、后台探活与事务重试
type Pool struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	cfg     PoolConfig
	driver  string
	sampler Sampler
	logger  *zap.Logger

	mu          sync.RWMutex
	closed      bool
	retries     int64
	probeFailed bool

	stop chan struct{}
	done chan struct{}
}

// NewPool 应用连接池参数并启动探活循环
func NewPool(db *gorm.DB, cfg PoolConfig, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	p := &Pool{
		db:    db,
		sqlDB: sqlDB,
		cfg:   cfg,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.With(zap.String("component", "db_pool"), zap.String("driver", p.driver))

	if cfg.ProbeInterval > 0 {
		go p.probeLoop()
	} else {
		close(p.done)
	}

	p.logger.Info("database pool ready",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Int("tx_attempts", cfg.Retry.Attempts),
	)
	return p, nil
}

// DB 返回 gorm 实例
func (p *Pool) DB() *gorm.DB {
	return p.db
}

// Ping 检查数据库是否可达，可直接注册为就绪检查
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// Stats 返回当前快照
func (p *Pool) Stats() Stats {
	s := p.sqlDB.Stats()
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Driver:          p.driver,
		MaxOpen:         s.MaxOpenConnections,
		Open:            s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		WaitCount:       s.WaitCount,
		WaitDuration:    s.WaitDuration,
		TxRetries:       p.retries,
		LastProbeFailed: p.probeFailed,
	}
}

// Close 停止探活并关闭底层连接，可重复调用
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	<-p.done
	p.logger.Info("database pool closed")
	return p.sqlDB.Close()
}

func (p *Pool) probeLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.probe()
		}
	}
}

func (p *Pool) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := p.sqlDB.PingContext(ctx)
	cancel()

	p.mu.Lock()
	wasFailing := p.probeFailed
	p.probeFailed = err != nil
	p.mu.Unlock()

	switch {
	case err != nil && !wasFailing:
		p.logger.Error("database probe failed", zap.Error(err))
	case err == nil && wasFailing:
		p.logger.Info("database probe recovered")
	}

	if p.sampler != nil {
		p.sampler(p.Stats())
	}
}

// =============================================================================
// 🔄 事务
// =============================================================================

// Tx 在单个事务中执行 fn，fn 返回错误时回滚
func (p *Pool) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return p.db.WithContext(ctx).Transaction(fn)
}

// TxRetry 与 Tx 相同，但在 Retryable 判定的冲突错误上按 RetryPolicy 重跑整个事务。
// fn 必须可重入。
func (p *Pool) TxRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	attempts := p.cfg.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			p.mu.Lock()
			p.retries++
			p.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.Retry.backoff(n - 1)):
			}
		}

		err = p.Tx(ctx, fn)
		if err == nil || !Retryable(err) {
			return err
		}
		p.logger.Warn("transaction conflict",
			zap.Int("attempt", n+1),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
	return fmt.Errorf("transaction gave up after %d attempts: %w", attempts, err)
}

// PostgreSQL SQLSTATE
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// MySQL 错误号
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// Retryable 判断事务错误是否值得整体重跑：序列化冲突、死锁、锁等待超时与失效连接。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}

	// sqlite 驱动与被包装过的错误只剩下文本
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is locked", "sqlite_busy", "deadlock", "could not serialize", "bad connection", "connection reset"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
