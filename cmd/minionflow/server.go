package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"

	"github.com/BaSui01/minionflow/acl"
	"github.com/BaSui01/minionflow/api"
	"github.com/BaSui01/minionflow/api/handlers"
	"github.com/BaSui01/minionflow/auth"
	"github.com/BaSui01/minionflow/config"
	"github.com/BaSui01/minionflow/dispatch"
	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/internal/cache"
	"github.com/BaSui01/minionflow/internal/database"
	"github.com/BaSui01/minionflow/internal/metrics"
	"github.com/BaSui01/minionflow/internal/migration"
	"github.com/BaSui01/minionflow/internal/server"
	"github.com/BaSui01/minionflow/internal/telemetry"
	"github.com/BaSui01/minionflow/jobs"
	"github.com/BaSui01/minionflow/registry"
	"github.com/BaSui01/minionflow/registry/modules"
	"github.com/BaSui01/minionflow/runners"
	"github.com/BaSui01/minionflow/transport"
)

// tokenSweepInterval 过期 token 清理周期
const tokenSweepInterval = 5 * time.Minute

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 minionflow master：组装认证、ACL、账本、传输、调度引擎与 HTTP API
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers
	namespace  string

	collector *metrics.Collector
	cache     *cache.Manager
	pool      *database.Pool
	mongo     *mongo.Client

	auth     *auth.LoadAuth
	resolver *acl.Resolver
	ledger   jobs.Ledger
	launcher registry.Launcher
	loopback *transport.Loopback
	master   *transport.Master
	channel  transport.Channel
	bus      *event.Bus
	bridge   *event.RedisBridge
	engine   *dispatch.Engine
	watcher  *config.FileWatcher

	health  *handlers.HealthHandler
	handler http.Handler

	httpManager    *server.Manager
	metricsManager *server.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建服务器实例；configPath 非空时 ACL 随文件变更重新加载
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
		namespace:  "minionflow",
		ctx:        ctx,
		cancel:     cancel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 组装所有组件并启动 API 与 metrics 两个 HTTP 服务
func (s *Server) Start() error {
	if err := s.build(s.ctx); err != nil {
		return err
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("transport", s.cfg.Transport.Kind),
		zap.String("ledger", s.cfg.Dispatch.Ledger),
		zap.String("token_store", s.cfg.Auth.TokenStore),
		zap.Bool("acl_reload", s.watcher != nil),
	)
	return nil
}

// build 按依赖顺序初始化组件，最后得到带中间件的 s.handler
func (s *Server) build(ctx context.Context) error {
	// 1. 指标收集器
	s.collector = metrics.NewCollector(s.namespace, s.logger)

	// 2. Redis（token 存储、缓存、传输、事件桥接共用）
	if s.needsRedis() {
		if err := s.initCache(); err != nil {
			return fmt.Errorf("failed to init redis: %w", err)
		}
	}

	// 3. 认证与授权
	if err := s.initAuth(ctx); err != nil {
		return fmt.Errorf("failed to init auth: %w", err)
	}

	// 4. 作业账本
	if err := s.initLedger(ctx); err != nil {
		return fmt.Errorf("failed to init ledger: %w", err)
	}

	// 5. 传输通道
	if err := s.initTransport(ctx); err != nil {
		return fmt.Errorf("failed to init transport: %w", err)
	}

	// 6. 调度引擎与事件总线
	if err := s.initEngine(ctx); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}

	// 7. HTTP handlers
	s.initHandlers()

	s.wg.Add(1)
	go s.sweepTokens(ctx)
	return nil
}

func (s *Server) needsRedis() bool {
	return s.cfg.Auth.TokenStore == "redis" ||
		s.cfg.Transport.Kind == "redis" ||
		s.cfg.Dispatch.LedgerCache ||
		s.cfg.Auth.EauthACLModule == "redis"
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initCache() error {
	cc := cache.DefaultConfig()
	rc := s.cfg.Redis
	cc.Addr = rc.Addr
	cc.Password = rc.Password
	cc.DB = rc.DB
	if rc.KeyPrefix != "" {
		cc.KeyPrefix = rc.KeyPrefix
	}
	if rc.PoolSize > 0 {
		cc.PoolSize = rc.PoolSize
	}
	if rc.MinIdleConns > 0 {
		cc.MinIdleConns = rc.MinIdleConns
	}
	cm, err := cache.NewManager(cc, s.logger)
	if err != nil {
		return err
	}
	s.cache = cm
	s.logger.Info("Redis connected", zap.String("addr", cc.Addr))
	return nil
}

func (s *Server) initAuth(ctx context.Context) error {
	authCfg := s.cfg.Auth

	var store auth.TokenStore
	switch authCfg.TokenStore {
	case "localfs":
		fs, err := auth.NewFileStore(authCfg.TokenDir)
		if err != nil {
			return err
		}
		store = fs
	case "redis":
		store = auth.NewRedisStore(s.cache)
	default:
		store = auth.NewMemoryStore()
	}

	var backends []auth.Backend
	if len(authCfg.StaticUsers) > 0 {
		backends = append(backends, auth.NewStaticBackend(authCfg.StaticUsers))
	}
	if authCfg.JWTSecret != "" {
		backends = append(backends, auth.NewJWTBackend(authCfg.JWTSecret, authCfg.JWTIssuer))
	}
	registered := auth.NewBackends(backends...)

	resolverOpts := []acl.ResolverOption{
		acl.WithGroupSource(registered),
		acl.WithResolverLogger(s.logger),
	}
	if s.cache != nil {
		resolverOpts = append(resolverOpts, acl.WithModule("redis", acl.NewRedisModule(s.cache)))
	}
	s.resolver = acl.NewResolver(authCfg, resolverOpts...)

	s.auth = auth.NewLoadAuth(store, registered, authCfg,
		auth.WithLogger(s.logger),
		auth.WithACLProvider(s.resolver),
		auth.WithObserver(s.collector.RecordAuthAttempt),
	)

	if s.configPath != "" {
		w, err := s.resolver.Watch(ctx, s.configPath)
		if err != nil {
			s.logger.Warn("ACL reload disabled", zap.String("path", s.configPath), zap.Error(err))
		} else {
			s.watcher = w
		}
	}

	s.logger.Info("Auth initialized",
		zap.Strings("backends", registered.Names()),
		zap.String("token_store", authCfg.TokenStore),
	)
	return nil
}

func (s *Server) initLedger(ctx context.Context) error {
	var ledger jobs.Ledger
	kind := s.cfg.Dispatch.Ledger

	switch kind {
	case "sql":
		if err := checkSchema(ctx, s.cfg.Database); err != nil {
			return err
		}
		pool, err := database.Open(s.cfg.Database, s.logger, database.WithSampler(func(st database.Stats) {
			s.collector.RecordDBConnections(st.Driver, st.Open, st.Idle)
		}))
		if err != nil {
			return err
		}
		s.pool = pool
		ledger = jobs.NewGormLedger(pool)
	case "mongo":
		client, err := jobs.ConnectMongo(ctx, s.cfg.Mongo)
		if err != nil {
			return err
		}
		s.mongo = client
		ml := jobs.NewMongoLedger(client.Database(s.cfg.Mongo.Database).Collection(s.cfg.Mongo.Collection))
		if err := ml.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		ledger = ml
	default:
		kind = "memory"
		ledger = jobs.NewMemoryLedger()
	}

	ledger = meteredLedger{Ledger: ledger, kind: kind, collector: s.collector}
	if s.cfg.Dispatch.LedgerCache && s.cache != nil {
		cached := jobs.NewCachedLedger(ledger, s.cache, s.cfg.Dispatch.LedgerCacheTTL, s.logger)
		cached.Observe(func(hit bool) {
			if hit {
				s.collector.RecordCacheHit("ledger")
				return
			}
			s.collector.RecordCacheMiss("ledger")
		})
		ledger = cached
	}
	s.ledger = ledger
	s.logger.Info("Ledger initialized", zap.String("ledger", kind), zap.Bool("cache", s.cfg.Dispatch.LedgerCache))
	return nil
}

// checkSchema 拒绝在未迁移的 SQL 账本上启动
func checkSchema(ctx context.Context, dbCfg config.DatabaseConfig) error {
	mcfg, err := migration.ConfigFromDatabase(dbCfg)
	if err != nil {
		return err
	}
	m, err := migration.New(mcfg)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Check(ctx); err != nil {
		return fmt.Errorf("%w (run `minionflow migrate up`)", err)
	}
	return nil
}

func (s *Server) initTransport(ctx context.Context) error {
	s.launcher = registry.NewSanitizingLauncher(registry.ExecLauncher{}, registry.EnvPolicy{
		Base: []string{"PATH=" + os.Getenv("PATH")},
	}, s.logger)

	switch s.cfg.Transport.Kind {
	case "redis":
		s.master = transport.NewRedisChannel(s.cache.Client(), s.cfg.Transport,
			transport.WithMasterLogger(s.logger),
			transport.WithCheckoutObserver(s.collector.RecordTransportCheckout),
		)
		if err := s.master.Start(ctx); err != nil {
			return err
		}
		s.channel = s.master
	default:
		reg, err := registry.New(registry.WithEntries(modules.Builtins()...), registry.WithLogger(s.logger))
		if err != nil {
			return err
		}
		s.loopback = transport.NewLoopback(s.cfg.Transport.LoopbackMinions, reg, s.cfg.Transport, s.logger,
			transport.WithAgentLauncher(s.launcher))
		if err := s.loopback.Start(ctx); err != nil {
			return err
		}
		s.channel = s.loopback
	}
	s.logger.Info("Transport started", zap.String("kind", s.cfg.Transport.Kind))
	return nil
}

func (s *Server) initEngine(ctx context.Context) error {
	busOpts := []event.BusOption{
		event.WithBusLogger(s.logger),
		event.WithSubscriptionObserver(s.collector.SetActiveSubscriptions),
	}
	// 多个 master 共用 redis 传输时，通过桥接共享事件
	if s.cache != nil && s.cfg.Transport.Kind == "redis" {
		s.bridge = event.NewRedisBridge(s.cache.Client(), "", s.logger)
		busOpts = append(busOpts, event.WithTap(s.bridge.Tap))
	}
	s.bus = event.NewBus(busOpts...)
	if s.bridge != nil {
		s.bridge.Attach(s.bus)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.bridge.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("event bridge stopped", zap.Error(err))
			}
		}()
	}

	runnerReg, err := registry.New(
		registry.WithEntries(runners.Builtins(runners.Deps{Ledger: s.ledger, Channel: s.channel})...),
		registry.WithMiddleware(registry.RecoverMiddleware()),
		registry.WithLogger(s.logger),
	)
	if err != nil {
		return err
	}

	opts := []dispatch.Option{
		dispatch.WithLogger(s.logger),
		dispatch.WithRecorder(s.collector),
		dispatch.WithBus(s.bus),
		dispatch.WithLauncher(s.launcher),
		dispatch.WithNodegroups(s.cfg.Nodegroups),
	}
	if instr, err := telemetry.NewJobInstruments(); err != nil {
		s.logger.Warn("job instruments unavailable", zap.Error(err))
	} else {
		opts = append(opts, dispatch.WithInstruments(instr))
	}

	s.engine, err = dispatch.New(dispatch.Deps{
		Auth:     meteredAuth{LoadAuth: s.auth, collector: s.collector},
		ACL:      s.resolver,
		Ledger:   s.ledger,
		Registry: runnerReg,
		Channel:  s.channel,
	}, s.cfg.Dispatch, s.cfg.Auth, opts...)
	if err != nil {
		return err
	}
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("Dispatch engine started", zap.Strings("runners", runnerReg.Names(registry.KindRunner)))
	return nil
}

func (s *Server) initHandlers() {
	s.health = handlers.NewHealthHandler(Version, s.logger)
	if s.cache != nil {
		s.health.RegisterCheck(handlers.NewFuncCheck("redis", s.cache.Ping))
	}
	if s.pool != nil {
		s.health.RegisterCheck(handlers.NewFuncCheck("database", s.pool.Ping))
	}
	if s.mongo != nil {
		s.health.RegisterCheck(handlers.NewFuncCheck("mongo", func(ctx context.Context) error {
			return s.mongo.Ping(ctx, nil)
		}))
	}

	issuer := meteredAuth{LoadAuth: s.auth, collector: s.collector}
	mux := api.NewRouter(api.Handlers{
		Health:    s.health,
		Auth:      handlers.NewAuthHandler(issuer, s.resolver, s.logger),
		Lowstate:  handlers.NewLowstateHandler(s.engine, s.logger),
		Jobs:      handlers.NewJobsHandler(s.engine, s.logger),
		Events:    handlers.NewEventsHandler(s.bus, s.engine, s.cfg.Server.CORSAllowedOrigins, s.logger),
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	})

	s.handler = Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(s.ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
	s.logger.Info("Handlers initialized")
}

// =============================================================================
// ⏱️ 后台任务
// =============================================================================

func (s *Server) sweepTokens(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(tokenSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.auth.CleanExpired(ctx)
			if err != nil {
				s.logger.Warn("token sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("expired tokens removed", zap.Int("count", n))
			}
		}
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	sc := s.cfg.Server
	s.httpManager = server.NewManager("api", s.handler, server.Config{
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
		TLSCertFile:     sc.TLSCertFile,
		TLSKeyFile:      sc.TLSKeyFile,
	}, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", sc.HTTPPort), zap.Bool("tls", sc.TLSCertFile != ""))
	return nil
}

func (s *Server) startMetricsServer() error {
	sc := s.cfg.Server
	if sc.MetricsPort <= 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager("metrics", mux, server.Config{
		Addr:            fmt.Sprintf(":%d", sc.MetricsPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		ShutdownTimeout: sc.ShutdownTimeout,
	}, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("Metrics server started", zap.Int("port", sc.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待信号或 API/指标服务出错，然后优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		if err := server.Wait(s.ctx, s.httpManager, s.metricsManager); err != nil {
			s.logger.Error("HTTP server failed", zap.Error(err))
		} else {
			s.logger.Info("Shutdown requested")
		}
	}
	s.Shutdown()
}

// Shutdown 依次关闭 HTTP、引擎、传输、账本与外部连接；可重复调用
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. 停止接收请求
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 停止后台任务与 ACL 监听
	s.cancel()
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}

	// 3. 引擎、事件总线、传输
	if s.engine != nil {
		s.engine.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.loopback != nil {
		_ = s.loopback.Close()
	}
	if s.master != nil {
		_ = s.master.Close()
	}
	s.wg.Wait()

	// 4. 存储
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.logger.Error("mongo disconnect error", zap.Error(err))
		}
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}

	// 5. 指标与遥测最后关闭，保留关闭过程中的数据
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
