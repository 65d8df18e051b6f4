package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 作业指标
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	minionReturns *prometheus.CounterVec

	// runner 工作队列指标
	runnerTasks    *prometheus.CounterVec
	runnerDuration *prometheus.HistogramVec

	// 认证指标
	authAttempts *prometheus.CounterVec
	tokenLookups *prometheus.CounterVec

	// 传输与事件总线指标
	transportCheckouts  *prometheus.CounterVec
	activeSubscriptions prometheus.Gauge

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 作业指标
	c.jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of submitted jobs",
		},
		[]string{"mode", "result"},
	)

	c.jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from submit to reply in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"mode"},
	)

	c.minionReturns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "minion_returns_total",
			Help:      "Total number of minion returns received",
		},
		[]string{"success"},
	)

	c.runnerTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_tasks_total",
			Help:      "Runner functions handed to the worker queue",
		},
		[]string{"fun", "result"}, // result: ok, error, rejected
	)

	c.runnerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "runner_task_duration_seconds",
			Help:      "Runner function execution time in seconds",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"fun"},
	)

	// 认证指标
	c.authAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts",
		},
		[]string{"backend", "result"},
	)

	c.tokenLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_lookups_total",
			Help:      "Total number of token lookups",
		},
		[]string{"result"}, // result: valid, absent
	)

	// 传输与事件总线指标
	c.transportCheckouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_checkouts_total",
			Help:      "Total number of transport pool checkouts",
		},
		[]string{"result"}, // result: ok, exhausted, error
	)

	c.activeSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscriptions_active",
			Help:      "Number of active event bus subscriptions",
		},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📦 作业指标记录
// =============================================================================

// RecordJob 记录一次提交的结果
func (c *Collector) RecordJob(mode, result string, duration time.Duration) {
	c.jobsTotal.WithLabelValues(mode, result).Inc()
	c.jobDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordMinionReturn 记录 minion 返回
func (c *Collector) RecordMinionReturn(success bool) {
	label := "false"
	if success {
		label = "true"
	}
	c.minionReturns.WithLabelValues(label).Inc()
}

// RecordRunnerTask 记录 runner 任务，签名与 pool.Observer 一致
func (c *Collector) RecordRunnerTask(fun string, d time.Duration, err error, rejected bool) {
	switch {
	case rejected:
		c.runnerTasks.WithLabelValues(fun, "rejected").Inc()
		return
	case err != nil:
		c.runnerTasks.WithLabelValues(fun, "error").Inc()
	default:
		c.runnerTasks.WithLabelValues(fun, "ok").Inc()
	}
	c.runnerDuration.WithLabelValues(fun).Observe(d.Seconds())
}

// =============================================================================
// 🔐 认证指标记录
// =============================================================================

// RecordAuthAttempt 记录认证结果，签名与 auth.Observer 一致
func (c *Collector) RecordAuthAttempt(backend, result string) {
	c.authAttempts.WithLabelValues(backend, result).Inc()
}

// RecordTokenLookup 记录 token 查询
func (c *Collector) RecordTokenLookup(valid bool) {
	if valid {
		c.tokenLookups.WithLabelValues("valid").Inc()
		return
	}
	c.tokenLookups.WithLabelValues("absent").Inc()
}

// =============================================================================
// 🔌 传输与事件总线指标记录
// =============================================================================

// RecordTransportCheckout 记录连接池借出结果
func (c *Collector) RecordTransportCheckout(result string) {
	c.transportCheckouts.WithLabelValues(result).Inc()
}

// SetActiveSubscriptions 设置事件总线活跃订阅数
func (c *Collector) SetActiveSubscriptions(n int) {
	c.activeSubscriptions.Set(float64(n))
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
