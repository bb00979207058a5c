// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
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

// Collector 指标收集器。所有 Record* 方法对 nil 接收者安全，
// 未配置指标的组件可以直接传 nil。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Workflow 指标
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsRunning prometheus.Gauge
	stepTransitions   *prometheus.CounterVec
	stepRetries       *prometheus.CounterVec

	// Agent / 调度指标
	taskExecutionsTotal *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	agentLoad           *prometheus.GaugeVec
	dispatchQueueDepth  *prometheus.GaugeVec
	overrunHandlers     *prometheus.GaugeVec

	// 共识与事件指标
	consensusAgreement *prometheus.HistogramVec
	consensusFailures  *prometheus.CounterVec
	eventsEmitted      *prometheus.CounterVec

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
	if logger == nil {
		logger = zap.NewNop()
	}
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

	// Workflow 指标
	c.executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of finished workflow executions",
		},
		[]string{"workflow_id", "status"},
	)

	c.executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"workflow_id"},
	)

	c.executionsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_executions_running",
			Help:      "Number of executions currently running",
		},
	)

	c.stepTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_transitions_total",
			Help:      "Total number of step state transitions",
		},
		[]string{"agent_type", "from_state", "to_state"},
	)

	c.stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_retries_total",
			Help:      "Total number of step retries",
		},
		[]string{"agent_type", "reason"},
	)

	// Agent / 调度指标
	c.taskExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_task_executions_total",
			Help:      "Total number of agent task executions",
		},
		[]string{"agent_id", "agent_type", "status"},
	)

	c.taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_task_duration_seconds",
			Help:      "Agent task duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"agent_id", "agent_type"},
	)

	c.agentLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_current_load",
			Help:      "Number of tasks currently assigned to an agent",
		},
		[]string{"agent_id", "agent_type"},
	)

	c.dispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Number of ready steps waiting for agent capacity",
		},
		[]string{"agent_type"},
	)

	c.overrunHandlers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_overrun_handlers",
			Help:      "Handlers still running after their task was finished by its deadline",
		},
		[]string{"agent_type"},
	)

	// 共识与事件指标
	c.consensusAgreement = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consensus_agreement",
			Help:      "Agreement score of successful consensus aggregations",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"algorithm"},
	)

	c.consensusFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_failures_total",
			Help:      "Total number of aggregations that missed quorum",
		},
		[]string{"algorithm"},
	)

	c.eventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Total number of events emitted on the bus",
		},
		[]string{"event_type", "status"},
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

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔀 Workflow 指标记录
// =============================================================================

// RecordExecutionStarted 记录执行开始
func (c *Collector) RecordExecutionStarted() {
	if c == nil {
		return
	}
	c.executionsRunning.Inc()
}

// RecordExecutionFinished 记录执行结束（终态）
func (c *Collector) RecordExecutionFinished(workflowID, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.executionsRunning.Dec()
	c.executionsTotal.WithLabelValues(workflowID, status).Inc()
	c.executionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordStepTransition 记录步骤状态转换
func (c *Collector) RecordStepTransition(agentType, fromState, toState string) {
	if c == nil {
		return
	}
	c.stepTransitions.WithLabelValues(agentType, fromState, toState).Inc()
}

// RecordStepRetry 记录步骤重试
func (c *Collector) RecordStepRetry(agentType, reason string) {
	if c == nil {
		return
	}
	c.stepRetries.WithLabelValues(agentType, reason).Inc()
}

// =============================================================================
// 🎭 Agent 指标记录
// =============================================================================

// RecordTaskExecution 记录 Agent 任务执行
func (c *Collector) RecordTaskExecution(agentID, agentType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.taskExecutionsTotal.WithLabelValues(agentID, agentType, status).Inc()
	c.taskDuration.WithLabelValues(agentID, agentType).Observe(duration.Seconds())
}

// RecordAgentLoad 记录 Agent 当前负载
func (c *Collector) RecordAgentLoad(agentID, agentType string, load int) {
	if c == nil {
		return
	}
	c.agentLoad.WithLabelValues(agentID, agentType).Set(float64(load))
}

// RecordQueueDepth 记录等待容量的就绪步骤数
func (c *Collector) RecordQueueDepth(agentType string, depth int) {
	if c == nil {
		return
	}
	c.dispatchQueueDepth.WithLabelValues(agentType).Set(float64(depth))
}

// RecordOverrunHandlers 记录超时后仍占用协程池 worker 的 handler 数
func (c *Collector) RecordOverrunHandlers(agentType string, n int64) {
	if c == nil {
		return
	}
	c.overrunHandlers.WithLabelValues(agentType).Set(float64(n))
}

// =============================================================================
// 🗳️ 共识与事件指标记录
// =============================================================================

// RecordConsensus 记录共识聚合结果
func (c *Collector) RecordConsensus(algorithm string, agreement float64, ok bool) {
	if c == nil {
		return
	}
	if !ok {
		c.consensusFailures.WithLabelValues(algorithm).Inc()
		return
	}
	c.consensusAgreement.WithLabelValues(algorithm).Observe(agreement)
}

// RecordEvent 记录事件发布
func (c *Collector) RecordEvent(eventType, status string) {
	if c == nil {
		return
	}
	c.eventsEmitted.WithLabelValues(eventType, status).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
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
