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

// Collector 指标收集器
type Collector struct {
	// 执行指标
	executionsTotal    *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	activeExecutions   prometheus.Gauge

	// 步骤指标
	stepDispatchTotal *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	stepRetriesTotal  *prometheus.CounterVec

	// 熔断器指标
	breakerTransitions *prometheus.CounterVec

	// 总线指标
	busPublishedTotal *prometheus.CounterVec
	busDroppedTotal   *prometheus.CounterVec

	// 锁指标
	lockAcquireTotal *prometheus.CounterVec

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

	// 执行指标
	c.executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of workflow executions reaching a terminal status",
		},
		[]string{"workflow_id", "status"},
	)

	c.executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow_id"},
	)

	c.activeExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Number of executions currently being driven by this process",
		},
	)

	// 步骤指标
	c.stepDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_dispatches_total",
			Help:      "Total number of step dispatch attempts",
		},
		[]string{"capability", "status"},
	)

	c.stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step dispatch duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"capability"},
	)

	c.stepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retries",
		},
		[]string{"capability"},
	)

	// 熔断器指标
	c.breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// 总线指标
	c.busPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Total number of messages published on the bus",
		},
		[]string{"kind"},
	)

	c.busDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Total number of bus messages dropped",
		},
		[]string{"reason"},
	)

	// 锁指标
	c.lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquires_total",
			Help:      "Total number of execution lock acquisition attempts",
		},
		[]string{"outcome"}, // outcome: acquired, contended, error
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 执行指标记录
// =============================================================================

// RecordExecution 记录执行终态
func (c *Collector) RecordExecution(workflowID, status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(workflowID, status).Inc()
	c.executionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// ExecutionStarted 活跃执行数 +1
func (c *Collector) ExecutionStarted() {
	c.activeExecutions.Inc()
}

// ExecutionFinished 活跃执行数 -1
func (c *Collector) ExecutionFinished() {
	c.activeExecutions.Dec()
}

// =============================================================================
// 🚚 步骤指标记录
// =============================================================================

// RecordStepDispatch 记录一次步骤下发
func (c *Collector) RecordStepDispatch(capability, status string, duration time.Duration) {
	c.stepDispatchTotal.WithLabelValues(capability, status).Inc()
	c.stepDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordStepRetry 记录一次步骤重试
func (c *Collector) RecordStepRetry(capability string) {
	c.stepRetriesTotal.WithLabelValues(capability).Inc()
}

// =============================================================================
// ⚡ 熔断器指标记录
// =============================================================================

// RecordBreakerTransition 记录熔断器状态转换
func (c *Collector) RecordBreakerTransition(name, fromState, toState string) {
	c.breakerTransitions.WithLabelValues(name, fromState, toState).Inc()
}

// =============================================================================
// 📨 总线指标记录
// =============================================================================

// RecordBusPublished 记录总线发布
func (c *Collector) RecordBusPublished(kind string) {
	c.busPublishedTotal.WithLabelValues(kind).Inc()
}

// RecordBusDropped 记录总线丢弃
func (c *Collector) RecordBusDropped(reason string) {
	c.busDroppedTotal.WithLabelValues(reason).Inc()
}

// =============================================================================
// 🔒 锁指标记录
// =============================================================================

// RecordLockAcquire 记录锁获取结果
func (c *Collector) RecordLockAcquire(outcome string) {
	c.lockAcquireTotal.WithLabelValues(outcome).Inc()
}
