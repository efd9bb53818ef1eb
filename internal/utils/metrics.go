// Package utils provides utility functions including metrics collection.
package utils

import (
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potmatic_sync_runs_total",
		Help: "Total number of per-account sync runs",
	}, []string{"result"})

	transactionsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "potmatic_transactions_committed_total",
		Help: "Total number of transactions committed to the local store",
	})

	ruleExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potmatic_rule_executions_total",
		Help: "Total number of rule executions by family and outcome",
	}, []string{"family", "outcome"})

	executionQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "potmatic_execution_queue_depth",
		Help: "Current depth of the execution queue",
	})

	bankAPICallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potmatic_bank_api_calls_total",
		Help: "Total number of bank API calls",
	}, []string{"operation", "status_code"})

	bankAPICallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "potmatic_bank_api_call_duration_seconds",
		Help:    "Bank API call duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	moneyMovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "potmatic_money_moved_pence_total",
		Help: "Total money moved by rule executions, in pence",
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "potmatic_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "potmatic_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// activeGoroutines is used by Prometheus for monitoring active goroutines
	//nolint:unused // Used by Prometheus metrics collection
	activeGoroutines = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "potmatic_goroutines_active",
		Help: "Number of active goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})
)

// MetricsCollector collects basic application metrics.
type MetricsCollector struct {
	startTime          time.Time
	ruleExecutions     int64
	syncRuns           int64
	queueDepth         int64
	moneyMovedTotal    int64
	transactionsSynced int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime: time.Now(),
	}
}

// RecordSyncRun records one per-account sync run outcome.
func (m *MetricsCollector) RecordSyncRun(success bool) {
	atomic.AddInt64(&m.syncRuns, 1)
	result := "success"
	if !success {
		result = "failure"
	}
	syncRunsTotal.WithLabelValues(result).Inc()
}

// RecordTransactionsCommitted records transactions committed by a sync run.
func (m *MetricsCollector) RecordTransactionsCommitted(n int) {
	atomic.AddInt64(&m.transactionsSynced, int64(n))
	transactionsCommittedTotal.Add(float64(n))
}

// RecordRuleExecution records one rule execution outcome.
func (m *MetricsCollector) RecordRuleExecution(family, outcome string) {
	atomic.AddInt64(&m.ruleExecutions, 1)
	ruleExecutionsTotal.WithLabelValues(family, outcome).Inc()
}

// RecordMoneyMoved records pence moved by a successful rule execution.
func (m *MetricsCollector) RecordMoneyMoved(amount int64) {
	if amount <= 0 {
		return
	}
	atomic.AddInt64(&m.moneyMovedTotal, amount)
	moneyMovedTotal.Add(float64(amount))
}

// SetQueueDepth sets the current execution queue depth.
func (m *MetricsCollector) SetQueueDepth(depth int) {
	atomic.StoreInt64(&m.queueDepth, int64(depth))
	executionQueueDepth.Set(float64(depth))
}

// RecordHTTPRequest records an HTTP request metric.
func (m *MetricsCollector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBankAPICall records a bank API call metric.
func (m *MetricsCollector) RecordBankAPICall(operation string, statusCode int, duration time.Duration) {
	bankAPICallsTotal.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	bankAPICallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// GetMetrics returns the current metrics as a JSON-serializable struct.
func (m *MetricsCollector) GetMetrics() *Metrics {
	return &Metrics{
		Uptime:             time.Since(m.startTime).String(),
		UptimeSeconds:      int64(time.Since(m.startTime).Seconds()),
		Goroutines:         runtime.NumGoroutine(),
		QueueDepth:         atomic.LoadInt64(&m.queueDepth),
		SyncRuns:           atomic.LoadInt64(&m.syncRuns),
		RuleExecutions:     atomic.LoadInt64(&m.ruleExecutions),
		TransactionsSynced: atomic.LoadInt64(&m.transactionsSynced),
		MoneyMovedPence:    atomic.LoadInt64(&m.moneyMovedTotal),
	}
}

// Metrics represents the application metrics.
type Metrics struct {
	Uptime             string `json:"uptime"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
	Goroutines         int    `json:"goroutines"`
	QueueDepth         int64  `json:"queue_depth"`
	SyncRuns           int64  `json:"sync_runs"`
	RuleExecutions     int64  `json:"rule_executions"`
	TransactionsSynced int64  `json:"transactions_synced"`
	MoneyMovedPence    int64  `json:"money_moved_pence"`
}
