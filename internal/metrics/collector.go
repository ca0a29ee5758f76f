// Package metrics provides Prometheus collectors for the execution engine,
// the progress broadcaster, and the human-input gate.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates all engine-side metrics under one namespace.
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionsRunning prometheus.Gauge

	stageEventsTotal *prometheus.CounterVec

	broadcastPushesTotal  *prometheus.CounterVec
	broadcastRetriesTotal prometheus.Counter
	broadcastDropsTotal   prometheus.Counter

	humanInputRequestsTotal *prometheus.CounterVec
	humanInputWaitSeconds   prometheus.Histogram

	llmRequestsTotal *prometheus.CounterVec
	llmTokensUsed    *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers all collectors under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of crew executions by terminal status",
		},
		[]string{"process", "status"},
	)
	c.executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of crew executions",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"process"},
	)
	c.executionsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_running",
			Help:      "Number of executions currently running",
		},
	)
	c.stageEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_events_total",
			Help:      "Total number of stage events emitted",
		},
		[]string{"stage_type"},
	)
	c.broadcastPushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_pushes_total",
			Help:      "Total number of broadcast pushes by outcome",
		},
		[]string{"outcome"},
	)
	c.broadcastRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_retries_total",
			Help:      "Total number of broadcast push retries",
		},
	)
	c.broadcastDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Total number of broadcast pushes dropped after retries",
		},
	)
	c.humanInputRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "human_input_requests_total",
			Help:      "Total number of human input requests by outcome",
		},
		[]string{"outcome"},
	)
	c.humanInputWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "human_input_wait_seconds",
			Help:      "Time spent waiting for human input",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600},
		},
	)
	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "status"},
	)
	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "type"},
	)
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

	return c
}

// ExecutionStarted marks one execution entering RUNNING.
func (c *Collector) ExecutionStarted() {
	c.executionsRunning.Inc()
}

// ExecutionFinished records a terminal status and duration.
func (c *Collector) ExecutionFinished(process, status string, duration time.Duration) {
	c.executionsRunning.Dec()
	c.executionsTotal.WithLabelValues(process, status).Inc()
	c.executionDuration.WithLabelValues(process).Observe(duration.Seconds())
}

// StageEmitted counts one stage event.
func (c *Collector) StageEmitted(stageType string) {
	c.stageEventsTotal.WithLabelValues(stageType).Inc()
}

// BroadcastPush records one push attempt outcome ("ok" or "failed").
func (c *Collector) BroadcastPush(outcome string) {
	c.broadcastPushesTotal.WithLabelValues(outcome).Inc()
}

// BroadcastRetry counts one push retry.
func (c *Collector) BroadcastRetry() { c.broadcastRetriesTotal.Inc() }

// BroadcastDrop counts one push abandoned after retries.
func (c *Collector) BroadcastDrop() { c.broadcastDropsTotal.Inc() }

// HumanInputRequest records an input request outcome
// ("answered", "timeout", "fallback").
func (c *Collector) HumanInputRequest(outcome string, wait time.Duration) {
	c.humanInputRequestsTotal.WithLabelValues(outcome).Inc()
	c.humanInputWaitSeconds.Observe(wait.Seconds())
}

// LLMRequest records one model call.
func (c *Collector) LLMRequest(provider, status string, promptTokens, completionTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, status).Inc()
	if promptTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// HTTPRequest records one handled request.
func (c *Collector) HTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
