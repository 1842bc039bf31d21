// Package metrics holds the Prometheus collectors for one runtime. Each
// Metrics owns a private registry so tests and multiple runtimes never
// collide on the default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pantheon"

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics is the set of collectors. A nil *Metrics discards all
// observations.
type Metrics struct {
	registry *prometheus.Registry

	FunctionCalls    *prometheus.CounterVec
	FunctionDuration *prometheus.HistogramVec
	MemoryOperations *prometheus.CounterVec
	LLMRequests      *prometheus.CounterVec
	LLMLatency       *prometheus.HistogramVec
	ToolRounds       *prometheus.HistogramVec
	MessagesSent     *prometheus.CounterVec
	BackendUp        *prometheus.GaugeVec
}

// New registers every collector on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FunctionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Tool invocations by agent, function, and outcome.",
		}, []string{"agent", "function", "status"}),
		FunctionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "function_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),
		MemoryOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Memory tier operations by agent and operation.",
		}, []string{"agent", "operation"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Inference requests by model and outcome.",
		}, []string{"model", "status"}),
		LLMLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "Inference request latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"model"}),
		ToolRounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_rounds",
			Help:      "Tool-call rounds per turn.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		}, []string{"agent"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages routed between participants.",
		}, []string{"from", "to"}),
		BackendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "Whether a watched backend answered its last probe (1) or not (0).",
		}, []string{"backend"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FunctionCalls,
		m.FunctionDuration,
		m.MemoryOperations,
		m.LLMRequests,
		m.LLMLatency,
		m.ToolRounds,
		m.MessagesSent,
		m.BackendUp,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveFunction records one tool invocation.
func (m *Metrics) ObserveFunction(agent, function string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.FunctionCalls.WithLabelValues(agent, function, status(ok)).Inc()
	m.FunctionDuration.WithLabelValues(function).Observe(d.Seconds())
}

// ObserveLLM records one inference request.
func (m *Metrics) ObserveLLM(model string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMRequests.WithLabelValues(model, status(ok)).Inc()
	m.LLMLatency.WithLabelValues(model).Observe(d.Seconds())
}

// ObserveRounds records how many rounds a turn took.
func (m *Metrics) ObserveRounds(agent string, rounds int) {
	if m == nil {
		return
	}
	m.ToolRounds.WithLabelValues(agent).Observe(float64(rounds))
}

// MemoryOp counts one memory operation such as "archival_insert".
func (m *Metrics) MemoryOp(agent, op string) {
	if m == nil {
		return
	}
	m.MemoryOperations.WithLabelValues(agent, op).Inc()
}

// MessageSent counts one routed message.
func (m *Metrics) MessageSent(from, to string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(from, to).Inc()
}

// SetBackendUp records the latest probe result for a backend.
func (m *Metrics) SetBackendUp(backend string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.BackendUp.WithLabelValues(backend).Set(v)
}

func status(ok bool) string {
	if ok {
		return StatusOK
	}
	return StatusError
}
