// Package metrics exports engine and store counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vocero"

// Exporter owns the Prometheus registry and every instrument the engine
// reports into. One instance is shared by the server, the scheduler and the
// listener hooks wired in cmd/vocero.
type Exporter struct {
	registry *prometheus.Registry

	// Conversation metrics
	turnLatency          *prometheus.HistogramVec
	turnsTotal           *prometheus.CounterVec
	conversationsStarted *prometheus.CounterVec
	conversationsClosed  *prometheus.CounterVec
	conversationsOpen    prometheus.Gauge

	// Analyzer metrics
	analyzerFailures *prometheus.CounterVec
	analysisLatency  prometheus.Histogram

	// LLM metrics
	llmLatency *prometheus.HistogramVec
	llmTokens  *prometheus.CounterVec

	// Experiment metrics
	assignments *prometheus.CounterVec
	rewards     *prometheus.CounterVec

	// Store metrics
	storeDegraded prometheus.Gauge
	stagedWrites  prometheus.Gauge

	// Sweep metrics
	sweepClosed *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}
}

// NewExporter creates an exporter with all instruments registered.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.turnLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "turn_latency_seconds",
			Help:      "End-to-end message turn latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"program"},
	)

	e.turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "turns_total",
			Help:      "Total number of processed message turns",
		},
		[]string{"program", "status"},
	)

	e.conversationsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "started_total",
			Help:      "Total number of conversations started",
		},
		[]string{"program", "source"},
	)

	e.conversationsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "closed_total",
			Help:      "Total number of conversations closed",
		},
		[]string{"outcome"},
	)

	e.conversationsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "open",
			Help:      "Number of conversations currently tracked in flight",
		},
	)

	e.analyzerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "failures_total",
			Help:      "Analyzer failures and deadline misses substituted by neutral results",
		},
		[]string{"kind"},
	)

	e.analysisLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "fanout_latency_seconds",
			Help:      "Latency of the full analyzer fan-out in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
	)

	e.llmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "latency_seconds",
			Help:      "LLM request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"model"},
	)

	e.llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"model", "token_type"},
	)

	e.assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "assignments_total",
			Help:      "Total variant assignments",
		},
		[]string{"experiment"},
	)

	e.rewards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "rewards_total",
			Help:      "Total rewards recorded against bandit arms",
		},
		[]string{"experiment"},
	)

	e.storeDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "degraded",
			Help:      "1 when the store is serving from cache and staging writes",
		},
	)

	e.stagedWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "staged_writes",
			Help:      "Writes staged for replay against the remote store",
		},
	)

	e.sweepClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "swept_total",
			Help:      "Conversations acted on by background sweeps",
		},
		[]string{"sweep"},
	)

	e.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)

	e.httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"method", "route"},
	)

	registry.MustRegister(
		e.turnLatency,
		e.turnsTotal,
		e.conversationsStarted,
		e.conversationsClosed,
		e.conversationsOpen,
		e.analyzerFailures,
		e.analysisLatency,
		e.llmLatency,
		e.llmTokens,
		e.assignments,
		e.rewards,
		e.storeDegraded,
		e.stagedWrites,
		e.sweepClosed,
		e.httpRequests,
		e.httpLatency,
	)

	return e
}

// RecordTurn records one processed message turn.
func (e *Exporter) RecordTurn(program string, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	e.turnsTotal.WithLabelValues(program, status).Inc()
	e.turnLatency.WithLabelValues(program).Observe(latency.Seconds())
}

// RecordConversationStarted records a started conversation.
func (e *Exporter) RecordConversationStarted(program, source string) {
	e.conversationsStarted.WithLabelValues(program, source).Inc()
}

// RecordConversationClosed records a closed conversation by outcome.
func (e *Exporter) RecordConversationClosed(outcome string) {
	e.conversationsClosed.WithLabelValues(outcome).Inc()
}

// SetOpenConversations sets the number of in-flight conversations.
func (e *Exporter) SetOpenConversations(count int) {
	e.conversationsOpen.Set(float64(count))
}

// RecordAnalyzerFailure records one substituted analyzer result.
func (e *Exporter) RecordAnalyzerFailure(kind string) {
	e.analyzerFailures.WithLabelValues(kind).Inc()
}

// RecordAnalysis records the latency of one full analyzer fan-out.
func (e *Exporter) RecordAnalysis(latency time.Duration) {
	e.analysisLatency.Observe(latency.Seconds())
}

// RecordLLMCall records latency and token usage of one completion call.
func (e *Exporter) RecordLLMCall(model string, latency time.Duration, promptTokens, completionTokens int) {
	e.llmLatency.WithLabelValues(model).Observe(latency.Seconds())
	if promptTokens > 0 {
		e.llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		e.llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordAssignment records a variant assignment for an experiment.
func (e *Exporter) RecordAssignment(experiment string) {
	e.assignments.WithLabelValues(experiment).Inc()
}

// RecordReward records a reward applied to a bandit arm.
func (e *Exporter) RecordReward(experiment string) {
	e.rewards.WithLabelValues(experiment).Inc()
}

// SetStoreDegraded flags whether the store is in degraded mode.
func (e *Exporter) SetStoreDegraded(degraded bool) {
	if degraded {
		e.storeDegraded.Set(1)
		return
	}
	e.storeDegraded.Set(0)
}

// SetStagedWrites sets the current staged-write backlog size.
func (e *Exporter) SetStagedWrites(count int) {
	e.stagedWrites.Set(float64(count))
}

// RecordSweep records how many conversations a background sweep acted on.
func (e *Exporter) RecordSweep(sweep string, count int) {
	if count <= 0 {
		return
	}
	e.sweepClosed.WithLabelValues(sweep).Add(float64(count))
}

// RecordHTTPRequest records one served HTTP request.
func (e *Exporter) RecordHTTPRequest(method, route string, status int, latency time.Duration) {
	e.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	e.httpLatency.WithLabelValues(method, route).Observe(latency.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler returns the HTTP handler serving the registry in text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
