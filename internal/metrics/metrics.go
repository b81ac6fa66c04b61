// Package metrics holds the gateway's Prometheus collectors and a running
// token tally.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ai-gateway/chat-gateway/internal/provider"
)

const namespace = "chatgw"

// LLMBuckets covers LLM latencies from 100ms to 2 minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Outcome labels for provider calls.
const (
	OutcomeOK       = "ok"
	OutcomeClient   = "client_error"
	OutcomeUpstream = "upstream_error"
)

// Usage tallies tokens reported by upstreams since start.
type Usage struct {
	mu         sync.Mutex
	prompt     int
	completion int
}

func (u *Usage) Add(p *provider.Usage) {
	if p == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prompt += p.PromptTokens
	u.completion += p.CompletionTokens
}

// Totals returns the tally in the OpenAI usage shape.
func (u *Usage) Totals() provider.Usage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return provider.Usage{
		PromptTokens:     u.prompt,
		CompletionTokens: u.completion,
		TotalTokens:      u.prompt + u.completion,
	}
}

type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	ProviderRequests     *prometheus.CounterVec
	ProviderLatency      *prometheus.HistogramVec
	ProviderTokens       *prometheus.CounterVec
	StreamFrames         *prometheus.CounterVec
	StreamingConnections prometheus.Gauge

	Usage Usage
}

// New registers the collectors on a private registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status class.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   LLMBuckets,
		}, []string{"method", "route"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Upstream calls by provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Upstream call latency.",
			Buckets:   LLMBuckets,
		}, []string{"provider", "model"}),
		ProviderTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Tokens reported by upstreams, by direction.",
		}, []string{"provider", "model", "direction"}),
		StreamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Streamed frames written to clients, by kind.",
		}, []string{"kind"}),
		StreamingConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streaming_connections_active",
			Help:      "Streaming responses in flight.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.ProviderRequests,
		m.ProviderLatency,
		m.ProviderTokens,
		m.StreamFrames,
		m.StreamingConnections,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one served HTTP request. route is the matched
// pattern, not the raw path.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status/100)+"xx").Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveProvider records one upstream call and any usage it reported.
func (m *Metrics) ObserveProvider(name, model, outcome string, d time.Duration, u *provider.Usage) {
	m.ProviderRequests.WithLabelValues(name, model, outcome).Inc()
	m.ProviderLatency.WithLabelValues(name, model).Observe(d.Seconds())
	if u == nil {
		return
	}
	m.ProviderTokens.WithLabelValues(name, model, "input").Add(float64(u.PromptTokens))
	m.ProviderTokens.WithLabelValues(name, model, "output").Add(float64(u.CompletionTokens))
	m.Usage.Add(u)
}

// StreamFrame counts one streamed frame.
func (m *Metrics) StreamFrame(kind string) {
	m.StreamFrames.WithLabelValues(kind).Inc()
}
