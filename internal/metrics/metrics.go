// Package metrics exposes roomsync's Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "roomsync"
	kindLabel = "kind"
	typeLabel = "type"
)

// Metrics manages the metrics roomsync measures. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	connections        *prometheus.GaugeVec
	framesReceived     *prometheus.CounterVec
	framesRateLimited  *prometheus.CounterVec
	framesRejected     *prometheus.CounterVec
	chatMessages       prometheus.Counter
	chatDuplicates     prometheus.Counter
	compactions        prometheus.Counter
	compactionFailures prometheus.Counter
	activeDocuments    prometheus.Gauge
}

// NewMetrics creates a new instance of Metrics with its own registry.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	return &Metrics{
		registry: reg,
		connections: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Number of open websocket connections.",
		}, []string{kindLabel}),
		framesReceived: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "frames_received_total",
			Help:      "Total number of frames accepted from clients.",
		}, []string{kindLabel, typeLabel}),
		framesRateLimited: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "frames_rate_limited_total",
			Help:      "Total number of frames dropped by the per-connection rate limiter.",
		}, []string{kindLabel}),
		framesRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "frames_rejected_total",
			Help:      "Total number of frames rejected as invalid.",
		}, []string{kindLabel}),
		chatMessages: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Total number of chat messages stored.",
		}),
		chatDuplicates: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "duplicates_total",
			Help:      "Total number of chat messages suppressed as duplicates.",
		}),
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "runs_total",
			Help:      "Total number of documents compacted.",
		}),
		compactionFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compaction",
			Name:      "failures_total",
			Help:      "Total number of failed document compactions.",
		}),
		activeDocuments: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "active_documents",
			Help:      "Number of documents with a loaded server replica.",
		}),
	}, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AddConnection(kind string, delta float64) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(kind).Add(delta)
}

func (m *Metrics) IncFrameReceived(kind, frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind, frameType).Inc()
}

func (m *Metrics) IncFrameRateLimited(kind string) {
	if m == nil {
		return
	}
	m.framesRateLimited.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncFrameRejected(kind string) {
	if m == nil {
		return
	}
	m.framesRejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncChatMessage() {
	if m == nil {
		return
	}
	m.chatMessages.Inc()
}

func (m *Metrics) IncChatDuplicate() {
	if m == nil {
		return
	}
	m.chatDuplicates.Inc()
}

func (m *Metrics) IncCompaction(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.compactionFailures.Inc()
		return
	}
	m.compactions.Inc()
}

func (m *Metrics) SetActiveDocuments(n int) {
	if m == nil {
		return
	}
	m.activeDocuments.Set(float64(n))
}
