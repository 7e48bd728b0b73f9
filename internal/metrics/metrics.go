// Package metrics counts backend calls and switches for the /metrics endpoint.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatbot"

// Collector methods are safe on a nil receiver, so components can run
// without metrics.
type Collector struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	switches *prometheus.CounterVec
	requests *prometheus.CounterVec
	inflight prometheus.Gauge
}

func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Backend calls by capability, backend and outcome",
			},
			[]string{"kind", "backend", "outcome"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Backend call latency in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 50},
			},
			[]string{"kind", "backend"},
		),
		switches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_switches_total",
				Help:      "Backend switch attempts by capability and result",
			},
			[]string{"kind", "result"},
		),
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served by the API wrapper",
			},
			[]string{"method", "route", "status"},
		),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_tasks",
			Help:      "Audio playback tasks currently running",
		}),
	}
}

var (
	defaultOnce sync.Once
	defaultC    *Collector
)

// Default is registered on the process-wide Prometheus registry.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultC = New(prometheus.DefaultRegisterer)
	})
	return defaultC
}

// ObserveCall records one backend call. outcome is "ok" or the error
// category name.
func (c *Collector) ObserveCall(kind, backendName string, started time.Time, err error, category func(error) error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if category != nil {
			if k := category(err); k != nil {
				outcome = k.Error()
			}
		}
	}
	c.calls.WithLabelValues(kind, backendName, outcome).Inc()
	c.duration.WithLabelValues(kind, backendName).Observe(time.Since(started).Seconds())
}

// Switch results: "ok", "noop", "unknown", "construct".
func (c *Collector) Switch(kind, result string) {
	if c == nil {
		return
	}
	c.switches.WithLabelValues(kind, result).Inc()
}

func (c *Collector) Request(method, route string, status int) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (c *Collector) PlaybackStarted() {
	if c != nil {
		c.inflight.Inc()
	}
}

func (c *Collector) PlaybackDone() {
	if c != nil {
		c.inflight.Dec()
	}
}
