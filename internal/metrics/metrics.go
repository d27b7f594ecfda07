// Package metrics exposes Prometheus collectors for the dev server. All
// recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webtestrunner/devserver/internal/session"
)

const namespace = "wtr"

type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	reruns          prometheus.Counter
	rerunSessions   prometheus.Counter
	request404s     prometheus.Counter
	fileChanges     prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// New creates collectors on a fresh registry so several servers in one
// process (tests) never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_commands_total",
			Help:      "Session commands received from browsers, by command and outcome.",
		}, []string{"command", "outcome"}),
		reruns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reruns_total",
			Help:      "Rerun batches submitted to the test runner.",
		}),
		rerunSessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerun_sessions_total",
			Help:      "Sessions submitted for rerun.",
		}),
		request404s: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_404s_total",
			Help:      "Distinct missing resources recorded against sessions.",
		}),
		fileChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_changes_total",
			Help:      "Watched file changes that affected at least one session.",
		}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
}

// WatchSessions registers one gauge per session status, read from counts on
// every scrape.
func (m *Metrics) WatchSessions(counts func() map[session.Status]int) {
	if m == nil {
		return
	}
	f := promauto.With(m.registry)
	for _, st := range []session.Status{session.Scheduled, session.Started, session.Finished} {
		st := st
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "sessions",
			Help:        "Registered sessions by status.",
			ConstLabels: prometheus.Labels{"status": st.String()},
		}, func() float64 {
			return float64(counts()[st])
		})
	}
}

func (m *Metrics) CommandHandled(command, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) RerunSubmitted(sessions int) {
	if m == nil {
		return
	}
	m.reruns.Inc()
	m.rerunSessions.Add(float64(sessions))
}

func (m *Metrics) Request404Recorded() {
	if m == nil {
		return
	}
	m.request404s.Inc()
}

func (m *Metrics) FileChanged() {
	if m == nil {
		return
	}
	m.fileChanges.Inc()
}

func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, statusClass(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
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
