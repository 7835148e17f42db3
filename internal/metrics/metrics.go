// Package metrics exposes Prometheus counters for the volume pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes.
const (
	OutcomeAccepted    = "accepted"
	OutcomeRateLimited = "rate_limited"
	OutcomeInvalid     = "invalid"
	OutcomeNotFound    = "not_found"
)

type Metrics struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	commits       *prometheus.CounterVec
	conflicts     prometheus.Counter
	superseded    prometheus.Counter
	dropped       prometheus.Counter
	commitLatency prometheus.Histogram
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neighborly",
			Name:      "volume_requests_total",
			Help:      "Volume submissions by outcome.",
		}, []string{"outcome"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "neighborly",
			Name:      "volume_commits_total",
			Help:      "Player commits by result.",
		}, []string{"result"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neighborly",
			Name:      "volume_conflicts_total",
			Help:      "Submissions resolved by averaging.",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neighborly",
			Name:      "volume_superseded_total",
			Help:      "Pending changes replaced before they committed.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "neighborly",
			Name:      "notify_dropped_total",
			Help:      "Events dropped for slow subscribers.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "neighborly",
			Name:      "volume_commit_seconds",
			Help:      "Duration of player volume calls.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
	m.reg.MustRegister(
		m.requests, m.commits, m.conflicts, m.superseded, m.dropped, m.commitLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) Superseded() {
	if m == nil {
		return
	}
	m.superseded.Inc()
}

func (m *Metrics) Dropped(string) {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// Commit records one player call.
func (m *Metrics) Commit(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	result := "applied"
	if !ok {
		result = "error"
	}
	m.commits.WithLabelValues(result).Inc()
	m.commitLatency.Observe(took.Seconds())
}
