// Package metrics defines the Prometheus instruments of the challenge client
// and the challenge gateway, and the HTTP server that exposes them.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client holds the instruments of the challenge client.
type Client struct {
	Handshakes    *prometheus.CounterVec
	Failures      *prometheus.CounterVec
	Solves        *prometheus.CounterVec
	SolveDuration *prometheus.HistogramVec
	Hashes        *prometheus.CounterVec
	Difficulty    prometheus.Histogram
	PacingDelay   prometheus.Histogram
	Forwarded     *prometheus.CounterVec
	ActiveSolvers prometheus.Gauge
}

// Handshake results.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// NewClient creates client instruments registered with reg. A nil reg
// leaves them unregistered.
func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(reg)

	return &Client{
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powgate",
			Subsystem: "client",
			Name:      "handshakes_total",
			Help:      "Completed handshakes by result",
		}, []string{"result"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powgate",
			Subsystem: "client",
			Name:      "failures_total",
			Help:      "Failed handshakes by the state reached and error kind",
		}, []string{"state", "kind"}),
		Solves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powgate",
			Subsystem: "client",
			Name:      "solves_total",
			Help:      "Puzzles solved by hash algorithm",
		}, []string{"algorithm"}),
		SolveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "powgate",
			Subsystem: "client",
			Name:      "solve_duration_seconds",
			Help:      "Time spent searching for a counter",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"algorithm"}),
		Hashes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powgate",
			Subsystem: "client",
			Name:      "hashes_total",
			Help:      "Digests computed while solving, by hash algorithm",
		}, []string{"algorithm"}),
		Difficulty: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "powgate",
			Subsystem: "client",
			Name:      "challenge_difficulty_bits",
			Help:      "Difficulty of received challenges",
			Buckets:   prometheus.LinearBuckets(0, 4, 9),
		}),
		PacingDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "powgate",
			Subsystem: "client",
			Name:      "pacing_delay_seconds",
			Help:      "Latency waited before forwarding",
			Buckets:   []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		Forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powgate",
			Subsystem: "client",
			Name:      "forwarded_total",
			Help:      "Forwarded requests by response status class",
		}, []string{"code"}),
		ActiveSolvers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "powgate",
			Subsystem: "client",
			Name:      "active_solvers",
			Help:      "Solves currently running",
		}),
	}
}

// RecordHandshake counts a finished handshake.
func (m *Client) RecordHandshake(ok bool) {
	if ok {
		m.Handshakes.WithLabelValues(ResultOK).Inc()
		return
	}
	m.Handshakes.WithLabelValues(ResultFailed).Inc()
}

// RecordFailure counts a failure at state with the given error kind.
func (m *Client) RecordFailure(state, kind string) {
	m.Failures.WithLabelValues(state, kind).Inc()
}

// ObserveSolve records a finished solve.
func (m *Client) ObserveSolve(algorithm string, difficulty int, d time.Duration) {
	m.Solves.WithLabelValues(algorithm).Inc()
	m.SolveDuration.WithLabelValues(algorithm).Observe(d.Seconds())
	m.Difficulty.Observe(float64(difficulty))
}

// AddHashes counts n digests computed with algorithm.
func (m *Client) AddHashes(algorithm string, n uint64) {
	if n > 0 {
		m.Hashes.WithLabelValues(algorithm).Add(float64(n))
	}
}

// ObservePacing records the latency waited before forwarding.
func (m *Client) ObservePacing(d time.Duration) {
	m.PacingDelay.Observe(d.Seconds())
}

// RecordForwarded counts a forwarded request by status class (2xx, 4xx...).
func (m *Client) RecordForwarded(status int) {
	m.Forwarded.WithLabelValues(statusClass(status)).Inc()
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

var (
	defaultClient     *Client
	defaultClientOnce sync.Once
)

// DefaultClient returns client instruments registered with the default registry.
func DefaultClient() *Client {
	defaultClientOnce.Do(func() {
		defaultClient = NewClient(prometheus.DefaultRegisterer)
	})
	return defaultClient
}

// TestClientMetrics creates client instruments on an isolated registry.
func TestClientMetrics() (*Client, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewClient(reg), reg
}
