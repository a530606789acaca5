package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway holds the instruments of the challenge service.
type Gateway struct {
	ChallengesIssued  *prometheus.CounterVec
	AnswersVerified   prometheus.Counter
	AnswersRejected   *prometheus.CounterVec
	ReplaysBlocked    prometheus.Counter
	CurrentDifficulty prometheus.Gauge
	RequestsInFlight  prometheus.Gauge
	RequestsRejected  *prometheus.CounterVec
}

// Rejection reasons for RequestsRejected.
const (
	ReasonRateLimited = "rate_limited"
	ReasonPoolFull    = "pool_full"
)

// NewGateway creates gateway instruments registered with reg. A nil reg
// leaves them unregistered.
func NewGateway(reg prometheus.Registerer) *Gateway {
	f := promauto.With(reg)

	return &Gateway{
		ChallengesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powgate",
			Subsystem: "gateway",
			Name:      "challenges_issued_total",
			Help:      "Challenges issued by hash algorithm",
		}, []string{"algorithm"}),
		AnswersVerified: f.NewCounter(prometheus.CounterOpts{
			Namespace: "powgate",
			Subsystem: "gateway",
			Name:      "answers_verified_total",
			Help:      "Answers that passed verification",
		}),
		AnswersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powgate",
			Subsystem: "gateway",
			Name:      "answers_rejected_total",
			Help:      "Answers that failed verification by reason",
		}, []string{"reason"}),
		ReplaysBlocked: f.NewCounter(prometheus.CounterOpts{
			Namespace: "powgate",
			Subsystem: "gateway",
			Name:      "replays_blocked_total",
			Help:      "Answers rejected because their challenge was already used",
		}),
		CurrentDifficulty: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "powgate",
			Subsystem: "gateway",
			Name:      "current_difficulty",
			Help:      "Difficulty of newly issued challenges in bits",
		}),
		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "powgate",
			Subsystem: "gateway",
			Name:      "requests_in_flight",
			Help:      "Requests currently being served",
		}),
		RequestsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powgate",
			Subsystem: "gateway",
			Name:      "requests_rejected_total",
			Help:      "Requests refused before reaching a handler",
		}, []string{"reason"}),
	}
}

// RecordChallengeIssued counts an issued challenge.
func (m *Gateway) RecordChallengeIssued(algorithm string) {
	m.ChallengesIssued.WithLabelValues(algorithm).Inc()
}

// RecordAnswer counts a verification outcome. An empty reason means success.
func (m *Gateway) RecordAnswer(reason string) {
	if reason == "" {
		m.AnswersVerified.Inc()
		return
	}
	m.AnswersRejected.WithLabelValues(reason).Inc()
}

// RecordReplay counts a blocked replay.
func (m *Gateway) RecordReplay() {
	m.ReplaysBlocked.Inc()
}

// SetCurrentDifficulty sets the current difficulty gauge.
func (m *Gateway) SetCurrentDifficulty(difficulty int) {
	m.CurrentDifficulty.Set(float64(difficulty))
}

// RecordRejected counts a request refused for reason.
func (m *Gateway) RecordRejected(reason string) {
	m.RequestsRejected.WithLabelValues(reason).Inc()
}

var (
	defaultGateway     *Gateway
	defaultGatewayOnce sync.Once
)

// DefaultGateway returns gateway instruments registered with the default registry.
func DefaultGateway() *Gateway {
	defaultGatewayOnce.Do(func() {
		defaultGateway = NewGateway(prometheus.DefaultRegisterer)
	})
	return defaultGateway
}

// TestGatewayMetrics creates gateway instruments on an isolated registry.
func TestGatewayMetrics() (*Gateway, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewGateway(reg), reg
}
