package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestClient_Record(t *testing.T) {
	m, _ := TestClientMetrics()

	t.Run("handshakes", func(t *testing.T) {
		m.RecordHandshake(true)
		m.RecordHandshake(true)
		m.RecordHandshake(false)

		if val := getCounterVecValue(t, m.Handshakes, ResultOK); val != 2 {
			t.Errorf("expected 2 ok, got %f", val)
		}
		if val := getCounterVecValue(t, m.Handshakes, ResultFailed); val != 1 {
			t.Errorf("expected 1 failed, got %f", val)
		}
	})

	t.Run("failures", func(t *testing.T) {
		m.RecordFailure("CHALLENGE_REQUESTED", "ProtocolError")

		c, err := m.Failures.GetMetricWithLabelValues("CHALLENGE_REQUESTED", "ProtocolError")
		if err != nil {
			t.Fatalf("GetMetricWithLabelValues: %v", err)
		}
		if val := getCounterValue(t, c); val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
	})

	t.Run("solves", func(t *testing.T) {
		m.ObserveSolve("blake3", 12, 30*time.Millisecond)
		m.ObserveSolve("blake3", 14, 50*time.Millisecond)

		if val := getCounterVecValue(t, m.Solves, "blake3"); val != 2 {
			t.Errorf("expected 2, got %f", val)
		}
		if n := getHistogramCount(t, m.Difficulty); n != 2 {
			t.Errorf("expected 2 difficulty samples, got %d", n)
		}
	})

	t.Run("hashes", func(t *testing.T) {
		m.AddHashes("sha256", 100000)
		m.AddHashes("sha256", 42)
		m.AddHashes("sha256", 0)

		if val := getCounterVecValue(t, m.Hashes, "sha256"); val != 100042 {
			t.Errorf("expected 100042, got %f", val)
		}
	})

	t.Run("pacing", func(t *testing.T) {
		m.ObservePacing(250 * time.Millisecond)
		if n := getHistogramCount(t, m.PacingDelay); n != 1 {
			t.Errorf("expected 1 sample, got %d", n)
		}
	})

	t.Run("active solvers", func(t *testing.T) {
		m.ActiveSolvers.Inc()
		m.ActiveSolvers.Inc()
		m.ActiveSolvers.Dec()
		if val := getGaugeValue(t, m.ActiveSolvers); val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
	})
}

func TestClient_RecordForwarded(t *testing.T) {
	m, _ := TestClientMetrics()

	for _, code := range []int{200, 204, 404, 503, 42} {
		m.RecordForwarded(code)
	}

	tests := map[string]float64{"2xx": 2, "4xx": 1, "5xx": 1, "other": 1}
	for label, want := range tests {
		if val := getCounterVecValue(t, m.Forwarded, label); val != want {
			t.Errorf("%s: expected %f, got %f", label, want, val)
		}
	}
}

func TestGateway_Record(t *testing.T) {
	m, _ := TestGatewayMetrics()

	m.RecordChallengeIssued("sha256")
	m.RecordChallengeIssued("sha256")
	if val := getCounterVecValue(t, m.ChallengesIssued, "sha256"); val != 2 {
		t.Errorf("expected 2 issued, got %f", val)
	}

	m.RecordAnswer("")
	m.RecordAnswer("challenge expired")
	if val := getCounterValue(t, m.AnswersVerified); val != 1 {
		t.Errorf("expected 1 verified, got %f", val)
	}
	if val := getCounterVecValue(t, m.AnswersRejected, "challenge expired"); val != 1 {
		t.Errorf("expected 1 rejected, got %f", val)
	}

	m.RecordReplay()
	if val := getCounterValue(t, m.ReplaysBlocked); val != 1 {
		t.Errorf("expected 1 replay, got %f", val)
	}

	m.SetCurrentDifficulty(18)
	if val := getGaugeValue(t, m.CurrentDifficulty); val != 18 {
		t.Errorf("expected 18, got %f", val)
	}

	m.RecordRejected(ReasonRateLimited)
	if val := getCounterVecValue(t, m.RequestsRejected, ReasonRateLimited); val != 1 {
		t.Errorf("expected 1, got %f", val)
	}
}

func TestTestMetrics_Isolated(t *testing.T) {
	m1, reg1 := TestGatewayMetrics()
	_, reg2 := TestGatewayMetrics()

	m1.RecordReplay()

	mfs, err := reg1.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Error("expected metrics to be registered")
	}

	mfs2, err := reg2.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs2 {
		if mf.GetName() == "powgate_gateway_replays_blocked_total" && mf.Metric[0].Counter.GetValue() != 0 {
			t.Error("registries are not isolated")
		}
	}
}

func TestDefaults(t *testing.T) {
	if DefaultClient() != DefaultClient() {
		t.Error("DefaultClient should be a singleton")
	}
	if DefaultGateway() != DefaultGateway() {
		t.Error("DefaultGateway should be a singleton")
	}
}

func TestServer_Handler(t *testing.T) {
	m, reg := TestGatewayMetrics()
	m.RecordReplay()

	s := NewServer(":9999", reg)
	if s.Address() != ":9999" {
		t.Errorf("expected :9999, got %s", s.Address())
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "powgate_gateway_replays_blocked_total 1") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || string(body) != "OK" {
		t.Errorf("health = %d %q", rec.Code, body)
	}
}

func TestStartServer(t *testing.T) {
	s, err := StartServer("127.0.0.1:0", prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestStartServer_BadAddress(t *testing.T) {
	if _, err := StartServer("256.0.0.1:bad", nil); err == nil {
		t.Error("expected error for invalid address")
	}
}

// Helper functions

func getCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to write counter: %v", err)
	}
	return m.Counter.GetValue()
}

func getCounterVecValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()

	c, err := cv.GetMetricWithLabelValues(label)
	if err != nil {
		t.Fatalf("failed to get counter with label: %v", err)
	}
	return getCounterValue(t, c)
}

func getGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	return m.Gauge.GetValue()
}

func getHistogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()

	var m dto.Metric
	if err := h.Write(&m); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	return m.Histogram.GetSampleCount()
}
