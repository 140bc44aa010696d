package server

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"darkpool/internal/deposit"
)

type metricsRegistry struct {
	registry        *prometheus.Registry
	depositsTotal   *prometheus.CounterVec
	txSubmitted     *prometheus.CounterVec
	depositDuration prometheus.Histogram
	inFlight        prometheus.Gauge
	wsClients       prometheus.Gauge
}

func newMetricsRegistry(stale func() bool) *metricsRegistry {
	deposits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "darkpool_deposits_total",
		Help: "Deposit requests by result",
	}, []string{"result"})

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "darkpool_transactions_submitted_total",
		Help: "Transactions broadcast by the orchestrator",
	}, []string{"kind"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "darkpool_deposit_duration_seconds",
		Help:    "Time from deposit request to terminal outcome",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "darkpool_deposits_in_flight",
		Help: "Deposit requests currently being orchestrated",
	})

	staleGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "darkpool_stats_stale",
		Help: "1 when the last stats refresh failed",
	}, func() float64 {
		if stale != nil && stale() {
			return 1
		}
		return 0
	})

	ws := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "darkpool_ws_clients",
		Help: "Connected event stream clients",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(deposits, submitted, duration, inFlight, staleGauge, ws)

	return &metricsRegistry{
		registry:        r,
		depositsTotal:   deposits,
		txSubmitted:     submitted,
		depositDuration: duration,
		inFlight:        inFlight,
		wsClients:       ws,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HandleEvent counts broadcast transactions. It is a deposit.Listener.
func (m *metricsRegistry) HandleEvent(ev deposit.Event) {
	if ev.Submitted() && (ev.State == deposit.StateAwaitingApproval || ev.State == deposit.StateAwaitingDeposit) {
		m.txSubmitted.WithLabelValues(string(ev.Step)).Inc()
	}
}

func (m *metricsRegistry) observeDeposit(out deposit.Outcome, err error) {
	m.depositsTotal.WithLabelValues(resultLabel(err)).Inc()
	if !out.FinishedAt.IsZero() && !out.StartedAt.IsZero() {
		m.depositDuration.Observe(out.FinishedAt.Sub(out.StartedAt).Seconds())
	}
}

func (m *metricsRegistry) trackInFlight() (done func()) {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, deposit.ErrInvalidAmount):
		return "invalid"
	case errors.Is(err, deposit.ErrAlreadyInProgress):
		return "in_progress"
	case errors.Is(err, deposit.ErrWrongNetwork):
		return "wrong_network"
	case errors.Is(err, deposit.ErrUserRejectedSignature):
		return "rejected"
	case errors.Is(err, deposit.ErrChainSubmissionFailed):
		return "failed"
	case errors.Is(err, deposit.ErrConfirmationTimedOut):
		return "timed_out"
	case errors.Is(err, deposit.ErrReadUnavailable):
		return "read_unavailable"
	default:
		return "error"
	}
}
