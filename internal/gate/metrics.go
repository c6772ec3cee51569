package gate

import (
	"time"

	"safegate/internal/risk"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the gate's decision flow to Prometheus.
type Metrics struct {
	decisionsTotal   *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	riskScore        prometheus.Histogram
	admittedAmount   prometheus.Histogram
	outcomePnL       prometheus.Histogram
	breakerState     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safegate_decisions_total",
				Help: "Gate decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		decisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "safegate_decision_duration_seconds",
				Help:    "End-to-end evaluation latency, escalation wait included",
				Buckets: []float64{.005, .025, .1, .5, 2.5, 10, 60, 300, 900},
			},
		),
		riskScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "safegate_risk_score",
				Help:    "Distribution of validation risk scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		admittedAmount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "safegate_admitted_amount_usd",
				Help:    "Dollar size of admitted trades",
				Buckets: prometheus.ExponentialBuckets(100, 2, 10),
			},
		),
		outcomePnL: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "safegate_trade_pnl_usd",
				Help:    "Realized PnL of closed trades reported to the gate",
				Buckets: []float64{-5000, -1000, -250, -50, 0, 50, 250, 1000, 5000},
			},
		),
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "safegate_breaker_state",
				Help: "Circuit breaker state (0=CLOSED 1=HALF_OPEN 2=OPEN)",
			},
		),
	}
	// A fresh registry per Metrics keeps registration idempotent: building
	// the app twice in one process must not panic on duplicate collectors.
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(m.decisionsTotal, m.decisionDuration, m.riskScore,
		m.admittedAmount, m.outcomePnL, m.breakerState)
	return m
}

func (m *Metrics) ObserveDecision(d *Decision, elapsed time.Duration) {
	m.decisionsTotal.WithLabelValues(string(d.Outcome), d.Reason).Inc()
	m.decisionDuration.Observe(elapsed.Seconds())
	if d.Validation != nil {
		m.riskScore.Observe(d.Validation.RiskScore)
	}
	if d.Outcome == OutcomeAdmit && d.Sizing != nil {
		m.admittedAmount.Observe(d.Sizing.AmountUSD)
	}
}

func (m *Metrics) ObserveOutcome(pnl float64) {
	m.outcomePnL.Observe(pnl)
}

func (m *Metrics) SetBreakerState(s risk.State) {
	switch s {
	case risk.StateHalfOpen:
		m.breakerState.Set(1)
	case risk.StateOpen:
		m.breakerState.Set(2)
	default:
		m.breakerState.Set(0)
	}
}
