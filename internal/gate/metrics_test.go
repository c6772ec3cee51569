package gate

import (
	"testing"
	"time"

	"safegate/internal/guard"
	"safegate/internal/risk"
	"safegate/internal/sizing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two Metrics in one process must not collide on collector registration.
func TestNewMetricsRepeatedConstruction(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(nil)
		NewMetrics(nil)
	})
}

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveDecision(&Decision{
		Outcome:    OutcomeAdmit,
		Validation: &guard.Result{RiskScore: 0.2},
		Sizing:     &sizing.Result{AmountUSD: 1200},
	}, 50*time.Millisecond)
	m.ObserveOutcome(-250)
	m.SetBreakerState(risk.StateOpen)

	fams, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(fams))
	for _, f := range fams {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"safegate_decisions_total",
		"safegate_decision_duration_seconds",
		"safegate_risk_score",
		"safegate_admitted_amount_usd",
		"safegate_trade_pnl_usd",
		"safegate_breaker_state",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}
