package notifier

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEscalationAlertRender(t *testing.T) {
	created := time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)
	alert := EscalationAlert{
		RequestID: "req-7f3a",
		Reason:    "high_risk_score",
		Context: map[string]any{
			"symbol":     "AAPL",
			"amount":     2500.0,
			"risk_score": 0.6,
		},
		Deadline: created.Add(15 * time.Minute),
		Timeout:  15 * time.Minute,
	}

	out := alert.Render()
	assert.Contains(t, out, "request: req-7f3a")
	assert.Contains(t, out, "reason: high_risk_score")
	assert.Contains(t, out, "symbol: AAPL")
	assert.Contains(t, out, "Times out (= rejected) at 2026-03-09 14:45:00 UTC")
	// Context keys render sorted so repeated alerts diff cleanly.
	assert.Less(t, strings.Index(out, "amount:"), strings.Index(out, "risk_score:"))
	assert.Less(t, strings.Index(out, "risk_score:"), strings.Index(out, "symbol:"))
}

func TestEscalationAlertSanitizesFences(t *testing.T) {
	alert := EscalationAlert{
		RequestID: "req-1",
		Reason:    "anomaly_detected",
		Context:   map[string]any{"rationale": "```injection```"},
	}
	out := alert.Render()
	assert.NotContains(t, out, "```injection")
	assert.Contains(t, out, "'''injection'''")
}

func TestEscalationAlertTruncates(t *testing.T) {
	alert := EscalationAlert{
		RequestID: "req-2",
		Reason:    "high_risk_score",
		Context:   map[string]any{"rationale": strings.Repeat("x", 5000)},
	}
	out := alert.Render()
	assert.LessOrEqual(t, len(out), maxMessageLen+3)
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestBreakerAlertRender(t *testing.T) {
	at := time.Date(2026, 3, 9, 10, 5, 0, 0, time.UTC)

	opened := BreakerAlert{From: "CLOSED", To: "OPEN", Reason: "daily_loss_limit", At: at}
	out := opened.Render()
	assert.Contains(t, out, "⛔")
	assert.Contains(t, out, "CLOSED -> OPEN")
	assert.Contains(t, out, "trigger: daily_loss_limit")
	assert.Contains(t, out, "2026-03-09 10:05:00 UTC")

	rearmed := BreakerAlert{From: "OPEN", To: "HALF_OPEN", Reason: "manual_reset"}
	assert.NotContains(t, rearmed.Render(), "⛔")
}
