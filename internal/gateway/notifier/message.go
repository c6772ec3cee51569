package notifier

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Telegram caps messages at 4096 bytes; leave headroom for the ellipsis.
const maxMessageLen = 3800

// EscalationAlert is the operator-facing rendering of a pending escalation:
// what needs a decision, the evidence, and when silence becomes a rejection.
type EscalationAlert struct {
	RequestID string
	Reason    string
	Context   map[string]any
	Deadline  time.Time
	Timeout   time.Duration
}

func (a EscalationAlert) Render() string {
	var b strings.Builder
	b.WriteString("⚠️ Trade escalation pending approval\n\n")
	b.WriteString("```\n")
	fmt.Fprintf(&b, "request: %s\n", sanitize(a.RequestID))
	fmt.Fprintf(&b, "reason: %s\n", sanitize(a.Reason))
	for _, k := range sortedKeys(a.Context) {
		fmt.Fprintf(&b, "%s: %s\n", sanitize(k), sanitizeValue(a.Context[k]))
	}
	b.WriteString("```\n\n")
	if !a.Deadline.IsZero() {
		fmt.Fprintf(&b, "Times out (= rejected) at %s without a decision.",
			a.Deadline.Format("2006-01-02 15:04:05 MST"))
	} else if a.Timeout > 0 {
		fmt.Fprintf(&b, "Times out (= rejected) in %s without a decision.", a.Timeout)
	}
	return truncate(strings.TrimSpace(b.String()))
}

// BreakerAlert announces a circuit breaker transition. OPEN transitions are
// the ones an operator must act on; the rest keep the channel's timeline
// complete.
type BreakerAlert struct {
	From   string
	To     string
	Reason string
	At     time.Time
}

func (a BreakerAlert) Render() string {
	icon := "ℹ️"
	if a.To == "OPEN" {
		icon = "⛔"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s Circuit breaker %s -> %s\n", icon, sanitize(a.From), sanitize(a.To))
	if a.Reason != "" {
		fmt.Fprintf(&b, "trigger: %s\n", sanitize(a.Reason))
	}
	if !a.At.IsZero() {
		b.WriteString("at " + a.At.Format("2006-01-02 15:04:05 MST"))
	}
	return truncate(strings.TrimSpace(b.String()))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string) string {
	if len(s) > maxMessageLen {
		return s[:maxMessageLen] + "..."
	}
	return s
}

func sanitizeValue(v any) string {
	return sanitize(fmt.Sprintf("%v", v))
}

// Code fences inside untrusted values would break the message layout.
func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
