package risk

import (
	"encoding/json"
	"time"
)

// State is the circuit breaker position. CLOSED allows trading, OPEN halts
// it, HALF_OPEN permits exactly one reduced-size trial trade.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		*s = StateClosed
	}
	return nil
}

// Trip and reset reasons recorded in the transition history.
const (
	ReasonDailyLoss    = "daily_loss_limit"
	ReasonDrawdown     = "max_drawdown"
	ReasonConsecutive  = "consecutive_losses"
	ReasonExternal     = "external_signal"
	ReasonSessionStart = "session_start"
	ReasonManualReset  = "manual_reset"
	ReasonTrialNonLoss = "trial_non_loss"
	ReasonTrialLoss    = "trial_loss"
)

// Transition is one audit entry in the breaker's append-only history.
type Transition struct {
	At     time.Time `json:"at"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
}

// Limits are the trip thresholds evaluated against the ledger.
type Limits struct {
	DailyLossPct         float64
	MaxDrawdownPct       float64
	MaxConsecutiveLosses int
	ExternalThreshold    float64
	TrialSizeFraction    float64
}
