package model

import "gorm.io/datatypes"

// LedgerStateModel is the single-row durable copy of the risk ledger.
type LedgerStateModel struct {
	ID                int64          `gorm:"column:id;primaryKey"`
	DailyPnL          float64        `gorm:"column:daily_pnl"`
	PeakEquity        float64        `gorm:"column:peak_equity"`
	CurrentEquity     float64        `gorm:"column:current_equity"`
	ConsecutiveLosses int            `gorm:"column:consecutive_losses"`
	OpenPositionRisk  datatypes.JSON `gorm:"column:open_position_risk"`
	TradeCount        int            `gorm:"column:trade_count"`
	WinCount          int            `gorm:"column:win_count"`
	State             string         `gorm:"column:state"`
	TrialOutstanding  bool           `gorm:"column:trial_outstanding"`
	UpdatedAtUnix     int64          `gorm:"column:updated_at"`
}

func (LedgerStateModel) TableName() string { return "ledger_state" }

// BreakerTransitionModel is one append-only audit row of a breaker move.
type BreakerTransitionModel struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	AtUnix    int64  `gorm:"column:at;index"`
	FromState string `gorm:"column:from_state"`
	ToState   string `gorm:"column:to_state"`
	Reason    string `gorm:"column:reason"`
}

func (BreakerTransitionModel) TableName() string { return "breaker_transitions" }

// EscalationModel records one resolved escalation request.
type EscalationModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	Reason         string         `gorm:"column:reason"`
	Context        datatypes.JSON `gorm:"column:context"`
	Status         string         `gorm:"column:status;index"`
	Approved       bool           `gorm:"column:approved"`
	DecisionReason string         `gorm:"column:decision_reason"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	ResolvedAtUnix int64          `gorm:"column:resolved_at"`
	TimeoutSecs    int64          `gorm:"column:timeout_seconds"`
}

func (EscalationModel) TableName() string { return "escalations" }
