package risk

import (
	"fmt"
	"sync"
	"time"

	"safegate/internal/logger"
)

// Snapshot is a consistent view of the ledger plus breaker state, taken
// under the manager's lock. Serializes losslessly for persistence.
type Snapshot struct {
	DailyPnL          float64            `json:"daily_pnl"`
	PeakEquity        float64            `json:"peak_equity"`
	CurrentEquity     float64            `json:"current_equity"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	OpenPositionRisk  map[string]float64 `json:"open_position_risk"`
	TradeCount        int                `json:"trade_count"`
	WinCount          int                `json:"win_count"`
	Drawdown          float64            `json:"drawdown"`
	State             State              `json:"state"`
	TrialOutstanding  bool               `json:"trial_outstanding"`
}

// OpenRiskTotal is the portfolio heat: aggregate dollar risk across open
// positions.
func (s Snapshot) OpenRiskTotal() float64 {
	total := 0.0
	for _, r := range s.OpenPositionRisk {
		total += r
	}
	return total
}

// Store persists the ledger and the breaker history within a trading
// session so both survive a process restart.
type Store interface {
	SaveLedger(Snapshot) error
	LoadLedger() (Snapshot, bool, error)
	AppendTransition(Transition) error
}

// Manager is the sole owner of mutable risk state. Every read-for-decision
// and write-from-outcome goes through its mutex, so the breaker never sees a
// half-updated ledger.
type Manager struct {
	mu     sync.Mutex
	limits Limits

	dailyPnL          float64
	peakEquity        float64
	currentEquity     float64
	consecutiveLosses int
	openRisk          map[string]float64
	tradeCount        int
	winCount          int

	state            State
	history          []Transition
	trialOutstanding bool
	trialSymbol      string

	store        Store
	onTransition func(Transition)
}

// NewManager builds a ledger at the given starting equity, restoring any
// persisted state from the current session.
func NewManager(limits Limits, startingEquity float64, store Store) *Manager {
	m := &Manager{
		limits:        limits,
		peakEquity:    startingEquity,
		currentEquity: startingEquity,
		openRisk:      make(map[string]float64),
		state:         StateClosed,
		store:         store,
	}
	if store != nil {
		snap, ok, err := store.LoadLedger()
		if err != nil {
			logger.Errorf("risk: restoring ledger failed: %v", err)
		} else if ok {
			m.restore(snap)
			logger.Infof("risk: ledger restored (state=%s equity=%.2f dailyPnL=%.2f)",
				m.state, m.currentEquity, m.dailyPnL)
		}
	}
	return m
}

func (m *Manager) restore(snap Snapshot) {
	m.dailyPnL = snap.DailyPnL
	m.peakEquity = snap.PeakEquity
	m.currentEquity = snap.CurrentEquity
	m.consecutiveLosses = snap.ConsecutiveLosses
	m.tradeCount = snap.TradeCount
	m.winCount = snap.WinCount
	m.state = snap.State
	m.trialOutstanding = snap.TrialOutstanding
	m.openRisk = make(map[string]float64, len(snap.OpenPositionRisk))
	for sym, r := range snap.OpenPositionRisk {
		m.openRisk[sym] = r
	}
}

// SetTransitionHandler registers a callback invoked outside the lock on
// every breaker transition.
func (m *Manager) SetTransitionHandler(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// Snapshot returns a consistent copy of the ledger and breaker state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	open := make(map[string]float64, len(m.openRisk))
	for sym, r := range m.openRisk {
		open[sym] = r
	}
	dd := 0.0
	if m.peakEquity > 0 {
		dd = (m.peakEquity - m.currentEquity) / m.peakEquity
	}
	return Snapshot{
		DailyPnL:          m.dailyPnL,
		PeakEquity:        m.peakEquity,
		CurrentEquity:     m.currentEquity,
		ConsecutiveLosses: m.consecutiveLosses,
		OpenPositionRisk:  open,
		TradeCount:        m.tradeCount,
		WinCount:          m.winCount,
		Drawdown:          dd,
		State:             m.state,
		TrialOutstanding:  m.trialOutstanding,
	}
}

// EvaluateEntry decides whether trading is currently permitted, evaluating
// the breaker's transition function against an atomic ledger snapshot plus
// the externally supplied volatility/anomaly score. Returns the state after
// evaluation and, when tripped, the trip reason.
func (m *Manager) EvaluateEntry(externalScore float64) (allowed bool, state State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		if trip := m.tripReasonLocked(externalScore); trip != "" {
			m.transitionLocked(StateOpen, trip)
			return false, m.state, trip
		}
		return true, m.state, ""
	}
	if m.state == StateHalfOpen && !m.trialOutstanding {
		return true, m.state, ""
	}
	return false, m.state, ""
}

func (m *Manager) tripReasonLocked(externalScore float64) string {
	if m.currentEquity > 0 && m.dailyPnL/m.currentEquity < -m.limits.DailyLossPct {
		return ReasonDailyLoss
	}
	if m.peakEquity > 0 && (m.peakEquity-m.currentEquity)/m.peakEquity > m.limits.MaxDrawdownPct {
		return ReasonDrawdown
	}
	if m.consecutiveLosses >= m.limits.MaxConsecutiveLosses {
		return ReasonConsecutive
	}
	if m.limits.ExternalThreshold > 0 && externalScore >= m.limits.ExternalThreshold {
		return ReasonExternal
	}
	return ""
}

// BeginTrial marks the single HALF_OPEN trial trade as outstanding. Returns
// false if the breaker is not HALF_OPEN or a trial is already out.
func (m *Manager) BeginTrial(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateHalfOpen || m.trialOutstanding {
		return false
	}
	m.trialOutstanding = true
	m.trialSymbol = symbol
	m.persistLocked()
	return true
}

// CancelTrial frees the trial slot when the admission it was claimed for
// never completes (reservation rolled back, audit write failed). A no-op for
// any other symbol or once the trial has closed.
func (m *Manager) CancelTrial(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trialOutstanding && m.trialSymbol == symbol {
		m.trialOutstanding = false
		m.trialSymbol = ""
		m.persistLocked()
	}
}

// TrialFraction is the reduction applied to the sizer's recommendation for a
// HALF_OPEN trial trade.
func (m *Manager) TrialFraction() float64 {
	return m.limits.TrialSizeFraction
}

// ReserveRisk records the dollar risk of an admitted, not-yet-closed trade.
func (m *Manager) ReserveRisk(symbol string, dollars float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openRisk[symbol] += dollars
	m.persistLocked()
}

// TryReserveRisk re-checks the aggregate open-risk budget and reserves under
// a single lock acquisition, so concurrent admissions cannot each size
// against the same stale snapshot and collectively overshoot the cap. The
// granted amount is the requested dollars, or whatever budget remains when
// that is smaller; ok is false when the budget is already exhausted.
func (m *Manager) TryReserveRisk(symbol string, dollars, maxOpenRiskPct float64) (granted float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dollars <= 0 {
		return 0, false
	}
	budget := m.currentEquity * maxOpenRiskPct
	for _, r := range m.openRisk {
		budget -= r
	}
	if budget <= 0 {
		return 0, false
	}
	if dollars > budget {
		dollars = budget
	}
	m.openRisk[symbol] += dollars
	m.persistLocked()
	return dollars, true
}

// ReleaseRisk backs out a reservation for a trade that never became an open
// position, leaving any earlier reservation on the same symbol intact.
func (m *Manager) ReleaseRisk(symbol string, dollars float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openRisk[symbol] -= dollars
	if m.openRisk[symbol] <= 1e-9 {
		delete(m.openRisk, symbol)
	}
	m.persistLocked()
}

// RecordClose folds a realized trade outcome into the ledger and runs the
// breaker's close-event transitions.
func (m *Manager) RecordClose(symbol string, pnl float64) {
	m.mu.Lock()

	m.currentEquity += pnl
	m.dailyPnL += pnl
	if m.currentEquity > m.peakEquity {
		m.peakEquity = m.currentEquity
	}
	m.tradeCount++
	if pnl > 0 {
		m.winCount++
		m.consecutiveLosses = 0
	} else if pnl < 0 {
		m.consecutiveLosses++
	}
	delete(m.openRisk, symbol)

	switch m.state {
	case StateHalfOpen:
		if m.trialOutstanding && symbol == m.trialSymbol {
			m.trialOutstanding = false
			m.trialSymbol = ""
			if pnl < 0 {
				m.transitionLocked(StateOpen, ReasonTrialLoss)
			} else {
				m.transitionLocked(StateClosed, ReasonTrialNonLoss)
			}
		}
	case StateClosed:
		if trip := m.tripReasonLocked(0); trip != "" {
			m.transitionLocked(StateOpen, trip)
		}
	}
	m.persistLocked()
	m.mu.Unlock()
}

// Reset moves the breaker OPEN -> HALF_OPEN. It clears no ledger counters;
// it only re-arms the single trial trade.
func (m *Manager) Reset(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen {
		return fmt.Errorf("breaker is %s, reset requires OPEN", m.state)
	}
	m.transitionLocked(StateHalfOpen, reason)
	m.persistLocked()
	return nil
}

// StartSession resets the daily counters at a session boundary. An OPEN
// breaker is re-armed to HALF_OPEN automatically.
func (m *Manager) StartSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = 0
	m.tradeCount = 0
	m.winCount = 0
	if m.state == StateOpen {
		m.transitionLocked(StateHalfOpen, ReasonSessionStart)
	}
	m.persistLocked()
	logger.Infof("risk: session started (state=%s equity=%.2f)", m.state, m.currentEquity)
}

// History returns a copy of the append-only transition log held in memory.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) transitionLocked(to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	tr := Transition{At: time.Now(), From: from, To: to, Reason: reason}
	m.history = append(m.history, tr)
	if m.store != nil {
		if err := m.store.AppendTransition(tr); err != nil {
			logger.Errorf("risk: persisting breaker transition failed: %v", err)
		}
	}
	if m.onTransition != nil {
		go m.onTransition(tr)
	}
	logger.Warnf("risk: breaker %s -> %s (%s)", from, to, reason)
}

func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveLedger(m.snapshotLocked()); err != nil {
		logger.Errorf("risk: persisting ledger failed: %v", err)
	}
}
