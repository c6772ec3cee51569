package risk

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		DailyLossPct:         0.02,
		MaxDrawdownPct:       0.10,
		MaxConsecutiveLosses: 3,
		ExternalThreshold:    0.80,
		TrialSizeFraction:    0.10,
	}
}

func TestEvaluateEntryClosedAllows(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	allowed, state, reason := m.EvaluateEntry(0)

	assert.True(t, allowed)
	assert.Equal(t, StateClosed, state)
	assert.Empty(t, reason)
}

func TestDailyLossTrips(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.RecordClose("AAPL", -2500) // -2.5% of equity trips on close

	allowed, state, _ := m.EvaluateEntry(0)
	assert.False(t, allowed)
	assert.Equal(t, StateOpen, state)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonDailyLoss, history[0].Reason)
}

func TestConsecutiveLossesTripOnThird(t *testing.T) {
	m := NewManager(testLimits(), 1000000, nil)
	m.RecordClose("AAPL", -100)
	m.RecordClose("MSFT", -100)
	assert.Equal(t, StateClosed, m.Snapshot().State)

	m.RecordClose("NVDA", -100)
	snap := m.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 3, snap.ConsecutiveLosses)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonConsecutive, history[0].Reason)
}

func TestWinResetsLossStreak(t *testing.T) {
	m := NewManager(testLimits(), 1000000, nil)
	m.RecordClose("AAPL", -100)
	m.RecordClose("MSFT", -100)
	m.RecordClose("NVDA", 500)
	assert.Zero(t, m.Snapshot().ConsecutiveLosses)

	m.RecordClose("AAPL", -100)
	assert.Equal(t, StateClosed, m.Snapshot().State)
}

func TestBreakevenCloseKeepsStreak(t *testing.T) {
	m := NewManager(testLimits(), 1000000, nil)
	m.RecordClose("AAPL", -100)
	m.RecordClose("MSFT", 0)
	assert.Equal(t, 1, m.Snapshot().ConsecutiveLosses)
}

func TestExternalSignalTrips(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	allowed, _, reason := m.EvaluateEntry(0.85)

	assert.False(t, allowed)
	assert.Equal(t, ReasonExternal, reason)
}

func TestDrawdownTrips(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.RecordClose("AAPL", 50000) // peak moves to 150000
	m.StartSession()             // clear daily counters so only drawdown applies
	m.RecordClose("AAPL", -16000)

	snap := m.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Greater(t, snap.Drawdown, 0.10)
}

// Peak equity never decreases, so drawdown is monotone in realized losses.
func TestPeakEquityMonotone(t *testing.T) {
	m := NewManager(testLimits(), 1000000, nil)
	m.RecordClose("AAPL", 5000)
	peak := m.Snapshot().PeakEquity
	m.RecordClose("AAPL", -3000)
	assert.Equal(t, peak, m.Snapshot().PeakEquity)
}

func TestResetRequiresOpen(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	assert.Error(t, m.Reset(ReasonManualReset))

	m.EvaluateEntry(0.9) // trip via external signal
	require.NoError(t, m.Reset(ReasonManualReset))
	assert.Equal(t, StateHalfOpen, m.Snapshot().State)

	assert.Error(t, m.Reset(ReasonManualReset), "HALF_OPEN cannot be reset again")
}

func TestHalfOpenSingleTrial(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.EvaluateEntry(0.9)
	require.NoError(t, m.Reset(ReasonManualReset))

	allowed, state, _ := m.EvaluateEntry(0)
	assert.True(t, allowed)
	assert.Equal(t, StateHalfOpen, state)

	require.True(t, m.BeginTrial("AAPL"))
	assert.False(t, m.BeginTrial("MSFT"), "only one trial at a time")

	allowed, _, _ = m.EvaluateEntry(0)
	assert.False(t, allowed, "no entry while the trial is outstanding")
}

func TestTrialLossReopens(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.EvaluateEntry(0.9)
	require.NoError(t, m.Reset(ReasonManualReset))
	require.True(t, m.BeginTrial("AAPL"))

	m.RecordClose("AAPL", -50)
	snap := m.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.False(t, snap.TrialOutstanding)
}

func TestTrialWinCloses(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.EvaluateEntry(0.9)
	require.NoError(t, m.Reset(ReasonManualReset))
	require.True(t, m.BeginTrial("AAPL"))

	m.RecordClose("AAPL", 75)
	assert.Equal(t, StateClosed, m.Snapshot().State)
}

func TestTrialBreakevenCloses(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.EvaluateEntry(0.9)
	require.NoError(t, m.Reset(ReasonManualReset))
	require.True(t, m.BeginTrial("AAPL"))

	m.RecordClose("AAPL", 0)
	assert.Equal(t, StateClosed, m.Snapshot().State)
}

func TestStartSessionResetsDailyNotStreak(t *testing.T) {
	m := NewManager(testLimits(), 1000000, nil)
	m.RecordClose("AAPL", -100)
	m.RecordClose("MSFT", -100)
	m.StartSession()

	snap := m.Snapshot()
	assert.Zero(t, snap.DailyPnL)
	assert.Zero(t, snap.TradeCount)
	assert.Equal(t, 2, snap.ConsecutiveLosses, "loss streak spans sessions")
}

func TestStartSessionRearmsOpenBreaker(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.EvaluateEntry(0.9)
	require.Equal(t, StateOpen, m.Snapshot().State)

	m.StartSession()
	assert.Equal(t, StateHalfOpen, m.Snapshot().State)
}

func TestReserveAndReleaseRisk(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.ReserveRisk("AAPL", 500)
	m.ReserveRisk("MSFT", 250)
	assert.InDelta(t, 750, m.Snapshot().OpenRiskTotal(), 1e-9)

	m.RecordClose("AAPL", 100)
	assert.InDelta(t, 250, m.Snapshot().OpenRiskTotal(), 1e-9)
}

func TestTryReserveRiskGrantsWithinBudget(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil) // 5% cap: $5000 budget

	granted, ok := m.TryReserveRisk("AAPL", 500, 0.05)
	require.True(t, ok)
	assert.InDelta(t, 500, granted, 1e-9)
	assert.InDelta(t, 500, m.Snapshot().OpenRiskTotal(), 1e-9)
}

func TestTryReserveRiskScalesToRemainingBudget(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.ReserveRisk("AAPL", 4800)

	granted, ok := m.TryReserveRisk("MSFT", 500, 0.05)
	require.True(t, ok)
	assert.InDelta(t, 200, granted, 1e-9, "only the remaining budget is granted")
	assert.InDelta(t, 5000, m.Snapshot().OpenRiskTotal(), 1e-9)
}

func TestTryReserveRiskExhaustedBudget(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.ReserveRisk("AAPL", 5000)

	granted, ok := m.TryReserveRisk("MSFT", 500, 0.05)
	assert.False(t, ok)
	assert.Zero(t, granted)
	assert.InDelta(t, 5000, m.Snapshot().OpenRiskTotal(), 1e-9)

	_, ok = m.TryReserveRisk("MSFT", 0, 0.05)
	assert.False(t, ok, "non-positive requests are refused")
}

// The budget check and the reservation happen under one lock acquisition, so
// racing reservations can never overshoot the cap in aggregate.
func TestTryReserveRiskConcurrentHoldsCap(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.TryReserveRisk(fmt.Sprintf("SYM%d", i), 500, 0.05)
		}(i)
	}
	wg.Wait()

	assert.InDelta(t, 5000, m.Snapshot().OpenRiskTotal(), 1e-6,
		"64 x $500 requests against a $5000 budget fill it exactly, never past it")
}

func TestReleaseRiskKeepsOtherReservations(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.ReserveRisk("AAPL", 500)
	m.ReserveRisk("AAPL", 250)

	m.ReleaseRisk("AAPL", 250)
	assert.InDelta(t, 500, m.Snapshot().OpenRiskTotal(), 1e-9)

	m.ReleaseRisk("AAPL", 500)
	assert.Zero(t, m.Snapshot().OpenRiskTotal())
}

func TestCancelTrialFreesSlot(t *testing.T) {
	m := NewManager(testLimits(), 100000, nil)
	m.EvaluateEntry(0.9)
	require.NoError(t, m.Reset(ReasonManualReset))
	require.True(t, m.BeginTrial("AAPL"))

	m.CancelTrial("MSFT")
	assert.True(t, m.Snapshot().TrialOutstanding, "other symbols cannot cancel the trial")

	m.CancelTrial("AAPL")
	snap := m.Snapshot()
	assert.False(t, snap.TrialOutstanding)
	assert.Equal(t, StateHalfOpen, snap.State)
	assert.True(t, m.BeginTrial("MSFT"), "the freed slot is claimable again")
}

type memoryStore struct {
	saved       []Snapshot
	transitions []Transition
}

func (s *memoryStore) SaveLedger(snap Snapshot) error { s.saved = append(s.saved, snap); return nil }
func (s *memoryStore) LoadLedger() (Snapshot, bool, error) {
	if len(s.saved) == 0 {
		return Snapshot{}, false, nil
	}
	return s.saved[len(s.saved)-1], true, nil
}
func (s *memoryStore) AppendTransition(tr Transition) error {
	s.transitions = append(s.transitions, tr)
	return nil
}

func TestLedgerSurvivesRestart(t *testing.T) {
	store := &memoryStore{}
	m := NewManager(testLimits(), 100000, store)
	m.RecordClose("AAPL", -500)
	m.RecordClose("MSFT", -500)
	m.ReserveRisk("NVDA", 300)

	restored := NewManager(testLimits(), 100000, store)
	snap := restored.Snapshot()
	assert.InDelta(t, 99000, snap.CurrentEquity, 1e-9)
	assert.Equal(t, 2, snap.ConsecutiveLosses)
	assert.InDelta(t, 300, snap.OpenRiskTotal(), 1e-9)
}

func TestTransitionsPersisted(t *testing.T) {
	store := &memoryStore{}
	m := NewManager(testLimits(), 100000, store)
	m.EvaluateEntry(0.9)
	require.NoError(t, m.Reset(ReasonManualReset))

	require.Len(t, store.transitions, 2)
	assert.Equal(t, StateOpen, store.transitions[0].To)
	assert.Equal(t, StateHalfOpen, store.transitions[1].To)
}
