package guard

import (
	"math"
	"testing"

	"safegate/internal/proposal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGuard(patterns PatternStore) *Guard {
	return New(Config{
		ConfidenceCeiling:   0.70,
		MaxPositionPct:      0.10,
		MinRationaleLen:     20,
		SimilarityThreshold: 0.85,
	}, patterns)
}

func validProposal() *proposal.TradeProposal {
	return &proposal.TradeProposal{
		Symbol:     "AAPL",
		Side:       proposal.SideBuy,
		Amount:     5000,
		AmountUnit: proposal.UnitUSD,
		Confidence: 0.55,
		Sentiment:  0.30,
		Rationale:  "strong quarterly guidance and expanding services margin",
	}
}

func TestCheckAdmitsCleanProposal(t *testing.T) {
	g := testGuard(nil)
	res := g.Check(validProposal(), 100000)

	assert.True(t, res.Admissible)
	assert.Empty(t, res.Violations)
	assert.Zero(t, res.RiskScore)
}

func TestCheckNaNShortCircuits(t *testing.T) {
	g := testGuard(nil)
	p := validProposal()
	p.Confidence = math.NaN()
	p.Symbol = "invalid ticker!!" // must not be reported: type safety short-circuits
	res := g.Check(p, 100000)

	assert.False(t, res.Admissible)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "confidence", res.Violations[0].Field)
	assert.Equal(t, SeverityCritical, res.Violations[0].Severity)
}

func TestCheckInfinityIsCritical(t *testing.T) {
	g := testGuard(nil)
	p := validProposal()
	p.Amount = math.Inf(1)
	res := g.Check(p, 100000)

	assert.False(t, res.Admissible)
	assert.InDelta(t, 0.4, res.RiskScore, 1e-9)
}

func TestCheckSymbolAndSideFormat(t *testing.T) {
	g := testGuard(nil)

	for _, symbol := range []string{"aapl", "TOOLONG", "BRK.B", ""} {
		p := validProposal()
		p.Symbol = symbol
		res := g.Check(p, 100000)
		assert.False(t, res.Admissible, "symbol %q should be inadmissible", symbol)
	}

	p := validProposal()
	p.Side = "short"
	res := g.Check(p, 100000)
	assert.False(t, res.Admissible)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "side", res.Violations[0].Field)
}

func TestCheckRangeViolations(t *testing.T) {
	g := testGuard(nil)

	p := validProposal()
	p.Sentiment = 1.5
	res := g.Check(p, 100000)
	assert.False(t, res.Admissible)

	p = validProposal()
	p.Confidence = -0.1
	res = g.Check(p, 100000)
	assert.False(t, res.Admissible)

	p = validProposal()
	p.Amount = 0
	res = g.Check(p, 100000)
	assert.False(t, res.Admissible)
}

func TestCheckConfidenceCeilingIsWarningOnly(t *testing.T) {
	g := testGuard(nil)
	p := validProposal()
	p.Confidence = 0.95
	res := g.Check(p, 100000)

	assert.True(t, res.Admissible)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, SeverityWarning, res.Violations[0].Severity)
	assert.InDelta(t, 0.2, res.RiskScore, 1e-9)
}

// Overconfidence plus an oversized request accumulates warnings but stays
// admissible: the score reflects both, 0.2 + 0.2.
func TestCheckWarningsAccumulate(t *testing.T) {
	g := testGuard(nil)
	p := validProposal()
	p.Confidence = 0.95
	p.Amount = 15000
	res := g.Check(p, 100000)

	assert.True(t, res.Admissible)
	assert.Len(t, res.Violations, 2)
	assert.InDelta(t, 0.4, res.RiskScore, 1e-9)
}

func TestCheckRiskScoreCapsAtOne(t *testing.T) {
	g := testGuard(nil)
	p := validProposal()
	p.Symbol = "sp500" // lowercase: critical
	p.Side = "short"   // invalid side: critical
	p.Sentiment = 2.0  // out of range: critical
	p.Amount = -100    // non-positive: critical
	res := g.Check(p, 100000)

	assert.False(t, res.Admissible)
	assert.Len(t, res.Violations, 4)
	assert.Equal(t, 1.0, res.RiskScore)
}

func TestCheckLaterStagesAllRun(t *testing.T) {
	g := testGuard(nil)
	p := validProposal()
	p.Side = "short" // critical, but business rules still evaluated
	p.Rationale = "gut feel"
	res := g.Check(p, 100000)

	assert.False(t, res.Admissible)
	fields := make(map[string]bool)
	for _, v := range res.Violations {
		fields[v.Field] = true
	}
	assert.True(t, fields["side"])
	assert.True(t, fields["rationale"])
}

func TestCheckShareAmountSkipsNotionalRule(t *testing.T) {
	g := testGuard(nil)
	p := validProposal()
	p.AmountUnit = proposal.UnitShares
	p.Amount = 50000 // shares, not dollars
	res := g.Check(p, 100000)

	assert.True(t, res.Admissible)
}

type stubPatternStore struct {
	matches []PatternMatch
	err     error
}

func (s *stubPatternStore) Query(string, int) ([]PatternMatch, error) {
	return s.matches, s.err
}

func TestCheckPatternMatchRaisesSeverity(t *testing.T) {
	store := &stubPatternStore{matches: []PatternMatch{{
		Pattern: BadPattern{
			ID:              "revenge-doubling",
			Severity:        SeverityWarning,
			PreventionSteps: []string{"hold size constant while the loss streak is open"},
		},
		Similarity: 0.91,
	}}}
	g := testGuard(store)
	res := g.Check(validProposal(), 100000)

	assert.False(t, res.Admissible, "warning pattern raises to critical")
	require.Len(t, res.Violations, 1)
	assert.Equal(t, SeverityCritical, res.Violations[0].Severity)
	assert.NotEmpty(t, res.PreventionSteps)
}

func TestCheckPatternBelowThresholdIgnored(t *testing.T) {
	store := &stubPatternStore{matches: []PatternMatch{{
		Pattern:    BadPattern{ID: "weak-match", Severity: SeverityInfo},
		Similarity: 0.40,
	}}}
	g := testGuard(store)
	res := g.Check(validProposal(), 100000)

	assert.True(t, res.Admissible)
	assert.Empty(t, res.Violations)
}

func TestCheckPatternStoreFailureDoesNotBlock(t *testing.T) {
	store := &stubPatternStore{err: assert.AnError}
	g := testGuard(store)
	res := g.Check(validProposal(), 100000)

	assert.True(t, res.Admissible)
}

func TestSeverityRaise(t *testing.T) {
	assert.Equal(t, SeverityWarning, SeverityInfo.Raise())
	assert.Equal(t, SeverityCritical, SeverityWarning.Raise())
	assert.Equal(t, SeverityCritical, SeverityCritical.Raise())
}
