package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedConfidence(d *Detector, n int) {
	for i := 0; i < n; i++ {
		// Alternate 0.50/0.54 so the window has nonzero spread.
		v := 0.50
		if i%2 == 0 {
			v = 0.54
		}
		d.Observe(Observation{Confidence: v})
	}
}

func TestScoreQuietUntilMinSamples(t *testing.T) {
	d := NewDetector(1000, 3.0)
	seedConfidence(d, minSamples-1)

	flags := d.Score(Observation{Confidence: 0.99})
	assert.Empty(t, flags, "too little history for a z-score")
}

func TestScoreFlagsConfidenceOutlier(t *testing.T) {
	d := NewDetector(1000, 3.0)
	seedConfidence(d, 100)

	flags := d.Score(Observation{Confidence: 0.98})
	require.Len(t, flags, 1)
	assert.Equal(t, KindConfidence, flags[0].Kind)
	assert.True(t, flags[0].Blocking)
	assert.Greater(t, flags[0].ZScore, 3.0)
}

func TestScoreNormalConfidencePasses(t *testing.T) {
	d := NewDetector(1000, 3.0)
	seedConfidence(d, 100)

	flags := d.Score(Observation{Confidence: 0.52})
	assert.Empty(t, flags)
}

// The observation is scored against the window before being appended, so a
// burst of identical outliers keeps flagging instead of normalizing itself.
func TestScoreBeforeAppend(t *testing.T) {
	d := NewDetector(1000, 3.0)
	seedConfidence(d, 100)

	first := d.Score(Observation{Confidence: 0.98})
	second := d.Score(Observation{Confidence: 0.98})
	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
}

func TestSlippageDoubleMeanRule(t *testing.T) {
	d := NewDetector(1000, 3.0)
	for i := 0; i < 50; i++ {
		s := 0.0010
		if i%2 == 0 {
			s = 0.0014
		}
		d.Observe(Observation{Slippage: s})
	}

	// 0.0030 is ~2.5x the rolling mean: flagged regardless of the z-score.
	flags := d.Score(Observation{Slippage: 0.0030})
	require.NotEmpty(t, flags)
	assert.Equal(t, KindSlippage, flags[0].Kind)
	assert.True(t, flags[0].Blocking)
}

func TestLiquidityWarningNotBlocking(t *testing.T) {
	d := NewDetector(1000, 3.0)
	for i := 0; i < 50; i++ {
		v := 1.0
		if i%2 == 0 {
			v = 1.2
		}
		d.Observe(Observation{VolumeRatio: v})
	}

	flags := d.Score(Observation{VolumeRatio: 0.4})
	require.Len(t, flags, 1)
	assert.Equal(t, KindLiquidity, flags[0].Kind)
	assert.False(t, flags[0].Blocking)
}

func TestAbsentMetricsDoNotPollute(t *testing.T) {
	d := NewDetector(1000, 3.0)
	// Proposal-time observations carry no slippage; they must not drag the
	// slippage mean toward zero.
	for i := 0; i < 50; i++ {
		d.Observe(Observation{Confidence: 0.5, Slippage: 0})
	}
	for i := 0; i < 30; i++ {
		s := 0.0010
		if i%2 == 0 {
			s = 0.0014
		}
		d.Observe(Observation{Slippage: s})
	}

	flags := d.Score(Observation{Slippage: 0.0013})
	assert.Empty(t, flags, "ordinary slippage must pass")
}

func TestWindowEvictsOldest(t *testing.T) {
	d := NewDetector(25, 3.0)
	for i := 0; i < 40; i++ {
		d.Observe(Observation{Confidence: 0.5})
	}
	assert.Equal(t, 25, d.Size())
}
