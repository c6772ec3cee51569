package market

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatCandles(n int, price, volume float64) []Candle {
	out := make([]Candle, n)
	for i := range out {
		out[i] = Candle{Open: price, High: price, Low: price, Close: price, Volume: volume}
	}
	return out
}

func TestATRConstantRange(t *testing.T) {
	// Every bar spans exactly 2 points, so the true range is 2 everywhere
	// and the average must converge to 2.
	candles := make([]Candle, 30)
	for i := range candles {
		candles[i] = Candle{Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000}
	}
	atr, err := ATR(candles, 14)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, atr, 1e-9)
}

func TestATRNotEnoughCandles(t *testing.T) {
	_, err := ATR(flatCandles(10, 100, 1000), 14)
	assert.Error(t, err)
}

func TestAnnualizedVolatilityFlatSeries(t *testing.T) {
	assert.Equal(t, 0.0, AnnualizedVolatility(flatCandles(50, 100, 1000)))
}

func TestAnnualizedVolatilityAlternatingSeries(t *testing.T) {
	// Closes alternate 100, 110, 100, ... so log returns alternate
	// +-ln(1.1); the sample stddev of that series is ln(1.1) (up to the
	// n-1 correction) and annualization multiplies by sqrt(252).
	candles := make([]Candle, 40)
	for i := range candles {
		price := 100.0
		if i%2 == 1 {
			price = 110
		}
		candles[i] = Candle{Close: price, Volume: 1000}
	}
	vol := AnnualizedVolatility(candles)
	approx := math.Log(1.1) * math.Sqrt(252)
	assert.InDelta(t, approx, vol, approx*0.05)
}

func TestAnnualizedVolatilitySkipsBadCloses(t *testing.T) {
	candles := []Candle{{Close: 100}, {Close: 0}, {Close: -5}}
	assert.Equal(t, 0.0, AnnualizedVolatility(candles))
}

func TestVolumeRatio(t *testing.T) {
	candles := flatCandles(21, 100, 1000)
	candles[len(candles)-1].Volume = 3000
	assert.InDelta(t, 3.0, VolumeRatio(candles, 20), 1e-9)
}

func TestVolumeRatioDefaults(t *testing.T) {
	assert.Equal(t, 1.0, VolumeRatio(nil, 20))
	assert.Equal(t, 1.0, VolumeRatio(flatCandles(1, 100, 0), 20))
	// Zero historical volume cannot produce a ratio.
	candles := flatCandles(10, 100, 0)
	candles[len(candles)-1].Volume = 500
	assert.Equal(t, 1.0, VolumeRatio(candles, 5))
}
