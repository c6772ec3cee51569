package market

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// ATR returns the latest average true range over the given period.
func ATR(candles []Candle, period int) (float64, error) {
	if len(candles) < period+1 {
		return 0, fmt.Errorf("atr needs at least %d candles, got %d", period+1, len(candles))
	}
	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
	}
	out := talib.Atr(high, low, closes, period)
	return out[len(out)-1], nil
}

// AnnualizedVolatility is the standard deviation of log close-to-close
// returns, annualized assuming daily bars.
func AnnualizedVolatility(candles []Candle) float64 {
	if len(candles) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		cur := candles[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil) * math.Sqrt(252)
}

// VolumeRatio compares the latest bar's volume to the mean of the preceding
// lookback bars.
func VolumeRatio(candles []Candle, lookback int) float64 {
	if len(candles) < 2 {
		return 1
	}
	if lookback <= 0 || lookback > len(candles)-1 {
		lookback = len(candles) - 1
	}
	window := candles[len(candles)-1-lookback : len(candles)-1]
	volumes := make([]float64, len(window))
	for i, c := range window {
		volumes[i] = c.Volume
	}
	mean := stat.Mean(volumes, nil)
	if mean <= 0 {
		return 1
	}
	return candles[len(candles)-1].Volume / mean
}
