package market

import (
	"context"
	"fmt"
	"time"
)

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Source is the market-data collaborator the gate depends on. The gate only
// reads; retrieval details (exchange, caching, websockets) live behind it.
type Source interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Snapshot carries the per-symbol inputs the sizer and anomaly detector
// need for one gate evaluation.
type Snapshot struct {
	Price       float64 `json:"price"`
	ATR         float64 `json:"atr"`
	Volatility  float64 `json:"volatility"`
	VolumeRatio float64 `json:"volume_ratio"`
}

// Service derives gate inputs from a Source.
type Service struct {
	src       Source
	interval  string
	limit     int
	atrPeriod int
}

func NewService(src Source, interval string, limit, atrPeriod int) *Service {
	if interval == "" {
		interval = "1h"
	}
	if limit <= 0 {
		limit = 200
	}
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	return &Service{src: src, interval: interval, limit: limit, atrPeriod: atrPeriod}
}

// SnapshotFor fetches recent history and reduces it to the sizing and
// anomaly inputs for one symbol.
func (s *Service) SnapshotFor(ctx context.Context, symbol string) (Snapshot, error) {
	if s.src == nil {
		return Snapshot{}, fmt.Errorf("no market source configured")
	}
	candles, err := s.src.FetchHistory(ctx, symbol, s.interval, s.limit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetching history for %s failed: %w", symbol, err)
	}
	if len(candles) < s.atrPeriod+1 {
		return Snapshot{}, fmt.Errorf("not enough history for %s: %d candles", symbol, len(candles))
	}
	atr, err := ATR(candles, s.atrPeriod)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Price:       candles[len(candles)-1].Close,
		ATR:         atr,
		Volatility:  AnnualizedVolatility(candles),
		VolumeRatio: VolumeRatio(candles, 20),
	}, nil
}
