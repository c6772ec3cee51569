package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Observation is one scored data point. Proposal-time observations carry
// confidence and volume ratio; execution reports carry slippage. A zero or
// negative field means "not observed" and is excluded from that metric's
// rolling statistics.
type Observation struct {
	Confidence  float64   `json:"confidence"`
	Slippage    float64   `json:"slippage"`
	VolumeRatio float64   `json:"volume_ratio"`
	At          time.Time `json:"at"`
}

// Flag is one anomaly finding. Blocking flags force the gate to escalate;
// non-blocking flags (liquidity warnings) only annotate the decision.
type Flag struct {
	Kind        string  `json:"kind"`
	ZScore      float64 `json:"z_score"`
	Description string  `json:"description"`
	Blocking    bool    `json:"blocking"`
}

const (
	KindConfidence = "confidence_deviation"
	KindSlippage   = "slippage_spike"
	KindLiquidity  = "low_liquidity"
)

// Detector keeps a bounded rolling window of observations and scores each
// new one against the window before appending it, so a point never
// influences its own score.
type Detector struct {
	mu         sync.Mutex
	window     []Observation
	maxWindow  int
	zThreshold float64
}

// minSamples gates each metric until it carries enough history for a
// meaningful standard deviation.
const minSamples = 20

func NewDetector(windowSize int, zThreshold float64) *Detector {
	if windowSize <= 0 {
		windowSize = 1000
	}
	if zThreshold <= 0 {
		zThreshold = 3.0
	}
	return &Detector{
		window:     make([]Observation, 0, windowSize),
		maxWindow:  windowSize,
		zThreshold: zThreshold,
	}
}

// Score flags deviations of the observation from the rolling history, then
// appends it to the window, evicting the oldest entry when full.
func (d *Detector) Score(obs Observation) []Flag {
	d.mu.Lock()
	defer d.mu.Unlock()
	flags := d.scoreLocked(obs)
	d.appendLocked(obs)
	return flags
}

// Observe appends without scoring, for backfilling the window on restart.
func (d *Detector) Observe(obs Observation) {
	d.mu.Lock()
	d.appendLocked(obs)
	d.mu.Unlock()
}

func (d *Detector) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window)
}

func (d *Detector) appendLocked(obs Observation) {
	if obs.At.IsZero() {
		obs.At = time.Now()
	}
	if len(d.window) >= d.maxWindow {
		d.window = d.window[1:]
	}
	d.window = append(d.window, obs)
}

func (d *Detector) scoreLocked(obs Observation) []Flag {
	var flags []Flag

	if obs.Confidence > 0 {
		series := d.series(func(o Observation) float64 { return o.Confidence })
		if z, ok := zscore(series, obs.Confidence); ok && math.Abs(z) > d.zThreshold {
			flags = append(flags, Flag{
				Kind:        KindConfidence,
				ZScore:      z,
				Description: fmt.Sprintf("confidence %.2f deviates %.1f sigma from rolling mean", obs.Confidence, math.Abs(z)),
				Blocking:    true,
			})
		}
	}

	if obs.Slippage > 0 {
		series := d.series(func(o Observation) float64 { return o.Slippage })
		mean := 0.0
		if len(series) > 0 {
			mean = stat.Mean(series, nil)
		}
		z, zok := zscore(series, obs.Slippage)
		// Slippage beyond twice the rolling average is flagged even when
		// the window is too dispersed for the z-score to fire.
		if (zok && math.Abs(z) > d.zThreshold) || (mean > 0 && len(series) >= minSamples && obs.Slippage > 2*mean) {
			flags = append(flags, Flag{
				Kind:        KindSlippage,
				ZScore:      z,
				Description: fmt.Sprintf("slippage %.4f vs rolling mean %.4f", obs.Slippage, mean),
				Blocking:    true,
			})
		}
	}

	if obs.VolumeRatio > 0 {
		series := d.series(func(o Observation) float64 { return o.VolumeRatio })
		if len(series) >= minSamples {
			mean := stat.Mean(series, nil)
			if mean > 0 && obs.VolumeRatio < 0.5*mean {
				flags = append(flags, Flag{
					Kind:        KindLiquidity,
					Description: fmt.Sprintf("volume ratio %.2f below half of rolling mean %.2f", obs.VolumeRatio, mean),
					Blocking:    false,
				})
			}
		}
	}

	return flags
}

func (d *Detector) series(pick func(Observation) float64) []float64 {
	out := make([]float64, 0, len(d.window))
	for _, o := range d.window {
		if v := pick(o); v > 0 {
			out = append(out, v)
		}
	}
	return out
}

func zscore(series []float64, value float64) (float64, bool) {
	if len(series) < minSamples {
		return 0, false
	}
	mean, std := stat.MeanStdDev(series, nil)
	if std == 0 || math.IsNaN(std) {
		return 0, false
	}
	return (value - mean) / std, true
}
