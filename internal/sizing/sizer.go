package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Method selects the sizing model.
type Method string

const (
	MethodFixedFraction      Method = "fixed_fraction"
	MethodVolatilityAdjusted Method = "volatility_adjusted"
	MethodKelly              Method = "kelly"
	MethodATR                Method = "atr"
)

// ParseMethod validates a configured method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodFixedFraction, MethodVolatilityAdjusted, MethodKelly, MethodATR:
		return Method(s), nil
	default:
		return "", fmt.Errorf("unknown sizing method: %q", s)
	}
}

// ErrBelowMinimum means the computed size is too small to be worth the
// transaction costs. The gate rejects, it does not clamp upward.
var ErrBelowMinimum = errors.New("computed position size below minimum")

// ErrNoEdge means the Kelly inputs imply a negative expected edge.
var ErrNoEdge = errors.New("kelly criterion implies no positive edge")

// Inputs carries everything a single sizing call needs. OpenRiskUSD is the
// aggregate open-position risk read from the risk ledger.
type Inputs struct {
	Symbol       string
	Equity       float64
	RiskFraction float64
	Method       Method

	EntryPrice float64
	StopPrice  float64

	AssetVolatility  float64
	TargetVolatility float64

	WinRate         float64
	WinLossRatio    float64
	KellyMultiplier float64

	ATR           float64
	ATRMultiplier float64

	OpenRiskUSD float64

	MaxPositionPct float64
	MaxOpenRiskPct float64
	MinPositionUSD float64
}

// Result is the sizing recommendation handed back to the gate.
type Result struct {
	Method      Method  `json:"method"`
	AmountUSD   float64 `json:"amount_usd"`
	Shares      float64 `json:"shares"`
	DollarRisk  float64 `json:"dollar_risk"`
	Constrained bool    `json:"constrained"`
}

// Compute derives a recommended position from the chosen method and then
// applies the hard caps: max position fraction, aggregate open-risk cap, and
// the minimum dollar size.
func Compute(in Inputs) (Result, error) {
	if in.Equity <= 0 {
		return Result{}, fmt.Errorf("equity must be positive, got %.2f", in.Equity)
	}
	if in.RiskFraction <= 0 {
		return Result{}, fmt.Errorf("risk fraction must be positive, got %.4f", in.RiskFraction)
	}

	notional, dollarRisk, err := rawSize(in)
	if err != nil {
		return Result{}, err
	}

	res := Result{Method: in.Method}

	// All cap comparisons happen in cents. A size one cent over the cap must
	// clamp, a size exactly at the cap must pass untouched.
	notionalD := decimal.NewFromFloat(notional).Round(2)
	riskD := decimal.NewFromFloat(dollarRisk).Round(2)
	maxNotional := decimal.NewFromFloat(in.Equity * in.MaxPositionPct).Round(2)

	if notionalD.GreaterThan(maxNotional) {
		scale := maxNotional.Div(notionalD)
		notionalD = maxNotional
		riskD = riskD.Mul(scale).Round(2)
		res.Constrained = true
	}

	riskBudget := decimal.NewFromFloat(in.Equity*in.MaxOpenRiskPct - in.OpenRiskUSD).Round(2)
	if riskD.GreaterThan(riskBudget) {
		if riskBudget.Sign() <= 0 {
			return Result{}, ErrBelowMinimum
		}
		scale := riskBudget.Div(riskD)
		notionalD = notionalD.Mul(scale).Round(2)
		riskD = riskBudget
		res.Constrained = true
	}

	minD := decimal.NewFromFloat(in.MinPositionUSD)
	if notionalD.LessThan(minD) {
		return Result{}, ErrBelowMinimum
	}

	res.AmountUSD, _ = notionalD.Float64()
	res.DollarRisk, _ = riskD.Float64()
	if in.EntryPrice > 0 {
		res.Shares, _ = notionalD.Div(decimal.NewFromFloat(in.EntryPrice)).Round(4).Float64()
	}
	return res, nil
}

func rawSize(in Inputs) (notional, dollarRisk float64, err error) {
	switch in.Method {
	case MethodFixedFraction:
		perShare := in.EntryPrice - in.StopPrice
		if in.EntryPrice <= 0 || perShare <= 0 {
			return 0, 0, fmt.Errorf("fixed fraction requires entry > stop > 0")
		}
		shares := in.Equity * in.RiskFraction / perShare
		return shares * in.EntryPrice, shares * perShare, nil

	case MethodVolatilityAdjusted:
		if in.AssetVolatility <= 0 || in.TargetVolatility <= 0 {
			return 0, 0, fmt.Errorf("volatility sizing requires positive volatilities")
		}
		// Base is chosen so that at asset vol == target vol the position
		// risks exactly the configured fraction of equity.
		base := in.Equity * in.RiskFraction / in.TargetVolatility
		notional = base * (in.TargetVolatility / in.AssetVolatility)
		return notional, notional * in.AssetVolatility, nil

	case MethodKelly:
		if in.WinLossRatio <= 0 || in.WinRate <= 0 || in.WinRate >= 1 {
			return 0, 0, fmt.Errorf("kelly requires win rate in (0,1) and positive win/loss ratio")
		}
		kelly := (in.WinRate*in.WinLossRatio - (1 - in.WinRate)) / in.WinLossRatio
		if kelly <= 0 {
			return 0, 0, ErrNoEdge
		}
		// Raw Kelly is never used directly.
		notional = in.Equity * kelly * in.KellyMultiplier
		dollarRisk = notional * stopDistance(in)
		return notional, dollarRisk, nil

	case MethodATR:
		if in.ATR <= 0 || in.ATRMultiplier <= 0 || in.EntryPrice <= 0 {
			return 0, 0, fmt.Errorf("atr sizing requires positive atr, multiplier and entry price")
		}
		shares := in.Equity * in.RiskFraction / (in.ATR * in.ATRMultiplier)
		return shares * in.EntryPrice, shares * in.ATR * in.ATRMultiplier, nil

	default:
		return 0, 0, fmt.Errorf("unknown sizing method: %s", in.Method)
	}
}

// stopDistance returns the fractional distance to the stop, falling back to
// the configured risk fraction when no stop is supplied.
func stopDistance(in Inputs) float64 {
	if in.EntryPrice > 0 && in.StopPrice > 0 && in.StopPrice < in.EntryPrice {
		return (in.EntryPrice - in.StopPrice) / in.EntryPrice
	}
	return in.RiskFraction
}
