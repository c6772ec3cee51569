package proposal

import (
	"strings"
	"time"
)

// Side is the direction a proposal wants to trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideHold Side = "hold"
)

// AmountUnit tags whether Amount is a dollar notional or a share count.
type AmountUnit string

const (
	UnitUSD    AmountUnit = "usd"
	UnitShares AmountUnit = "shares"
)

// TradeProposal is a single trade suggested by an upstream signal producer.
// Immutable once created; the gate never mutates it.
type TradeProposal struct {
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Amount     float64    `json:"amount"`
	AmountUnit AmountUnit `json:"amount_unit"`
	Confidence float64    `json:"confidence"`
	Sentiment  float64    `json:"sentiment"`
	Rationale  string     `json:"rationale"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Signature builds the lowercase token signature used for similarity lookup
// against previously recorded bad outputs.
func (p *TradeProposal) Signature() string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(string(p.Side))),
		strings.ToLower(strings.TrimSpace(p.Symbol)),
		strings.ToLower(strings.TrimSpace(p.Rationale)),
	}
	return strings.Join(parts, " ")
}
