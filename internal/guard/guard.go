package guard

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"safegate/internal/logger"
	"safegate/internal/proposal"
)

// Severity grades a violation. Only critical violations make a proposal
// inadmissible; all severities contribute to the risk score.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) weight() float64 {
	switch s {
	case SeverityCritical:
		return 0.4
	case SeverityWarning:
		return 0.2
	case SeverityInfo:
		return 0.1
	default:
		return 0
	}
}

// Raise bumps a severity one level, capped at critical.
func (s Severity) Raise() Severity {
	switch s {
	case SeverityInfo:
		return SeverityWarning
	default:
		return SeverityCritical
	}
}

// Violation records one failed check against a proposal.
type Violation struct {
	Field      string   `json:"field"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Observed   string   `json:"observed"`
	Constraint string   `json:"constraint"`
}

// Result is the full validation report for one proposal.
type Result struct {
	Admissible      bool        `json:"admissible"`
	Violations      []Violation `json:"violations"`
	RiskScore       float64     `json:"risk_score"`
	PreventionSteps []string    `json:"prevention_steps,omitempty"`
}

// Config holds the tunable limits for the validation stages.
type Config struct {
	ConfidenceCeiling   float64
	MaxPositionPct      float64
	MinRationaleLen     int
	SimilarityThreshold float64
}

// Guard runs the stateless validation pipeline over a single proposal.
type Guard struct {
	cfg      Config
	patterns PatternStore
}

func New(cfg Config, patterns PatternStore) *Guard {
	return &Guard{cfg: cfg, patterns: patterns}
}

var tickerPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)

var validSides = map[string]bool{
	string(proposal.SideBuy):  true,
	string(proposal.SideSell): true,
	string(proposal.SideHold): true,
}

// Check validates a decoded proposal against the account's current equity.
// The type-safety stage short-circuits; every later stage runs and accumulates
// violations so the report is complete.
func (g *Guard) Check(p *proposal.TradeProposal, equity float64) *Result {
	res := &Result{}

	g.checkTypeSafety(p, res)
	if len(res.Violations) > 0 {
		return finalize(res)
	}

	g.checkFormat(p, res)
	g.checkRanges(p, res)
	g.checkBusinessRules(p, equity, res)
	g.checkPatternSimilarity(p, res)

	return finalize(res)
}

func finalize(res *Result) *Result {
	score := 0.0
	admissible := true
	for _, v := range res.Violations {
		score += v.Severity.weight()
		if v.Severity == SeverityCritical {
			admissible = false
		}
	}
	res.RiskScore = math.Min(score, 1.0)
	res.Admissible = admissible
	return res
}

func (g *Guard) checkTypeSafety(p *proposal.TradeProposal, res *Result) {
	numeric := []struct {
		field string
		value float64
	}{
		{"amount", p.Amount},
		{"confidence", p.Confidence},
		{"sentiment", p.Sentiment},
	}
	for _, n := range numeric {
		if math.IsNaN(n.value) || math.IsInf(n.value, 0) {
			res.Violations = append(res.Violations, Violation{
				Field:      n.field,
				Severity:   SeverityCritical,
				Message:    "numeric field is NaN or infinite",
				Observed:   fmt.Sprintf("%v", n.value),
				Constraint: "finite number",
			})
		}
	}
}

func (g *Guard) checkFormat(p *proposal.TradeProposal, res *Result) {
	symbol := strings.TrimSpace(p.Symbol)
	if !tickerPattern.MatchString(symbol) {
		res.Violations = append(res.Violations, Violation{
			Field:      "symbol",
			Severity:   SeverityCritical,
			Message:    "symbol is not an uppercase ticker",
			Observed:   symbol,
			Constraint: tickerPattern.String(),
		})
	}
	side := strings.ToLower(strings.TrimSpace(string(p.Side)))
	if !validSides[side] {
		res.Violations = append(res.Violations, Violation{
			Field:      "side",
			Severity:   SeverityCritical,
			Message:    "side is not one of buy/sell/hold",
			Observed:   string(p.Side),
			Constraint: "buy|sell|hold",
		})
	}
}

func (g *Guard) checkRanges(p *proposal.TradeProposal, res *Result) {
	if p.Sentiment < -1 || p.Sentiment > 1 {
		res.Violations = append(res.Violations, Violation{
			Field:      "sentiment",
			Severity:   SeverityCritical,
			Message:    "sentiment out of range",
			Observed:   fmt.Sprintf("%.4f", p.Sentiment),
			Constraint: "[-1, 1]",
		})
	}
	switch {
	case p.Confidence < 0 || p.Confidence > 1:
		res.Violations = append(res.Violations, Violation{
			Field:      "confidence",
			Severity:   SeverityCritical,
			Message:    "confidence out of range",
			Observed:   fmt.Sprintf("%.4f", p.Confidence),
			Constraint: "[0, 1]",
		})
	case p.Confidence > g.cfg.ConfidenceCeiling:
		// No upstream model is calibrated that well; suspicious, not fatal.
		res.Violations = append(res.Violations, Violation{
			Field:      "confidence",
			Severity:   SeverityWarning,
			Message:    "confidence exceeds calibration ceiling",
			Observed:   fmt.Sprintf("%.4f", p.Confidence),
			Constraint: fmt.Sprintf("<= %.2f", g.cfg.ConfidenceCeiling),
		})
	}
	if p.Amount <= 0 {
		res.Violations = append(res.Violations, Violation{
			Field:      "amount",
			Severity:   SeverityCritical,
			Message:    "amount must be positive",
			Observed:   fmt.Sprintf("%.4f", p.Amount),
			Constraint: "> 0",
		})
	}
}

func (g *Guard) checkBusinessRules(p *proposal.TradeProposal, equity float64, res *Result) {
	if p.AmountUnit != proposal.UnitShares && equity > 0 && p.Amount > equity*g.cfg.MaxPositionPct {
		res.Violations = append(res.Violations, Violation{
			Field:      "amount",
			Severity:   SeverityWarning,
			Message:    "requested amount exceeds max position fraction",
			Observed:   fmt.Sprintf("%.2f", p.Amount),
			Constraint: fmt.Sprintf("<= %.0f%% of equity", g.cfg.MaxPositionPct*100),
		})
	}
	if len(strings.TrimSpace(p.Rationale)) < g.cfg.MinRationaleLen {
		res.Violations = append(res.Violations, Violation{
			Field:      "rationale",
			Severity:   SeverityWarning,
			Message:    "rationale too short to audit",
			Observed:   fmt.Sprintf("%d chars", len(strings.TrimSpace(p.Rationale))),
			Constraint: fmt.Sprintf(">= %d chars", g.cfg.MinRationaleLen),
		})
	}
}

func (g *Guard) checkPatternSimilarity(p *proposal.TradeProposal, res *Result) {
	if g.patterns == nil {
		return
	}
	matches, err := g.patterns.Query(p.Signature(), 3)
	if err != nil {
		// The store is a read-only collaborator; its failure must not block
		// the report, only lose the similarity signal.
		logger.Warnf("guard: pattern store query failed: %v", err)
		return
	}
	for _, m := range matches {
		if m.Similarity < g.cfg.SimilarityThreshold {
			continue
		}
		res.Violations = append(res.Violations, Violation{
			Field:      "rationale",
			Severity:   m.Pattern.Severity.Raise(),
			Message:    fmt.Sprintf("proposal resembles recorded bad output %q", m.Pattern.ID),
			Observed:   fmt.Sprintf("similarity %.2f", m.Similarity),
			Constraint: fmt.Sprintf("< %.2f", g.cfg.SimilarityThreshold),
		})
		res.PreventionSteps = append(res.PreventionSteps, m.Pattern.PreventionSteps...)
	}
}
