package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"safegate/internal/anomaly"
	"safegate/internal/config"
	"safegate/internal/escalation"
	"safegate/internal/guard"
	"safegate/internal/logger"
	"safegate/internal/market"
	"safegate/internal/proposal"
	"safegate/internal/risk"
	"safegate/internal/sizing"
	"safegate/internal/store/auditlog"

	"github.com/google/uuid"
)

// Outcome is the terminal result of one gate evaluation.
type Outcome string

const (
	OutcomeAdmit    Outcome = "admit"
	OutcomeReject   Outcome = "reject"
	OutcomeEscalate Outcome = "escalate"
)

// Decision reasons. Malformed proposals are always hard rejects, risk limit
// breaches are always escalated, timeouts are logged distinctly from explicit
// human rejections.
const (
	ReasonMalformedProposal = "malformed_proposal"
	ReasonRiskLimitBreach   = "risk_limit_breach"
	ReasonSizingInfeasible  = "sizing_infeasible"
	ReasonAnomalyDetected   = "anomaly_detected"
	ReasonHighRiskScore     = "high_risk_score"
	ReasonLowConfidence     = "low_confidence_review"
	ReasonEscalationTimeout = "escalation_timeout"
	ReasonHumanRejected     = "human_rejected"
	ReasonHumanApproved     = "human_approved"
	ReasonCollaboratorDown  = "collaborator_unavailable"
)

// Decision is the gate's answer for one proposal, with the full evidence
// attached so the producer can self-correct.
type Decision struct {
	TraceID          string              `json:"trace_id"`
	Symbol           string              `json:"symbol"`
	Outcome          Outcome             `json:"outcome"`
	Reason           string              `json:"reason,omitempty"`
	Validation       *guard.Result       `json:"validation,omitempty"`
	Sizing           *sizing.Result      `json:"sizing,omitempty"`
	Flags            []anomaly.Flag      `json:"flags,omitempty"`
	Escalation       *escalation.Request `json:"escalation,omitempty"`
	EscalationStatus escalation.Status   `json:"escalation_status,omitempty"`
	DecidedAt        time.Time           `json:"decided_at"`
}

// EvalRequest carries one proposal plus the per-call collaborator inputs.
type EvalRequest struct {
	// Raw takes precedence over Proposal so sentinel values in the wire
	// payload are visible to the type-safety stage.
	Raw      []byte
	Proposal *proposal.TradeProposal

	// Market may be pre-supplied; otherwise the gate asks its market
	// service, and fails closed if that collaborator is down.
	Market *market.Snapshot

	StopPrice      float64
	Method         sizing.Method
	WinRate        float64
	WinLossRatio   float64
	ExternalSignal float64
}

// AuditStore records decisions durably. The gate refuses to return a
// decision it could not record.
type AuditStore interface {
	Append(ctx context.Context, rec auditlog.Record) error
}

// Gate composes the validation guard, position sizer, risk ledger, circuit
// breaker, anomaly detector and escalation manager into one synchronous
// decision per proposal.
type Gate struct {
	cfg      *config.Config
	guard    *guard.Guard
	riskMgr  *risk.Manager
	detector *anomaly.Detector
	esc      *escalation.Manager
	mkt      *market.Service
	audit    AuditStore
	metrics  *Metrics
}

func New(cfg *config.Config, g *guard.Guard, mgr *risk.Manager, det *anomaly.Detector,
	esc *escalation.Manager, mkt *market.Service, audit AuditStore, metrics *Metrics) *Gate {
	return &Gate{
		cfg:      cfg,
		guard:    g,
		riskMgr:  mgr,
		detector: det,
		esc:      esc,
		mkt:      mkt,
		audit:    audit,
		metrics:  metrics,
	}
}

// Evaluate runs the full pipeline for one proposal. It blocks while an
// escalation is pending, but never while holding the risk ledger lock.
func (g *Gate) Evaluate(ctx context.Context, req EvalRequest) (*Decision, error) {
	started := time.Now()
	d := &Decision{TraceID: uuid.NewString()}

	ledger := g.riskMgr.Snapshot()

	var p *proposal.TradeProposal
	if req.Raw != nil {
		p, d.Validation = g.guard.CheckRaw(req.Raw, ledger.CurrentEquity)
	} else if req.Proposal != nil {
		p = req.Proposal
		d.Validation = g.guard.Check(p, ledger.CurrentEquity)
	} else {
		return nil, fmt.Errorf("evaluate requires a proposal")
	}
	if p != nil {
		d.Symbol = p.Symbol
	}

	// Inadmissible proposals stop here: a malformed proposal is a hard
	// reject, never an escalation.
	if !d.Validation.Admissible {
		return g.conclude(ctx, d, started, OutcomeReject, ReasonMalformedProposal)
	}

	allowed, state, tripReason := g.riskMgr.EvaluateEntry(req.ExternalSignal)
	if !allowed {
		if tripReason == "" {
			tripReason = ReasonRiskLimitBreach
		}
		return g.escalateBreach(ctx, d, started, state, tripReason)
	}

	mktSnap, err := g.marketSnapshot(ctx, req, p.Symbol)
	if err != nil {
		// Fail closed: a missing collaborator becomes an escalation that
		// times out, never a silent admit.
		logger.Errorf("gate[%s]: market data unavailable for %s: %v", d.TraceID, p.Symbol, err)
		return g.escalateAndResolve(ctx, d, started, ReasonCollaboratorDown, map[string]any{
			"symbol": p.Symbol,
			"error":  err.Error(),
		}, nil)
	}

	sized, err := g.size(req, p, ledger, mktSnap, state)
	if err != nil {
		if errors.Is(err, sizing.ErrBelowMinimum) || errors.Is(err, sizing.ErrNoEdge) {
			return g.conclude(ctx, d, started, OutcomeReject, ReasonSizingInfeasible)
		}
		logger.Errorf("gate[%s]: sizing failed: %v", d.TraceID, err)
		return g.conclude(ctx, d, started, OutcomeReject, ReasonSizingInfeasible)
	}
	d.Sizing = &sized

	d.Flags = g.detector.Score(anomaly.Observation{
		Confidence:  p.Confidence,
		VolumeRatio: mktSnap.VolumeRatio,
	})

	if reason, snap := g.escalationTrigger(d, p); reason != "" {
		return g.escalateAndResolve(ctx, d, started, reason, snap, &sized)
	}

	// Admission. A HALF_OPEN admit consumes the single trial slot; losing
	// the race to another proposal means trading is not permitted after all.
	if state == risk.StateHalfOpen && !g.riskMgr.BeginTrial(p.Symbol) {
		return g.escalateBreach(ctx, d, started, risk.StateHalfOpen, ReasonRiskLimitBreach)
	}
	return g.admit(ctx, d, started, state, &sized, "")
}

// admit finalizes an admission. The aggregate open-risk cap is re-checked
// atomically on the ledger: whatever other evaluations reserved since this
// one was sized shrinks the grant, and the sizing is scaled down to the
// granted risk. Ledger mutations are rolled back if the decision cannot be
// audited, so a failed admit leaves no phantom heat and no consumed trial
// slot.
func (g *Gate) admit(ctx context.Context, d *Decision, started time.Time, state risk.State, sized *sizing.Result, admitReason string) (*Decision, error) {
	granted, ok := g.riskMgr.TryReserveRisk(d.Symbol, sized.DollarRisk, g.cfg.Sizing.MaxOpenRiskPct)
	if !ok {
		if state == risk.StateHalfOpen {
			g.riskMgr.CancelTrial(d.Symbol)
		}
		return g.conclude(ctx, d, started, OutcomeReject, ReasonSizingInfeasible)
	}
	if granted < sized.DollarRisk {
		scale := granted / sized.DollarRisk
		sized.AmountUSD *= scale
		sized.Shares *= scale
		sized.DollarRisk = granted
		sized.Constrained = true
		if sized.AmountUSD < g.cfg.Sizing.MinPositionUSD {
			g.riskMgr.ReleaseRisk(d.Symbol, granted)
			if state == risk.StateHalfOpen {
				g.riskMgr.CancelTrial(d.Symbol)
			}
			return g.conclude(ctx, d, started, OutcomeReject, ReasonSizingInfeasible)
		}
	}
	dec, err := g.conclude(ctx, d, started, OutcomeAdmit, admitReason)
	if err != nil {
		g.riskMgr.ReleaseRisk(d.Symbol, granted)
		if state == risk.StateHalfOpen {
			g.riskMgr.CancelTrial(d.Symbol)
		}
		return nil, err
	}
	return dec, nil
}

// escalationTrigger decides whether the sized proposal still needs a human,
// and builds the context snapshot handed to the approver.
func (g *Gate) escalationTrigger(d *Decision, p *proposal.TradeProposal) (string, map[string]any) {
	snap := map[string]any{
		"symbol":     p.Symbol,
		"side":       p.Side,
		"amount":     d.Sizing.AmountUSD,
		"confidence": p.Confidence,
		"risk_score": d.Validation.RiskScore,
		"rationale":  p.Rationale,
	}
	for _, f := range d.Flags {
		if f.Blocking {
			snap["anomaly"] = f.Description
			return ReasonAnomalyDetected, snap
		}
	}
	score := d.Validation.RiskScore
	// Threshold boundaries are inclusive on the escalate side.
	if score >= g.cfg.Gate.BlockThreshold {
		return ReasonHighRiskScore, snap
	}
	if score >= g.cfg.Gate.ReviewThreshold && p.Confidence < g.cfg.Gate.ConfidenceFloor {
		return ReasonLowConfidence, snap
	}
	return "", nil
}

// escalateBreach handles the breaker-not-CLOSED path: always escalated so an
// operator can decide to reset, never silently rejected.
func (g *Gate) escalateBreach(ctx context.Context, d *Decision, started time.Time, state risk.State, tripReason string) (*Decision, error) {
	req, out := g.esc.Await(ctx, ReasonRiskLimitBreach, map[string]any{
		"symbol":        d.Symbol,
		"breaker_state": state.String(),
		"trip_reason":   tripReason,
	})
	d.Escalation = &req
	d.EscalationStatus = out.Status

	switch out.Status {
	case escalation.StatusApproved:
		// Approval re-arms the breaker; the proposal itself must re-enter
		// the pipeline once trading is permitted again.
		if err := g.riskMgr.Reset(risk.ReasonManualReset); err != nil {
			logger.Warnf("gate[%s]: breaker reset after approval failed: %v", d.TraceID, err)
		}
		return g.conclude(ctx, d, started, OutcomeEscalate, ReasonRiskLimitBreach)
	case escalation.StatusRejected:
		return g.conclude(ctx, d, started, OutcomeReject, ReasonHumanRejected)
	default:
		return g.conclude(ctx, d, started, OutcomeReject, ReasonEscalationTimeout)
	}
}

// escalateAndResolve blocks on a human decision for a reviewable proposal.
// Approval admits the sized trade; rejection and timeout both refuse it,
// logged under distinct reasons.
func (g *Gate) escalateAndResolve(ctx context.Context, d *Decision, started time.Time, reason string, snap map[string]any, sized *sizing.Result) (*Decision, error) {
	req, out := g.esc.Await(ctx, reason, snap)
	d.Escalation = &req
	d.EscalationStatus = out.Status

	switch out.Status {
	case escalation.StatusApproved:
		if sized == nil {
			// Nothing safe to admit (e.g. collaborator failure); the
			// approval only acknowledges the alert.
			return g.conclude(ctx, d, started, OutcomeReject, reason)
		}
		state := g.riskMgr.Snapshot().State
		if state == risk.StateOpen {
			return g.conclude(ctx, d, started, OutcomeReject, ReasonRiskLimitBreach)
		}
		if state == risk.StateHalfOpen && !g.riskMgr.BeginTrial(d.Symbol) {
			return g.conclude(ctx, d, started, OutcomeReject, ReasonRiskLimitBreach)
		}
		return g.admit(ctx, d, started, state, sized, ReasonHumanApproved)
	case escalation.StatusRejected:
		return g.conclude(ctx, d, started, OutcomeReject, ReasonHumanRejected)
	default:
		return g.conclude(ctx, d, started, OutcomeReject, ReasonEscalationTimeout)
	}
}

func (g *Gate) marketSnapshot(ctx context.Context, req EvalRequest, symbol string) (market.Snapshot, error) {
	if req.Market != nil {
		return *req.Market, nil
	}
	if g.mkt == nil {
		return market.Snapshot{}, fmt.Errorf("no market data supplied and no market service configured")
	}
	return g.mkt.SnapshotFor(ctx, symbol)
}

func (g *Gate) size(req EvalRequest, p *proposal.TradeProposal, ledger risk.Snapshot, mktSnap market.Snapshot, state risk.State) (sizing.Result, error) {
	cfg := g.cfg.Sizing
	method := req.Method
	if method == "" {
		method = sizing.Method(cfg.DefaultMethod)
	}
	stop := req.StopPrice
	if stop <= 0 && mktSnap.Price > 0 && mktSnap.ATR > 0 {
		stop = mktSnap.Price - mktSnap.ATR*cfg.ATRMultiplier
	}
	winRate := req.WinRate
	if winRate <= 0 && ledger.TradeCount >= 10 {
		winRate = float64(ledger.WinCount) / float64(ledger.TradeCount)
	}
	winLossRatio := req.WinLossRatio
	if winLossRatio <= 0 {
		winLossRatio = 1.5
	}

	in := sizing.Inputs{
		Symbol:           p.Symbol,
		Equity:           ledger.CurrentEquity,
		RiskFraction:     cfg.RiskFraction,
		Method:           method,
		EntryPrice:       mktSnap.Price,
		StopPrice:        stop,
		AssetVolatility:  mktSnap.Volatility,
		TargetVolatility: cfg.TargetVolatility,
		WinRate:          winRate,
		WinLossRatio:     winLossRatio,
		KellyMultiplier:  cfg.KellyMultiplier,
		ATR:              mktSnap.ATR,
		ATRMultiplier:    cfg.ATRMultiplier,
		OpenRiskUSD:      ledger.OpenRiskTotal(),
		MaxPositionPct:   cfg.MaxPositionPct,
		MaxOpenRiskPct:   cfg.MaxOpenRiskPct,
		MinPositionUSD:   cfg.MinPositionUSD,
	}
	res, err := sizing.Compute(in)
	if err != nil {
		return res, err
	}
	if state == risk.StateHalfOpen {
		// The single trial trade runs at a fixed fraction of the normal
		// recommendation.
		frac := g.riskMgr.TrialFraction()
		res.AmountUSD *= frac
		res.DollarRisk *= frac
		res.Shares *= frac
		res.Constrained = true
		if res.AmountUSD < cfg.MinPositionUSD {
			return res, sizing.ErrBelowMinimum
		}
	}
	return res, nil
}

// conclude records the decision in the audit log before returning it. A
// decision that cannot be recorded is not returned as a decision at all.
func (g *Gate) conclude(ctx context.Context, d *Decision, started time.Time, outcome Outcome, reason string) (*Decision, error) {
	d.Outcome = outcome
	d.Reason = reason
	d.DecidedAt = time.Now()

	if g.audit != nil {
		payload, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encoding decision for audit failed: %w", err)
		}
		rec := auditlog.Record{
			TraceID: d.TraceID,
			At:      d.DecidedAt,
			Symbol:  d.Symbol,
			Outcome: string(d.Outcome),
			Reason:  d.Reason,
			Payload: payload,
		}
		if d.Validation != nil {
			rec.RiskScore = d.Validation.RiskScore
		}
		if d.Sizing != nil {
			rec.AmountUSD = d.Sizing.AmountUSD
		}
		if err := g.audit.Append(ctx, rec); err != nil {
			return nil, fmt.Errorf("recording gate decision failed: %w", err)
		}
	}
	if g.metrics != nil {
		g.metrics.ObserveDecision(d, time.Since(started))
	}
	logger.Infof("gate[%s]: %s %s (reason=%s score=%.2f elapsed=%s)",
		d.TraceID, d.Symbol, d.Outcome, d.Reason, riskScore(d), time.Since(started).Round(time.Millisecond))
	return d, nil
}

func riskScore(d *Decision) float64 {
	if d.Validation == nil {
		return 0
	}
	return d.Validation.RiskScore
}

// RecordOutcome feeds a broker close event back into the risk ledger and
// the anomaly history. Slippage or liquidity flags on a finished trade are
// logged for the next evaluation's benefit, not acted on.
func (g *Gate) RecordOutcome(symbol string, pnl, slippage, volumeRatio float64) {
	g.riskMgr.RecordClose(symbol, pnl)
	flags := g.detector.Score(anomaly.Observation{Slippage: slippage, VolumeRatio: volumeRatio})
	for _, f := range flags {
		logger.Warnf("gate: outcome anomaly on %s: %s", symbol, f.Description)
	}
	if g.metrics != nil {
		g.metrics.ObserveOutcome(pnl)
		g.metrics.SetBreakerState(g.riskMgr.Snapshot().State)
	}
}
