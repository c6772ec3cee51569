package gatehttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"safegate/internal/escalation"
	"safegate/internal/gate"
	"safegate/internal/logger"
	"safegate/internal/risk"
	"safegate/internal/sizing"
	"safegate/internal/store/auditlog"

	"github.com/gin-gonic/gin"
)

// Router exposes the gate's evaluation and inspection endpoints.
type Router struct {
	Gate    *gate.Gate
	RiskMgr *risk.Manager
	Esc     *escalation.Manager
	Audit   *auditlog.Store
}

func NewRouter(g *gate.Gate, riskMgr *risk.Manager, esc *escalation.Manager, audit *auditlog.Store) *Router {
	return &Router{Gate: g, RiskMgr: riskMgr, Esc: esc, Audit: audit}
}

// Register mounts the gate routes under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/gate/evaluate", r.handleEvaluate)
	group.POST("/gate/outcome", r.handleOutcome)
	group.GET("/gate/state", r.handleState)
	group.GET("/gate/decisions", r.handleDecisions)
	group.POST("/gate/reset", r.handleReset)
	group.GET("/escalations", r.handlePending)
	group.GET("/escalations/:id", r.handleEscalationStatus)
	group.POST("/escalations/:id/decision", r.handleEscalationDecision)
}

// evaluateRequest is the wire form of one evaluation call. The proposal is
// kept as raw JSON so sentinel values survive until the type-safety stage.
type evaluateRequest struct {
	Proposal       json.RawMessage `json:"proposal" binding:"required"`
	StopPrice      float64         `json:"stop_price"`
	Method         string          `json:"method"`
	WinRate        float64         `json:"win_rate"`
	WinLossRatio   float64         `json:"win_loss_ratio"`
	ExternalSignal float64         `json:"external_signal"`
}

func (r *Router) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Errorf("[api] evaluate bind failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	decision, err := r.Gate.Evaluate(c.Request.Context(), gate.EvalRequest{
		Raw:            []byte(req.Proposal),
		StopPrice:      req.StopPrice,
		Method:         sizing.Method(strings.TrimSpace(req.Method)),
		WinRate:        req.WinRate,
		WinLossRatio:   req.WinLossRatio,
		ExternalSignal: req.ExternalSignal,
	})
	if err != nil {
		logger.Errorf("[api] evaluate failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] evaluate ip=%s symbol=%s outcome=%s reason=%s", c.ClientIP(), decision.Symbol, decision.Outcome, decision.Reason)
	c.JSON(http.StatusOK, decision)
}

type outcomeRequest struct {
	Symbol      string  `json:"symbol" binding:"required"`
	PnL         float64 `json:"pnl"`
	Slippage    float64 `json:"slippage"`
	VolumeRatio float64 `json:"volume_ratio"`
}

func (r *Router) handleOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.Gate.RecordOutcome(strings.ToUpper(strings.TrimSpace(req.Symbol)), req.PnL, req.Slippage, req.VolumeRatio)
	logger.Infof("[api] outcome ip=%s symbol=%s pnl=%.2f", c.ClientIP(), req.Symbol, req.PnL)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleState(c *gin.Context) {
	snap := r.RiskMgr.Snapshot()
	limit, _ := strconv.Atoi(c.DefaultQuery("history", "20"))
	history := r.RiskMgr.History()
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{
		"ledger":      snap,
		"open_risk":   snap.OpenRiskTotal(),
		"state":       snap.State.String(),
		"transitions": history,
	})
}

func (r *Router) handleDecisions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit > 500 {
		limit = 500
	}
	recs, err := r.Audit.List(c.Request.Context(), limit)
	if err != nil {
		logger.Errorf("[api] decisions list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": recs, "count": len(recs)})
}

// handleReset steps an OPEN breaker down to HALF_OPEN. Operator-facing; the
// gate itself only resets through an approved escalation.
func (r *Router) handleReset(c *gin.Context) {
	if err := r.RiskMgr.Reset(risk.ReasonManualReset); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	logger.Warnf("[api] breaker manually reset ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"state": r.RiskMgr.Snapshot().State.String()})
}

func (r *Router) handlePending(c *gin.Context) {
	pending := r.Esc.Pending()
	c.JSON(http.StatusOK, gin.H{"pending": pending, "count": len(pending)})
}

func (r *Router) handleEscalationStatus(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	out, err := r.Esc.Status(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

type escalationDecisionRequest struct {
	Approved  bool   `json:"approved"`
	Reasoning string `json:"reasoning"`
}

func (r *Router) handleEscalationDecision(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	var req escalationDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := r.Esc.Resolve(id, escalation.HumanDecision{
		Approved:  req.Approved,
		Reasoning: req.Reasoning,
		At:        time.Now(),
	})
	if err != nil {
		switch {
		case errors.Is(err, escalation.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, escalation.ErrAlreadyResolved):
			// Late decisions are acknowledged but do not change the record.
			c.JSON(http.StatusOK, gin.H{"status": string(out.Status), "late": true})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	logger.Infof("[api] escalation %s resolved ip=%s approved=%v", id, c.ClientIP(), req.Approved)
	c.JSON(http.StatusOK, gin.H{"status": string(out.Status)})
}
