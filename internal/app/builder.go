package app

import (
	"fmt"
	"time"

	"safegate/internal/anomaly"
	"safegate/internal/config"
	"safegate/internal/escalation"
	"safegate/internal/gate"
	"safegate/internal/gateway/binance"
	"safegate/internal/gateway/notifier"
	"safegate/internal/guard"
	"safegate/internal/logger"
	"safegate/internal/market"
	"safegate/internal/risk"
	"safegate/internal/session"
	"safegate/internal/sizing"
	"safegate/internal/store/auditlog"
	"safegate/internal/store/gormstore"
	gatehttp "safegate/internal/transport/http"

	"github.com/prometheus/client_golang/prometheus"
)

// build wires every component by hand, bottom up: stores first, then the
// risk ledger and escalation manager that persist through them, then the
// stateless guard and sizer inputs, finally the gate and its HTTP surface.
func build(cfg *config.Config) (*App, error) {
	state, err := gormstore.NewGormStore(cfg.Store.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	audit, err := auditlog.New(cfg.Store.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	var notify notifier.TextNotifier
	if cfg.Notify.Telegram.Enabled {
		notify = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		logger.Infof("app: telegram escalation notifications enabled")
	}

	esc := escalation.NewManager(
		time.Duration(cfg.Escalation.TimeoutSeconds)*time.Second, notify, state)

	riskMgr := risk.NewManager(risk.Limits{
		DailyLossPct:         cfg.Risk.DailyLossPct,
		MaxDrawdownPct:       cfg.Risk.MaxDrawdownPct,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		ExternalThreshold:    cfg.Risk.ExternalThreshold,
		TrialSizeFraction:    cfg.Risk.TrialSizeFraction,
	}, cfg.Risk.StartingEquity, state)

	var patterns guard.PatternStore
	var patternFile *guard.FileStore
	if cfg.Guard.PatternStorePath != "" {
		patternFile, err = guard.NewFileStore(cfg.Guard.PatternStorePath)
		if err != nil {
			return nil, fmt.Errorf("loading failure pattern store: %w", err)
		}
		if err := patternFile.Watch(); err != nil {
			logger.Warnf("app: pattern store hot reload unavailable: %v", err)
		}
		patterns = patternFile
	}

	g := guard.New(guard.Config{
		ConfidenceCeiling:   cfg.Guard.ConfidenceCeiling,
		MaxPositionPct:      cfg.Guard.MaxPositionPct,
		MinRationaleLen:     cfg.Guard.MinRationaleLen,
		SimilarityThreshold: cfg.Guard.SimilarityThreshold,
	}, patterns)

	detector := anomaly.NewDetector(cfg.Anomaly.WindowSize, cfg.Anomaly.ZScoreThreshold)

	var mkt *market.Service
	if cfg.Market.Enabled {
		src := binance.New(binance.Config{RESTBaseURL: cfg.Market.RESTBaseURL})
		mkt = market.NewService(src, cfg.Market.Interval, cfg.Market.CandleLimit, cfg.Market.ATRPeriod)
	}

	if _, err := sizing.ParseMethod(cfg.Sizing.DefaultMethod); err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	metrics := gate.NewMetrics(promReg)
	gt := gate.New(cfg, g, riskMgr, detector, esc, mkt, audit, metrics)
	metrics.SetBreakerState(riskMgr.Snapshot().State)
	riskMgr.SetTransitionHandler(func(t risk.Transition) {
		metrics.SetBreakerState(t.To)
		if notify == nil {
			return
		}
		alert := notifier.BreakerAlert{
			From: t.From.String(), To: t.To.String(), Reason: t.Reason, At: t.At,
		}
		if err := notify.SendText(alert.Render()); err != nil {
			logger.Warnf("app: breaker transition notification failed: %v", err)
		}
	})

	scheduler, err := session.New(cfg.Session, riskMgr, esc)
	if err != nil {
		return nil, err
	}

	server, err := gatehttp.NewServer(gatehttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Router:  gatehttp.NewRouter(gt, riskMgr, esc, audit),
		Metrics: promReg,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		gate:      gt,
		server:    server,
		scheduler: scheduler,
		esc:       esc,
		audit:     audit,
		patterns:  patternFile,
	}, nil
}
