package config

import "strings"

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9992"
	defaultAppLogPath  = ""

	defaultGuardConfidenceCeiling = 0.70
	defaultGuardMaxPositionPct    = 0.10
	defaultGuardMinRationaleLen   = 10
	defaultGuardPatternStore      = "configs/patterns.yaml"
	defaultGuardSimilarity        = 0.60

	defaultSizingMethod       = "fixed_fraction"
	defaultSizingRiskFraction = 0.01
	defaultSizingMaxPosPct    = 0.10
	defaultSizingMaxOpenRisk  = 0.05
	defaultSizingMinUSD       = 100
	defaultSizingKellyMult    = 0.25
	defaultSizingTargetVol    = 0.15
	defaultSizingATRMult      = 2.0

	defaultRiskDailyLossPct  = 0.02
	defaultRiskMaxDrawdown   = 0.10
	defaultRiskMaxConsLosses = 3
	defaultRiskExternal      = 0.80
	defaultRiskTrialFraction = 0.10
	defaultRiskEquity        = 100_000

	defaultAnomalyZScore = 3.0
	defaultAnomalyWindow = 1000

	defaultEscalationTimeout = 900

	defaultGateBlockThreshold  = 0.60
	defaultGateReviewThreshold = 0.30
	defaultGateConfidenceFloor = 0.60

	defaultSessionStart = "30 9 * * 1-5"
	defaultSessionEnd   = "0 16 * * 1-5"
	defaultSessionTZ    = "America/New_York"

	defaultMarketREST     = "https://fapi.binance.com"
	defaultMarketInterval = "1h"
	defaultMarketCandles  = 200
	defaultMarketATR      = 14

	defaultStoreStatePath = "data/safegate.db"
	defaultStoreAuditPath = "data/audit.db"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Guard.applyDefaults(keys)
	c.Sizing.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Anomaly.applyDefaults(keys)
	c.Escalation.applyDefaults(keys)
	c.Gate.applyDefaults(keys)
	c.Session.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (g *GuardConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("guard.confidence_ceiling", &g.ConfidenceCeiling, defaultGuardConfidenceCeiling),
		floatFieldDefault("guard.max_position_pct", &g.MaxPositionPct, defaultGuardMaxPositionPct),
		fieldDefault{
			key:   "guard.min_rationale_len",
			need:  func() bool { return g.MinRationaleLen <= 0 },
			apply: func() { g.MinRationaleLen = defaultGuardMinRationaleLen },
		},
		stringFieldDefault("guard.pattern_store_path", &g.PatternStorePath, defaultGuardPatternStore),
		floatFieldDefault("guard.similarity_threshold", &g.SimilarityThreshold, defaultGuardSimilarity),
	)
}

func (s *SizingConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("sizing.default_method", &s.DefaultMethod, defaultSizingMethod),
		floatFieldDefault("sizing.risk_fraction", &s.RiskFraction, defaultSizingRiskFraction),
		floatFieldDefault("sizing.max_position_pct", &s.MaxPositionPct, defaultSizingMaxPosPct),
		floatFieldDefault("sizing.max_open_risk_pct", &s.MaxOpenRiskPct, defaultSizingMaxOpenRisk),
		floatFieldDefault("sizing.min_position_usd", &s.MinPositionUSD, defaultSizingMinUSD),
		floatFieldDefault("sizing.kelly_multiplier", &s.KellyMultiplier, defaultSizingKellyMult),
		floatFieldDefault("sizing.target_volatility", &s.TargetVolatility, defaultSizingTargetVol),
		floatFieldDefault("sizing.atr_multiplier", &s.ATRMultiplier, defaultSizingATRMult),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.daily_loss_pct", &r.DailyLossPct, defaultRiskDailyLossPct),
		floatFieldDefault("risk.max_drawdown_pct", &r.MaxDrawdownPct, defaultRiskMaxDrawdown),
		fieldDefault{
			key:   "risk.max_consecutive_losses",
			need:  func() bool { return r.MaxConsecutiveLosses <= 0 },
			apply: func() { r.MaxConsecutiveLosses = defaultRiskMaxConsLosses },
		},
		floatFieldDefault("risk.external_signal_threshold", &r.ExternalThreshold, defaultRiskExternal),
		floatFieldDefault("risk.trial_size_fraction", &r.TrialSizeFraction, defaultRiskTrialFraction),
		floatFieldDefault("risk.starting_equity", &r.StartingEquity, defaultRiskEquity),
	)
}

func (a *AnomalyConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("anomaly.zscore_threshold", &a.ZScoreThreshold, defaultAnomalyZScore),
		fieldDefault{
			key:   "anomaly.window_size",
			need:  func() bool { return a.WindowSize <= 0 },
			apply: func() { a.WindowSize = defaultAnomalyWindow },
		},
	)
}

func (e *EscalationConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "escalation.timeout_seconds",
			need:  func() bool { return e.TimeoutSeconds <= 0 },
			apply: func() { e.TimeoutSeconds = defaultEscalationTimeout },
		},
	)
}

func (g *GateConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("gate.block_threshold", &g.BlockThreshold, defaultGateBlockThreshold),
		floatFieldDefault("gate.review_threshold", &g.ReviewThreshold, defaultGateReviewThreshold),
		floatFieldDefault("gate.confidence_floor", &g.ConfidenceFloor, defaultGateConfidenceFloor),
	)
}

func (s *SessionConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("session.start_cron", &s.StartCron, defaultSessionStart),
		stringFieldDefault("session.end_cron", &s.EndCron, defaultSessionEnd),
		stringFieldDefault("session.timezone", &s.Timezone, defaultSessionTZ),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		stringFieldDefault("market.interval", &m.Interval, defaultMarketInterval),
		fieldDefault{
			key:   "market.candle_limit",
			need:  func() bool { return m.CandleLimit <= 0 },
			apply: func() { m.CandleLimit = defaultMarketCandles },
		},
		fieldDefault{
			key:   "market.atr_period",
			need:  func() bool { return m.ATRPeriod <= 0 },
			apply: func() { m.ATRPeriod = defaultMarketATR },
		},
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.state_path", &s.StatePath, defaultStoreStatePath),
		stringFieldDefault("store.audit_path", &s.AuditPath, defaultStoreAuditPath),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
