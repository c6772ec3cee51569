package config

import "strings"

// Config is the top-level configuration for the safety gate service.
type Config struct {
	App        AppConfig        `toml:"app"`
	Guard      GuardConfig      `toml:"guard"`
	Sizing     SizingConfig     `toml:"sizing"`
	Risk       RiskConfig       `toml:"risk"`
	Anomaly    AnomalyConfig    `toml:"anomaly"`
	Escalation EscalationConfig `toml:"escalation"`
	Gate       GateConfig       `toml:"gate"`
	Session    SessionConfig    `toml:"session"`
	Market     MarketConfig     `toml:"market"`
	Notify     NotifyConfig     `toml:"notify"`
	Store      StoreConfig      `toml:"store"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// GuardConfig controls the proposal validation stages.
type GuardConfig struct {
	ConfidenceCeiling   float64 `toml:"confidence_ceiling"`
	MaxPositionPct      float64 `toml:"max_position_pct"`
	MinRationaleLen     int     `toml:"min_rationale_len"`
	PatternStorePath    string  `toml:"pattern_store_path"`
	SimilarityThreshold float64 `toml:"similarity_threshold"`
}

// SizingConfig controls position sizing and its hard caps.
type SizingConfig struct {
	DefaultMethod    string  `toml:"default_method"`
	RiskFraction     float64 `toml:"risk_fraction"`
	MaxPositionPct   float64 `toml:"max_position_pct"`
	MaxOpenRiskPct   float64 `toml:"max_open_risk_pct"`
	MinPositionUSD   float64 `toml:"min_position_usd"`
	KellyMultiplier  float64 `toml:"kelly_multiplier"`
	TargetVolatility float64 `toml:"target_volatility"`
	ATRMultiplier    float64 `toml:"atr_multiplier"`
}

// RiskConfig holds circuit breaker trip limits.
type RiskConfig struct {
	DailyLossPct         float64 `toml:"daily_loss_pct"`
	MaxDrawdownPct       float64 `toml:"max_drawdown_pct"`
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses"`
	ExternalThreshold    float64 `toml:"external_signal_threshold"`
	TrialSizeFraction    float64 `toml:"trial_size_fraction"`
	StartingEquity       float64 `toml:"starting_equity"`
}

type AnomalyConfig struct {
	ZScoreThreshold float64 `toml:"zscore_threshold"`
	WindowSize      int     `toml:"window_size"`
}

type EscalationConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// GateConfig holds the risk-score decision thresholds.
type GateConfig struct {
	BlockThreshold  float64 `toml:"block_threshold"`
	ReviewThreshold float64 `toml:"review_threshold"`
	ConfidenceFloor float64 `toml:"confidence_floor"`
}

// SessionConfig describes trading session boundaries as cron expressions.
type SessionConfig struct {
	StartCron string `toml:"start_cron"`
	EndCron   string `toml:"end_cron"`
	Timezone  string `toml:"timezone"`
}

type MarketConfig struct {
	Enabled     bool   `toml:"enabled"`
	RESTBaseURL string `toml:"rest_base_url"`
	Interval    string `toml:"interval"`
	CandleLimit int    `toml:"candle_limit"`
	ATRPeriod   int    `toml:"atr_period"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type StoreConfig struct {
	StatePath string `toml:"state_path"`
	AuditPath string `toml:"audit_path"`
}

// keySet tracks config paths explicitly set in the config file, so defaults
// never clobber an explicit zero value.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
