package config

import "fmt"

func validate(c *Config) error {
	if err := c.Guard.validate(); err != nil {
		return err
	}
	if err := c.Sizing.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Gate.validate(); err != nil {
		return err
	}
	return nil
}

func (g *GuardConfig) validate() error {
	if g.ConfidenceCeiling <= 0 || g.ConfidenceCeiling > 1 {
		return fmt.Errorf("guard.confidence_ceiling must be in (0,1]")
	}
	if g.MaxPositionPct <= 0 || g.MaxPositionPct > 1 {
		return fmt.Errorf("guard.max_position_pct must be in (0,1]")
	}
	if g.SimilarityThreshold <= 0 || g.SimilarityThreshold > 1 {
		return fmt.Errorf("guard.similarity_threshold must be in (0,1]")
	}
	return nil
}

func (s *SizingConfig) validate() error {
	switch s.DefaultMethod {
	case "fixed_fraction", "volatility_adjusted", "kelly", "atr":
	default:
		return fmt.Errorf("sizing.default_method unknown: %s", s.DefaultMethod)
	}
	if s.RiskFraction <= 0 || s.RiskFraction > 0.1 {
		return fmt.Errorf("sizing.risk_fraction must be in (0,0.1]")
	}
	if s.MaxOpenRiskPct <= 0 || s.MaxOpenRiskPct > 1 {
		return fmt.Errorf("sizing.max_open_risk_pct must be in (0,1]")
	}
	if s.KellyMultiplier <= 0 || s.KellyMultiplier > 1 {
		return fmt.Errorf("sizing.kelly_multiplier must be in (0,1]")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.DailyLossPct <= 0 || r.DailyLossPct > 1 {
		return fmt.Errorf("risk.daily_loss_pct must be in (0,1]")
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct > 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0,1]")
	}
	if r.TrialSizeFraction <= 0 || r.TrialSizeFraction > 1 {
		return fmt.Errorf("risk.trial_size_fraction must be in (0,1]")
	}
	if r.StartingEquity <= 0 {
		return fmt.Errorf("risk.starting_equity must be > 0")
	}
	return nil
}

func (g *GateConfig) validate() error {
	if g.BlockThreshold <= 0 || g.BlockThreshold > 1 {
		return fmt.Errorf("gate.block_threshold must be in (0,1]")
	}
	if g.ReviewThreshold <= 0 || g.ReviewThreshold >= g.BlockThreshold {
		return fmt.Errorf("gate.review_threshold must be in (0, block_threshold)")
	}
	return nil
}
