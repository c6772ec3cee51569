package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultHasDocumentedValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.70, cfg.Guard.ConfidenceCeiling)
	assert.Equal(t, 0.01, cfg.Sizing.RiskFraction)
	assert.Equal(t, 0.10, cfg.Sizing.MaxPositionPct)
	assert.Equal(t, 0.05, cfg.Sizing.MaxOpenRiskPct)
	assert.Equal(t, float64(100), cfg.Sizing.MinPositionUSD)
	assert.Equal(t, 0.25, cfg.Sizing.KellyMultiplier)
	assert.Equal(t, 0.02, cfg.Risk.DailyLossPct)
	assert.Equal(t, 0.10, cfg.Risk.MaxDrawdownPct)
	assert.Equal(t, 3, cfg.Risk.MaxConsecutiveLosses)
	assert.Equal(t, 3.0, cfg.Anomaly.ZScoreThreshold)
	assert.Equal(t, 1000, cfg.Anomaly.WindowSize)
	assert.Equal(t, 900, cfg.Escalation.TimeoutSeconds)
	assert.Equal(t, 0.60, cfg.Gate.BlockThreshold)
	assert.Equal(t, 0.30, cfg.Gate.ReviewThreshold)
	assert.Equal(t, 0.60, cfg.Gate.ConfidenceFloor)
	assert.Equal(t, "30 9 * * 1-5", cfg.Session.StartCron)
	assert.Equal(t, "0 16 * * 1-5", cfg.Session.EndCron)
}

func TestLoadOverridesAndFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  log_level: debug
risk:
  daily_loss_pct: 0.03
sizing:
  default_method: kelly
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 0.03, cfg.Risk.DailyLossPct)
	assert.Equal(t, "kelly", cfg.Sizing.DefaultMethod)
	// Untouched sections keep their documented defaults.
	assert.Equal(t, 0.10, cfg.Risk.MaxDrawdownPct)
	assert.Equal(t, 0.70, cfg.Guard.ConfidenceCeiling)
}

func TestLoadRejectsUnknownSizingMethod(t *testing.T) {
	path := writeConfig(t, `
sizing:
  default_method: martingale
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvertedGateThresholds(t *testing.T) {
	path := writeConfig(t, `
gate:
  block_threshold: 0.3
  review_threshold: 0.6
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsOutOfRangeRiskFraction(t *testing.T) {
	path := writeConfig(t, `
sizing:
  risk_fraction: 0.5
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
