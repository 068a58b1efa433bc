package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.IsLive())
	assert.Equal(t, 15, cfg.RateLimit.MaxOrders)
	assert.Equal(t, 10, cfg.Reconciliation.StopLookupMaxMisses)
	assert.Equal(t, 5*time.Minute, cfg.Guard.HeartbeatMaxAge)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADING_MODE", "LIVE")
	t.Setenv("KRAKEN_API_KEY", "k")
	t.Setenv("KRAKEN_API_SECRET", "s")
	t.Setenv("MAX_ORDERS_PER_MINUTE", "5")
	t.Setenv("MIN_ORDER_DELAY_MS", "0")
	t.Setenv("RECONCILE_INTERVAL", "90")
	t.Setenv("INSTANCE_MAX_HEARTBEAT_AGE_MINUTES", "2")
	t.Setenv("SHORTING_ENABLED", "true")
	t.Setenv("RISK_PER_TRADE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsLive())
	assert.Equal(t, 5, cfg.RateLimit.MaxOrders)
	assert.Zero(t, cfg.RateLimit.MinDelay)
	assert.Equal(t, 90*time.Second, cfg.Reconciliation.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Guard.HeartbeatMaxAge)
	assert.True(t, cfg.ShortingEnabled)
	assert.Equal(t, 0.25, cfg.Bracket.RiskPerTradePct, "unparsable values keep the default")
}

func TestYAMLOverlayThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
execution_mode: market
paper_prices:
  BTC/USD: 50000
reconciliation:
  catchup_every: 3
rate_limit:
  max_orders: 7
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("MAX_ORDERS_PER_MINUTE", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ExecutionMarket, cfg.ExecutionMode)
	assert.Equal(t, 50000.0, cfg.PaperPrices["BTC/USD"])
	assert.Equal(t, 3, cfg.Reconciliation.CatchupEvery)
	assert.Equal(t, 9, cfg.RateLimit.MaxOrders)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":           func(c *Config) { c.Mode = "sandbox" },
		"execution mode": func(c *Config) { c.ExecutionMode = "twap" },
		"live keys":      func(c *Config) { c.Mode = ModeLive },
		"risk":           func(c *Config) { c.Bracket.RiskPerTradePct = 0 },
		"threshold":      func(c *Config) { c.Reconciliation.FillThreshold = 1.5 },
		"attempts":       func(c *Config) { c.Settlement.MaxAttempts = 0 },
		"window":         func(c *Config) { c.RateLimit.Window = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFileErrors(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("mode: [unterminated"), 0o644))
	assert.Error(t, LoadFile(bad, &cfg))
}
