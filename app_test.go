package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/execution"
	"execution-core/internal/guard"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(dir, "execution.db")
	cfg.PositionsPath = filepath.Join(dir, "open_positions.json")
	cfg.HeartbeatPath = filepath.Join(dir, "heartbeat.json")
	cfg.LockPath = filepath.Join(dir, "meta", "instance_lock.json")
	cfg.ExecutionMode = config.ExecutionMarket
	cfg.PaperPrices = map[string]float64{"BTC/USD": 50000}
	return &cfg
}

func gaugeValue(t *testing.T, a *app, name string) float64 {
	t.Helper()
	families, err := a.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			require.NotEmpty(t, f.GetMetric())
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestPaperAppWiring(t *testing.T) {
	a, err := newApp(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	ctx := context.Background()

	assert.Equal(t, "paper", a.venueName)

	res, err := a.execution.ExecuteEntryWithMode(ctx, execution.EntryRequest{
		Symbol: "BTC/USD", Side: common.SideBuy, NotionalUSD: 500, Volatility: 500, Source: "test",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.01, res.FilledQty, 1e-12)

	n, err := a.db.Executions().Count(ctx, db.KindEntry)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, gaugeValue(t, a, "execution_positions_open"))
	assert.Equal(t, 1, a.limiter.Stats().OrdersInWindow)

	sum, err := a.recon.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum.Cycle)
	assert.Empty(t, sum.Errors)
	assert.Same(t, sum, a.recon.Last())

	run, err := a.db.Audit().LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum.ID, run.ID)
}

func TestPaperModeBypassesGuard(t *testing.T) {
	a, err := newApp(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	release, err := acquireGuard(context.Background(), a)
	require.NoError(t, err)
	release()

	lock, err := guard.NewFileStore(a.cfg.HeartbeatPath, a.cfg.LockPath).ReadLock(context.Background())
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestLiveStartRefusedWhileHeartbeatFresh(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeLive
	cfg.KrakenAPIKey, cfg.KrakenAPISecret = "key", "c2VjcmV0"
	ctx := context.Background()

	store := guard.NewFileStore(cfg.HeartbeatPath, cfg.LockPath)
	require.NoError(t, store.WriteHeartbeat(ctx, guard.Heartbeat{
		LastHeartbeat: time.Now().UTC().Add(-time.Minute),
		Mode:          config.ModeLive,
		Status:        guard.StatusRunning,
		PID:           1,
		Host:          "other-host",
	}))

	a, err := newApp(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Equal(t, "kraken", a.venueName)

	_, err = acquireGuard(ctx, a)
	require.ErrorIs(t, err, guard.ErrBlocked)

	lock, err := store.ReadLock(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock, "a blocked process must not write a lock")
}

func TestLiveGuardAcquireAndRelease(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = config.ModeLive
	ctx := context.Background()

	a, err := newApp(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	release, err := acquireGuard(ctx, a)
	require.NoError(t, err)

	store := guard.NewFileStore(cfg.HeartbeatPath, cfg.LockPath)
	lock, err := store.ReadLock(ctx)
	require.NoError(t, err)
	require.NotNil(t, lock)

	release()
	lock, err = store.ReadLock(ctx)
	require.NoError(t, err)
	assert.Nil(t, lock)
	hb, err := store.ReadHeartbeat(ctx)
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, guard.StatusStopped, hb.Status)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("API_JWT_SECRET", "cli-secret")
	t.Setenv("TRADING_MODE", "paper")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--subject", "ops", "--ttl", "1h"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.NotEmpty(t, body.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), body.ExpiresAt, time.Minute)
}
