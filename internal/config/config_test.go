package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	viper.Reset()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(body), 0o644))
	return dir
}

const minimalConfig = `
exchange:
  testnet: true
bots:
  - name: btc-grid
    symbol: BTCUSDT
    lower_price: 90000
    upper_price: 100000
    grid_count: 20
    order_size: 0.01
  - name: eth-grid
    symbol: ETHUSDT
    lower_price: 3000
    upper_price: 3600
    grid_count: 12
    order_size: 0.1
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, minimalConfig)

	cfg, bots, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.True(t, cfg.Exchange.Testnet)
	assert.Equal(t, "https://fapi.binance.com", cfg.Exchange.BaseURL)
	assert.Equal(t, 0.07, cfg.Grid.RebalanceThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Grid.MinRebalanceInterval)
	assert.Equal(t, 6, cfg.Grid.MaxDailyRebalances)
	assert.Equal(t, "percentage", cfg.Exit.Strategy)
	assert.Equal(t, 4, cfg.Resilience.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 30*time.Minute, cfg.PartialFill.StaleThreshold)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)

	require.Len(t, bots, 2)
	assert.Equal(t, "btc-grid", bots[0].Name)
	assert.Equal(t, 90000.0, bots[0].LowerPrice)
	assert.Equal(t, "ETHUSDT", bots[1].Symbol)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
grid:
  rebalance_threshold: 0.12
  max_daily_rebalances: 3
trailer:
  cooldown: 45m
exit:
  strategy: atr_based
  atr_multiplier: 3.5
bots:
  - name: btc-grid
    symbol: BTCUSDT
    lower_price: 90000
    upper_price: 100000
    grid_count: 20
    order_size: 0.01
`)

	cfg, _, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 0.12, cfg.Grid.RebalanceThreshold)
	assert.Equal(t, 3, cfg.Grid.MaxDailyRebalances)
	assert.Equal(t, 45*time.Minute, cfg.Trailer.Cooldown)
	assert.Equal(t, "atr_based", cfg.Exit.Strategy)
	assert.Equal(t, 3.5, cfg.Exit.AtrMultiplier)
}

func TestLoadConfigRejectsInvalidBotRange(t *testing.T) {
	dir := writeConfig(t, `
bots:
  - name: broken
    symbol: BTCUSDT
    lower_price: 100000
    upper_price: 90000
    grid_count: 20
    order_size: 0.01
`)

	_, _, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid range")
}

func TestLoadConfigMissingFile(t *testing.T) {
	viper.Reset()
	_, _, err := LoadConfig(t.TempDir())
	require.Error(t, err)
}
