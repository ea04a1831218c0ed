package exit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/indicator"
	"binance-grid-trader-go/internal/models"
)

func pctConfig() config.Exit {
	return config.Exit{
		Strategy:          "percentage",
		ActivationPercent: 0.03,
		TrailingPercent:   0.05,
	}
}

func TestTrailingStopLifecycle(t *testing.T) {
	ts := NewTrailingStop(pctConfig(), nil, zap.NewNop())
	ts.SetEntryPrice(100)
	require.Equal(t, PhaseInactive, ts.Phase())

	// Below the activation threshold nothing happens.
	for _, p := range []float64{100, 102} {
		res := ts.Observe(p)
		assert.False(t, res.Triggered)
		assert.Equal(t, PhaseInactive, ts.Phase())
		assert.Zero(t, ts.StopPrice())
	}

	// 104, 106: activated at 104 already (+4% >= +3%), stop trails the HWM.
	res := ts.Observe(104)
	assert.Equal(t, PhaseActive, ts.Phase())
	assert.InDelta(t, 104*0.95, res.StopPrice, 1e-9)

	res = ts.Observe(106)
	assert.InDelta(t, 106.0, res.HighWaterMark, 1e-9)
	assert.InDelta(t, 100.7, res.StopPrice, 1e-9)

	res = ts.Observe(108)
	assert.InDelta(t, 108.0, res.HighWaterMark, 1e-9)
	assert.InDelta(t, 102.6, res.StopPrice, 1e-9)

	// Pullback above the stop does not trigger and does not lower the HWM.
	res = ts.Observe(103)
	assert.False(t, res.Triggered)
	assert.InDelta(t, 108.0, res.HighWaterMark, 1e-9)
	assert.InDelta(t, 102.6, res.StopPrice, 1e-9)

	// Crossing the stop triggers with the locked profit reported.
	res = ts.Observe(102)
	require.True(t, res.Triggered)
	assert.InDelta(t, 102.6, res.StopPrice, 1e-9)
	assert.InDelta(t, 0.026, res.LockedProfit, 1e-9)
	assert.Equal(t, PhaseTriggered, ts.Phase())

	// Triggered is terminal: a rebound is ignored.
	res = ts.Observe(110)
	assert.False(t, res.Triggered)
	assert.Equal(t, PhaseTriggered, ts.Phase())

	// Reset re-arms the machine.
	ts.SetEntryPrice(102)
	assert.Equal(t, PhaseInactive, ts.Phase())
	assert.Zero(t, ts.StopPrice())
}

func TestTrailingStopHighWaterMarkOnlyRatchetsUp(t *testing.T) {
	ts := NewTrailingStop(pctConfig(), nil, zap.NewNop())
	ts.SetEntryPrice(100)

	ts.Observe(105)
	res := ts.Observe(104)
	assert.InDelta(t, 105.0, res.HighWaterMark, 1e-9)
	res = ts.Observe(107)
	assert.InDelta(t, 107.0, res.HighWaterMark, 1e-9)
}

func TestTrailingStopSnapshotRoundTrip(t *testing.T) {
	ts := NewTrailingStop(pctConfig(), nil, zap.NewNop())
	ts.SetEntryPrice(100)
	ts.Observe(106)

	snap := ts.Snapshot()
	assert.True(t, snap.IsActive)
	assert.InDelta(t, 106.0, snap.HighWaterMark, 1e-9)

	restored := NewTrailingStop(pctConfig(), nil, zap.NewNop())
	restored.Restore(snap)
	assert.Equal(t, PhaseActive, restored.Phase())

	// The restored machine continues where the old one left off.
	res := restored.Observe(102)
	assert.True(t, res.Triggered)
}

func TestTrailingStopRestoreIgnoresEmptySnapshot(t *testing.T) {
	ts := NewTrailingStop(pctConfig(), nil, zap.NewNop())
	ts.Restore(models.TrailingSnap{})
	assert.Equal(t, PhaseInactive, ts.Phase())
	res := ts.Observe(50)
	assert.False(t, res.Triggered)
}

// flatCandles builds a candle series with a constant true range.
func flatCandles(n int, base, tr float64) []models.Candle {
	candles := make([]models.Candle, n)
	ts := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := range candles {
		candles[i] = models.Candle{
			OpenTime: ts.Add(time.Duration(i) * time.Hour),
			Open:     base, High: base + tr, Low: base, Close: base,
		}
	}
	return candles
}

func TestTrailingStopATRStrategy(t *testing.T) {
	cfg := config.Exit{
		Strategy:            "atr_based",
		ActivationPercent:   0.03,
		TrailingPercent:     0.05,
		AtrPeriod:           14,
		AtrMultiplier:       2.0,
		MinTrailingDistance: 0.01,
		MaxTrailingDistance: 0.10,
	}
	atr := indicator.NewATR(14)
	atr.Update(flatCandles(30, 100, 2)) // ATR converges to 2

	ts := NewTrailingStop(cfg, atr, zap.NewNop())
	ts.SetEntryPrice(100)
	res := ts.Observe(110)

	require.Equal(t, PhaseActive, ts.Phase())
	// distance = max(2*2.0, 110*0.01) = 4, capped at 110*0.10 = 11
	assert.InDelta(t, 106.0, res.StopPrice, 0.01)
}

func TestTrailingStopATRFallsBackWithoutData(t *testing.T) {
	cfg := config.Exit{
		Strategy:          "atr_based",
		ActivationPercent: 0.03,
		TrailingPercent:   0.05,
		AtrPeriod:         14,
		AtrMultiplier:     2.0,
	}
	ts := NewTrailingStop(cfg, indicator.NewATR(14), zap.NewNop())
	ts.SetEntryPrice(100)
	res := ts.Observe(110)
	// No candles yet: percentage fallback.
	assert.InDelta(t, 110*0.95, res.StopPrice, 1e-9)
}

func TestTrailingStopStepStrategy(t *testing.T) {
	cfg := config.Exit{
		Strategy:          "step_based",
		ActivationPercent: 0.01,
		TrailingPercent:   0.05,
		ProfitLadder:      []float64{0.02, 0.05, 0.10, 0.20},
	}
	ts := NewTrailingStop(cfg, nil, zap.NewNop())
	ts.SetEntryPrice(100)

	// +6% reaches the 5% tier: stop locks half of it.
	res := ts.Observe(106)
	assert.InDelta(t, 102.5, res.StopPrice, 1e-9)

	// +12% reaches the 10% tier.
	res = ts.Observe(112)
	assert.InDelta(t, 105.0, res.StopPrice, 1e-9)

	// The locked tier never drops even when price falls back.
	res = ts.Observe(106)
	assert.False(t, res.Triggered)
	assert.InDelta(t, 105.0, res.StopPrice, 1e-9)

	res = ts.Observe(104)
	assert.True(t, res.Triggered)
	assert.InDelta(t, 0.05, res.LockedProfit, 1e-9)
}

func TestTrailingStopChandelierStrategy(t *testing.T) {
	cfg := config.Exit{
		Strategy:          "chandelier",
		ActivationPercent: 0.03,
		TrailingPercent:   0.05,
		AtrPeriod:         14,
		AtrMultiplier:     3.0,
	}
	atr := indicator.NewATR(14)
	atr.Update(flatCandles(30, 100, 1)) // ATR converges to 1

	ts := NewTrailingStop(cfg, atr, zap.NewNop())
	ts.SetEntryPrice(100)
	res := ts.Observe(110)
	assert.InDelta(t, 107.0, res.StopPrice, 0.01)
}
