package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-trader-go/internal/models"
)

func flat(n int, close, rng float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{
			Open: close, Close: close,
			High: close + rng/2, Low: close - rng/2,
		}
	}
	return out
}

func TestATRNotReadyBelowPeriod(t *testing.T) {
	a := NewATR(14)
	_, ok := a.Value()
	assert.False(t, ok)

	// period+1 candles are the minimum; one short leaves it untouched.
	a.Update(flat(14, 100, 2))
	_, ok = a.Value()
	assert.False(t, ok)

	a.Update(flat(15, 100, 2))
	v, ok := a.Value()
	require.True(t, ok)
	assert.InDelta(t, 2.0, v, 1e-9)
}

func TestATRFlatSeries(t *testing.T) {
	// Identical candles: every true range equals high-low, so both the seed
	// average and the smoothed tail land on the same number.
	a := NewATR(14)
	a.Update(flat(60, 50000, 500))
	v, ok := a.Value()
	require.True(t, ok)
	assert.InDelta(t, 500.0, v, 1e-9)
}

func TestATRUsesGapsBetweenCandles(t *testing.T) {
	// A gap up makes |high - prevClose| the dominant term.
	candles := []models.Candle{
		{High: 101, Low: 99, Close: 100},
		{High: 111, Low: 109, Close: 110}, // TR = max(2, 11, 9) = 11
		{High: 111, Low: 109, Close: 110}, // TR = max(2, 1, 1) = 2
	}
	a := NewATR(2)
	a.Update(candles)
	v, ok := a.Value()
	require.True(t, ok)
	// Seed = (11 + 2) / 2, no tail.
	assert.InDelta(t, 6.5, v, 1e-9)
}

func TestATRWilderSmoothing(t *testing.T) {
	candles := []models.Candle{
		{High: 101, Low: 99, Close: 100},
		{High: 102, Low: 100, Close: 101}, // TR 2
		{High: 103, Low: 101, Close: 102}, // TR 2
		{High: 110, Low: 102, Close: 109}, // TR 8
	}
	a := NewATR(2)
	a.Update(candles)
	v, ok := a.Value()
	require.True(t, ok)
	// Seed (2+2)/2 = 2, then (2*1 + 8) / 2 = 5.
	assert.InDelta(t, 5.0, v, 1e-9)
}

func TestATRKeepsLastValueOnShortUpdate(t *testing.T) {
	a := NewATR(14)
	a.Update(flat(30, 100, 4))
	v1, _ := a.Value()

	a.Update(flat(5, 100, 100))
	v2, ok := a.Value()
	assert.True(t, ok)
	assert.Equal(t, v1, v2)
}

func TestATRDefaultPeriod(t *testing.T) {
	a := NewATR(0)
	a.Update(flat(14, 100, 2))
	_, ok := a.Value()
	assert.False(t, ok, "zero period falls back to 14")
}
