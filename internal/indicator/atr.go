package indicator

import (
	"math"
	"sync"

	"binance-grid-trader-go/internal/models"
)

// ATR computes the Average True Range over a fixed period using Wilder's
// smoothing. It is fed candles at startup and on a refresh interval and read
// by the atr_based and chandelier trailing-stop strategies.
type ATR struct {
	mu     sync.RWMutex
	period int
	value  float64
	ready  bool
}

// NewATR creates an ATR calculator with the given period.
func NewATR(period int) *ATR {
	if period < 1 {
		period = 14
	}
	return &ATR{period: period}
}

// Update recomputes the ATR from a candle series. Series shorter than
// period+1 leave the previous value in place.
func (a *ATR) Update(candles []models.Candle) {
	if len(candles) < a.period+1 {
		return
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1]))
	}

	// Seed with a simple average of the first period, then apply Wilder's
	// smoothing over the rest.
	atr := 0.0
	for _, tr := range trs[:a.period] {
		atr += tr
	}
	atr /= float64(a.period)
	for _, tr := range trs[a.period:] {
		atr = (atr*float64(a.period-1) + tr) / float64(a.period)
	}

	a.mu.Lock()
	a.value = atr
	a.ready = true
	a.mu.Unlock()
}

// Value returns the current ATR and whether enough data has been seen.
func (a *ATR) Value() (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value, a.ready
}

func trueRange(c, prev models.Candle) float64 {
	hl := c.High - c.Low
	hc := math.Abs(c.High - prev.Close)
	lc := math.Abs(c.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}
