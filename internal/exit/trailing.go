package exit

import (
	"math"
	"time"

	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/indicator"
	"binance-grid-trader-go/internal/models"

	"go.uber.org/zap"
)

// Phase is the trailing stop machine's state.
type Phase int

const (
	PhaseInactive Phase = iota
	PhaseActive
	PhaseTriggered
)

func (p Phase) String() string {
	switch p {
	case PhaseInactive:
		return "inactive"
	case PhaseActive:
		return "active"
	case PhaseTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Result reports the outcome of feeding one tick to the machine.
type Result struct {
	Triggered     bool
	StopPrice     float64
	HighWaterMark float64
	LockedProfit  float64 // fraction of entry price locked in at trigger
}

// TrailingStop watches the price stream independently of the grid range and
// detects the exit condition. It only detects; cancelling orders and
// stopping the bot is the caller's job.
//
// The machine is inactive until price has risen ActivationPercent above the
// entry, then trails a stop under the high-water mark according to the
// configured strategy. Triggered is terminal until SetEntryPrice resets it.
type TrailingStop struct {
	cfg    config.Exit
	atr    *indicator.ATR
	logger *zap.Logger

	phase         Phase
	entryPrice    float64
	highWaterMark float64
	stopPrice     float64
	activatedAt   time.Time
	lockedLevel   float64 // highest ladder tier reached (step_based)
}

// NewTrailingStop creates the machine in the inactive phase. The ATR source
// may be nil for the percentage and step_based strategies.
func NewTrailingStop(cfg config.Exit, atr *indicator.ATR, logger *zap.Logger) *TrailingStop {
	return &TrailingStop{cfg: cfg, atr: atr, logger: logger}
}

// SetEntryPrice resets the machine for a new position.
func (t *TrailingStop) SetEntryPrice(price float64) {
	t.phase = PhaseInactive
	t.entryPrice = price
	t.highWaterMark = price
	t.stopPrice = 0
	t.lockedLevel = 0
	t.activatedAt = time.Time{}
}

// Phase returns the current state.
func (t *TrailingStop) Phase() Phase {
	return t.phase
}

// StopPrice returns the current stop, zero while inactive.
func (t *TrailingStop) StopPrice() float64 {
	return t.stopPrice
}

// Snapshot exports the machine state for persistence.
func (t *TrailingStop) Snapshot() models.TrailingSnap {
	return models.TrailingSnap{
		EntryPrice:        t.entryPrice,
		HighWaterMark:     t.highWaterMark,
		StopPrice:         t.stopPrice,
		IsActive:          t.phase == PhaseActive,
		ActivatedAt:       t.activatedAt,
		LockedProfitLevel: t.lockedLevel,
	}
}

// Restore loads persisted machine state. A triggered stop is not persisted;
// restarts resume at active or inactive.
func (t *TrailingStop) Restore(s models.TrailingSnap) {
	if s.EntryPrice <= 0 {
		return
	}
	t.entryPrice = s.EntryPrice
	t.highWaterMark = s.HighWaterMark
	t.stopPrice = s.StopPrice
	t.lockedLevel = s.LockedProfitLevel
	t.activatedAt = s.ActivatedAt
	if s.IsActive {
		t.phase = PhaseActive
	} else {
		t.phase = PhaseInactive
	}
}

// Observe feeds one price into the machine and reports whether the stop
// fired. Once triggered, further ticks are ignored until reset.
func (t *TrailingStop) Observe(price float64) Result {
	if t.phase == PhaseTriggered || t.entryPrice <= 0 || price <= 0 {
		return Result{StopPrice: t.stopPrice, HighWaterMark: t.highWaterMark}
	}

	if t.phase == PhaseInactive {
		if (price-t.entryPrice)/t.entryPrice >= t.cfg.ActivationPercent {
			t.phase = PhaseActive
			t.highWaterMark = price
			t.activatedAt = time.Now()
			t.stopPrice = t.computeStop()
			t.logger.Info("trailing stop activated",
				zap.Float64("entry", t.entryPrice),
				zap.Float64("price", price),
				zap.Float64("stop", t.stopPrice))
		}
		return Result{StopPrice: t.stopPrice, HighWaterMark: t.highWaterMark}
	}

	// Active: ratchet the high-water mark and recompute the stop.
	if price > t.highWaterMark {
		t.highWaterMark = price
	}
	t.stopPrice = t.computeStop()

	if price <= t.stopPrice {
		t.phase = PhaseTriggered
		locked := (t.stopPrice - t.entryPrice) / t.entryPrice
		t.logger.Info("trailing stop triggered",
			zap.Float64("price", price),
			zap.Float64("stop", t.stopPrice),
			zap.Float64("locked_profit_pct", locked*100))
		return Result{
			Triggered:     true,
			StopPrice:     t.stopPrice,
			HighWaterMark: t.highWaterMark,
			LockedProfit:  locked,
		}
	}
	return Result{StopPrice: t.stopPrice, HighWaterMark: t.highWaterMark}
}

func (t *TrailingStop) computeStop() float64 {
	switch t.cfg.Strategy {
	case "atr_based":
		return t.atrStop()
	case "step_based":
		return t.stepStop()
	case "chandelier":
		return t.chandelierStop()
	default: // percentage
		return t.highWaterMark * (1 - t.cfg.TrailingPercent)
	}
}

// atrStop trails at an ATR-scaled distance, floored at MinTrailingDistance
// and capped at MaxTrailingDistance of the high-water mark.
func (t *TrailingStop) atrStop() float64 {
	atr, ok := t.atrValue()
	if !ok {
		return t.highWaterMark * (1 - t.cfg.TrailingPercent)
	}
	distance := math.Max(atr*t.cfg.AtrMultiplier, t.highWaterMark*t.cfg.MinTrailingDistance)
	distance = math.Min(distance, t.highWaterMark*t.cfg.MaxTrailingDistance)
	return t.highWaterMark - distance
}

// stepStop locks in half of the highest profit tier reached from the
// configured ladder.
func (t *TrailingStop) stepStop() float64 {
	profit := (t.highWaterMark - t.entryPrice) / t.entryPrice
	for _, tier := range t.cfg.ProfitLadder {
		if profit >= tier && tier > t.lockedLevel {
			t.lockedLevel = tier
		}
	}
	if t.lockedLevel == 0 {
		return t.entryPrice * (1 - t.cfg.TrailingPercent)
	}
	return t.entryPrice * (1 + t.lockedLevel/2)
}

func (t *TrailingStop) chandelierStop() float64 {
	atr, ok := t.atrValue()
	if !ok {
		return t.highWaterMark * (1 - t.cfg.TrailingPercent)
	}
	return t.highWaterMark - atr*t.cfg.AtrMultiplier
}

func (t *TrailingStop) atrValue() (float64, bool) {
	if t.atr == nil {
		return 0, false
	}
	return t.atr.Value()
}
