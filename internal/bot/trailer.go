package bot

import (
	"context"
	"math"
	"time"
)

// trendFullStrength is the look-back move, as a fraction of price, treated
// as maximum trend strength.
const trendFullStrength = 0.01

// pushTrend appends a price to the trend window, keeping the last
// TrendSampleCount samples.
func (b *GridBot) pushTrend(price float64) {
	b.trendWindow = append(b.trendWindow, price)
	if n := b.trailer.TrendSampleCount; n > 0 && len(b.trendWindow) > n {
		b.trendWindow = b.trendWindow[len(b.trendWindow)-n:]
	}
}

// trendSlope returns the direction (+1 up, -1 down, 0 flat or not enough
// samples) and a strength in [0, 1] from the look-back window.
func (b *GridBot) trendSlope() (int, float64) {
	if len(b.trendWindow) < b.trailer.TrendSampleCount || b.trailer.TrendSampleCount < 2 {
		return 0, 0
	}
	first := b.trendWindow[0]
	last := b.trendWindow[len(b.trendWindow)-1]
	if first <= 0 {
		return 0, 0
	}
	slope := (last - first) / first
	strength := math.Min(1.0, math.Abs(slope)/trendFullStrength)
	switch {
	case slope > 0:
		return 1, strength
	case slope < 0:
		return -1, strength
	default:
		return 0, 0
	}
}

// checkRebalance re-centers the grid when price has left the range by more
// than the deviation threshold. Returns true when a rebalance happened.
func (b *GridBot) checkRebalance(ctx context.Context, price float64) bool {
	lower, upper := b.record.LowerPrice, b.record.UpperPrice
	size := upper - lower
	if size <= 0 {
		return false
	}

	var deviation float64
	above := false
	switch {
	case price > upper:
		deviation = (price - upper) / size
		above = true
	case price < lower:
		deviation = (lower - price) / size
	default:
		return false
	}
	if deviation < b.gridCfg.RebalanceThreshold {
		return false
	}

	if since := time.Since(b.state.LastRebalanceTime); since < b.gridCfg.MinRebalanceInterval {
		b.logger.Debugw("rebalance suppressed by cooldown",
			"deviation", deviation, "since_last", since)
		return false
	}
	today := time.Now().Format("2006-01-02")
	if b.state.RebalanceDay != today {
		b.state.RebalanceDay = today
		b.state.DailyRebalanceCount = 0
		b.dirty = true
	}
	if b.state.DailyRebalanceCount >= b.gridCfg.MaxDailyRebalances {
		b.logger.Warnw("rebalance suppressed by daily limit",
			"deviation", deviation, "count", b.state.DailyRebalanceCount)
		return false
	}

	// 60/40 split toward the breach side: the market told us where it is
	// going, so leave more room in that direction.
	var newLower, newUpper float64
	if above {
		newLower = price - 0.4*size
		newUpper = price + 0.6*size
	} else {
		newLower = price - 0.6*size
		newUpper = price + 0.4*size
	}
	if !b.applyRange(ctx, price, newLower, newUpper, "rebalance") {
		return false
	}

	b.state.LastRebalanceTime = time.Now()
	b.state.DailyRebalanceCount++
	b.dirty = true
	if err := b.deps.Ledger.IncrementRebalanceCount(b.spec.Name); err != nil {
		b.logger.Errorf("failed to bump rebalance count: %v", err)
	} else {
		b.record.RebalanceCount++
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.RebalancesTotal.WithLabelValues(b.spec.Name, "deviation").Inc()
	}
	b.logger.Infow("grid rebalanced",
		"price", price, "deviation", deviation,
		"lower", newLower, "upper", newUpper,
		"daily_count", b.state.DailyRebalanceCount)
	b.persistState()
	return true
}

// checkEmergencyRecovery recenters on the price when it has escaped the
// range far enough that waiting out the rebalance cooldown would leave the
// bot idle. It has its own, shorter cooldown and bypasses the rebalance
// limits. Returns true when a recovery happened.
func (b *GridBot) checkEmergencyRecovery(ctx context.Context, price float64) bool {
	lower, upper := b.record.LowerPrice, b.record.UpperPrice
	size := upper - lower
	if size <= 0 {
		return false
	}
	escape := 0.0
	switch {
	case price > upper:
		escape = (price - upper) / size
	case price < lower:
		escape = (lower - price) / size
	default:
		return false
	}
	if escape <= b.trailer.MinEscapePercent {
		return false
	}
	if time.Since(b.state.LastEmergencyRecoveryTime) < b.trailer.EmergencyCooldown {
		return false
	}

	// Recenter on price with the original range size, leaning the window
	// in the trend direction when one is detected.
	origSize := b.state.OriginalUpper - b.state.OriginalLower
	if origSize <= 0 {
		origSize = size
	}
	dir, strength := b.trendSlope()
	bias := float64(dir) * math.Min(b.trailer.TrendBias+strength*0.1, 0.5) * origSize
	center := price + bias
	newLower := center - origSize/2
	newUpper := center + origSize/2
	if !b.applyRange(ctx, price, newLower, newUpper, "emergency_recovery") {
		return false
	}

	b.state.LastEmergencyRecoveryTime = time.Now()
	b.state.EmergencyRecoveryCount++
	b.dirty = true
	if b.deps.Metrics != nil {
		b.deps.Metrics.RebalancesTotal.WithLabelValues(b.spec.Name, "emergency").Inc()
	}
	b.logger.Warnw("emergency range recovery",
		"price", price, "escape", escape,
		"lower", newLower, "upper", newUpper)
	b.persistState()
	return true
}

// checkProactiveTrail shifts the range toward the price before it escapes,
// once per cooldown, when the price presses against a boundary.
func (b *GridBot) checkProactiveTrail(ctx context.Context, price float64) {
	lower, upper := b.record.LowerPrice, b.record.UpperPrice
	size := upper - lower
	if size <= 0 || price <= lower || price >= upper {
		return
	}
	threshold := b.trailer.ThresholdPercent * size

	dir := 0
	switch {
	case upper-price <= threshold:
		dir = 1
	case price-lower <= threshold:
		dir = -1
	default:
		return
	}
	if time.Since(b.state.LastShiftTime) < b.trailer.Cooldown {
		return
	}

	shift := size * b.trailer.ThresholdPercent
	trendDir, strength := b.trendSlope()
	if trendDir == dir {
		// Agreeing trend pushes the window further ahead of the price.
		shift += size * (b.trailer.TrendBias + strength*0.1)
	}
	newLower := lower + float64(dir)*shift
	newUpper := upper + float64(dir)*shift

	if !b.validRange(price, newLower, newUpper) {
		b.logger.Infow("trail candidate rejected",
			"lower", newLower, "upper", newUpper, "price", price)
		return
	}
	if !b.applyRange(ctx, price, newLower, newUpper, "proactive_trail") {
		return
	}

	b.state.LastShiftTime = time.Now()
	b.state.ShiftCount++
	b.dirty = true
	if b.deps.Metrics != nil {
		b.deps.Metrics.RebalancesTotal.WithLabelValues(b.spec.Name, "trail").Inc()
	}
	b.logger.Infow("range trailed",
		"direction", dir, "shift", shift,
		"lower", newLower, "upper", newUpper)
	b.persistState()
}

// validRange checks a candidate range against the structural invariants:
// positive bounds, price inside, and a size within the configured band
// around the original range.
func (b *GridBot) validRange(price, lower, upper float64) bool {
	if lower <= 0 || lower >= upper {
		return false
	}
	if price < lower || price > upper {
		return false
	}
	origSize := b.state.OriginalUpper - b.state.OriginalLower
	if origSize <= 0 {
		return true
	}
	size := upper - lower
	if size < origSize*b.trailer.MinRangePercent {
		return false
	}
	if size > origSize*b.trailer.MaxRangeMultiplier {
		return false
	}
	return true
}

// applyRange is the shared tail of every range move: cancel the standing
// ladder, persist the new bounds, and re-place the grid around the price.
func (b *GridBot) applyRange(ctx context.Context, price, lower, upper float64, reason string) bool {
	if lower <= 0 || lower >= upper {
		b.logger.Errorw("invalid range candidate", "lower", lower, "upper", upper, "reason", reason)
		return false
	}
	b.cancelAll(ctx, reason)
	if err := b.deps.Ledger.UpdateBotRange(b.spec.Name, lower, upper, b.record.GridCount); err != nil {
		b.logger.Errorf("failed to persist range for %s: %v", reason, err)
		return false
	}
	b.record.LowerPrice = lower
	b.record.UpperPrice = upper
	b.placeGrid(ctx, price)
	return true
}
