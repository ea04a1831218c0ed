package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"binance-grid-trader-go/internal/ledger"
	"binance-grid-trader-go/internal/models"
)

// sweepPartialFills handles orders stuck partially executed. An order is
// only acted on when its fill fraction sits inside the configured band and
// it has been resting longer than the stale threshold: nearly-empty orders
// are left to fill or be repriced normally, nearly-full ones are left to
// complete on their own.
func (b *GridBot) sweepPartialFills(ctx context.Context) {
	orders, err := b.deps.Ledger.ActiveOrders(b.spec.Name)
	if err != nil {
		b.logger.Errorf("partial fill sweep: failed to list orders: %v", err)
		return
	}

	for _, o := range orders {
		if o.FilledAmount <= 0 || o.FilledAmount >= o.Amount {
			continue
		}
		pct := o.FillPercent()
		if pct < b.pfCfg.MinFillPercentage || pct > b.pfCfg.MaxFillPercentage {
			continue
		}
		if time.Since(o.PlacedAt) < b.pfCfg.StaleThreshold {
			continue
		}
		b.recoverPartial(ctx, o, pct)
	}
}

// recoverPartial cancels the remainder on the exchange and books the
// executed portion as a trade so the position math stays honest.
func (b *GridBot) recoverPartial(ctx context.Context, o models.Order, pct float64) {
	err := b.deps.Session.Call(ctx, "cancel_partial_order", func() error {
		return b.deps.Exchange.CancelOrder(o.Symbol, o.OrderID)
	})
	if err != nil {
		// 可能刚好在这一刻完全成交了，交给对账器处理
		b.logger.Warnf("partial recovery: cancel of %d failed: %v", o.OrderID, err)
		return
	}

	transitioned, err := b.deps.Ledger.CancelOrder(b.spec.Name, o.OrderID, o.Symbol, models.TradePartialRecovered)
	if err != nil {
		b.logger.Errorf("partial recovery: failed to terminate %d: %v", o.OrderID, err)
		return
	}
	if !transitioned {
		return
	}

	trade := &models.Trade{
		TradeID:   fmt.Sprintf("partial-%s-%d", o.Symbol, o.OrderID),
		BotName:   b.spec.Name,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     o.Price,
		Amount:    o.FilledAmount,
		OrderID:   o.OrderID,
		Type:      models.TradePartialRecovered,
		Timestamp: time.Now(),
	}
	if err := b.deps.Ledger.RecordTrade(trade); err != nil && !errors.Is(err, ledger.ErrDuplicateKey) {
		b.logger.Errorf("partial recovery: failed to record trade for %d: %v", o.OrderID, err)
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.PartialRecoveries.WithLabelValues(b.spec.Name).Inc()
	}
	b.logger.Infow("partial fill recovered",
		"order_id", o.OrderID, "filled_pct", pct, "filled", o.FilledAmount)

	if b.deps.Notifier != nil {
		b.deps.Notifier.NotifyFill()
	}
}
