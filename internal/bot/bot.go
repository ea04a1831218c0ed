package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"binance-grid-trader-go/internal/batch"
	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/exit"
	"binance-grid-trader-go/internal/indicator"
	"binance-grid-trader-go/internal/ledger"
	"binance-grid-trader-go/internal/metrics"
	"binance-grid-trader-go/internal/models"
	"binance-grid-trader-go/internal/persistence"
	"binance-grid-trader-go/internal/reporter"
	"binance-grid-trader-go/internal/resilience"
	"binance-grid-trader-go/internal/signal"
)

// fillCheckMinInterval throttles the REST confirmation of price-cross fills.
const fillCheckMinInterval = 5 * time.Second

// FillNotifier is what the bot pokes after it processes a fill, so the
// reconciler can schedule a debounced pass. An interface keeps the strategy
// decoupled from the reconciler package in tests.
type FillNotifier interface {
	NotifyFill()
}

// Deps bundles everything a GridBot needs. All fields except Metrics,
// Klines, Notifier and Providers are required.
type Deps struct {
	Ledger    *ledger.Ledger
	Exchange  exchange.Exchange
	Executor  *batch.Executor
	Session   *resilience.Session
	Repo      persistence.StateRepository
	Klines    exchange.KlineProvider
	Notifier  FillNotifier
	Providers []signal.Provider
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// GridBot 是单个交易对的网格策略状态机。
// 所有状态变更都发生在 run 这一个goroutine里：价格tick、订单事件和
// 定时器都通过channel汇入，天然串行，不需要额外的锁。
type GridBot struct {
	spec    config.BotSpec
	gridCfg config.Grid
	trailer config.Trailer
	exitCfg config.Exit
	pfCfg   config.PartialFill

	deps     Deps
	logger   *zap.SugaredLogger
	trailing *exit.TrailingStop
	atr      *indicator.ATR

	ticks  <-chan models.PriceTick
	events <-chan models.OrderEvent

	// owned by the run goroutine
	state         *models.RuntimeState
	record        *models.Bot
	lastPrice     float64
	trendWindow   []float64
	lastFillCheck time.Time
	initialized   bool
	dirty         bool

	// read by the reporter from outside the loop
	mu         sync.Mutex
	lastStatus reporter.BotStatus

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func New(spec config.BotSpec, cfg config.Config, deps Deps,
	ticks <-chan models.PriceTick, events <-chan models.OrderEvent) (*GridBot, error) {

	var atr *indicator.ATR
	if cfg.Exit.Strategy == "atr_based" || cfg.Exit.Strategy == "chandelier" {
		atr = indicator.NewATR(cfg.Exit.AtrPeriod)
	}

	b := &GridBot{
		spec:     spec,
		gridCfg:  cfg.Grid,
		trailer:  cfg.Trailer,
		exitCfg:  cfg.Exit,
		pfCfg:    cfg.PartialFill,
		deps:     deps,
		logger:   deps.Logger.Sugar().With("bot", spec.Name),
		trailing: exit.NewTrailingStop(cfg.Exit, atr, deps.Logger),
		atr:      atr,
		ticks:    ticks,
		events:   events,
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	record, err := deps.Ledger.EnsureBot(&models.Bot{
		Name:       spec.Name,
		Symbol:     spec.Symbol,
		LowerPrice: spec.LowerPrice,
		UpperPrice: spec.UpperPrice,
		GridCount:  spec.GridCount,
		OrderSize:  spec.OrderSize,
		Status:     models.BotStopped,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bot %s: %w", spec.Name, err)
	}
	b.record = record

	if err := b.loadState(); err != nil {
		return nil, err
	}
	return b, nil
}

// loadState restores the runtime state and the trailing stop snapshot, or
// seeds fresh state on first run.
func (b *GridBot) loadState() error {
	st, err := b.deps.Repo.LoadState(b.spec.Name)
	if err != nil {
		return fmt.Errorf("load state for %s: %w", b.spec.Name, err)
	}
	if st == nil {
		st = &models.RuntimeState{
			BotName:       b.spec.Name,
			Version:       1,
			OriginalLower: b.record.LowerPrice,
			OriginalUpper: b.record.UpperPrice,
		}
	} else {
		b.trailing.Restore(st.Trailing)
		b.logger.Infow("restored runtime state",
			"shift_count", st.ShiftCount,
			"daily_rebalances", st.DailyRebalanceCount,
			"trailing_active", st.Trailing.IsActive)
	}
	b.state = st
	return nil
}

// Start launches the actor goroutine.
func (b *GridBot) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop requests shutdown and waits for the loop to drain.
func (b *GridBot) Stop() {
	b.stopOnce.Do(func() { close(b.stopped) })
	<-b.done
}

func (b *GridBot) run(ctx context.Context) {
	defer close(b.done)

	if err := b.deps.Ledger.SetBotStatus(b.spec.Name, models.BotRunning); err != nil {
		b.logger.Errorf("failed to mark bot running: %v", err)
	}
	b.refreshATR(ctx)

	sweep := time.NewTicker(b.pfCfg.SweepInterval)
	defer sweep.Stop()
	persist := time.NewTicker(30 * time.Second)
	defer persist.Stop()

	var atrRefresh <-chan time.Time
	if b.atr != nil && b.exitCfg.AtrRefreshInterval > 0 {
		t := time.NewTicker(b.exitCfg.AtrRefreshInterval)
		defer t.Stop()
		atrRefresh = t.C
	}

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case <-b.stopped:
			b.shutdown()
			return
		case tick, ok := <-b.ticks:
			if !ok {
				b.shutdown()
				return
			}
			b.onTick(ctx, tick)
		case ev, ok := <-b.events:
			if !ok {
				// A nil channel blocks forever, dropping this case from the
				// select instead of spinning on the closed channel.
				b.events = nil
				continue
			}
			b.onOrderEvent(ctx, ev)
		case <-sweep.C:
			b.sweepPartialFills(ctx)
		case <-atrRefresh:
			b.refreshATR(ctx)
		case <-persist.C:
			b.persistState()
		}
	}
}

func (b *GridBot) shutdown() {
	b.persistState()
	if err := b.deps.Ledger.SetBotStatus(b.spec.Name, models.BotStopped); err != nil {
		b.logger.Errorf("failed to mark bot stopped: %v", err)
	}
	b.logger.Info("bot stopped")
}

// onTick is the single ordered decision pass over one price observation.
func (b *GridBot) onTick(ctx context.Context, tick models.PriceTick) {
	if tick.Symbol != b.spec.Symbol || tick.Price <= 0 {
		return
	}
	b.lastPrice = tick.Price
	b.pushTrend(tick.Price)
	if b.deps.Metrics != nil {
		b.deps.Metrics.LastPrice.WithLabelValues(b.spec.Symbol).Set(tick.Price)
	}

	if !b.initialized {
		b.initializeGrid(ctx, tick.Price)
		b.publishStatus()
		return
	}

	if b.checkRebalance(ctx, tick.Price) {
		b.publishStatus()
		return
	}
	if b.checkEmergencyRecovery(ctx, tick.Price) {
		b.publishStatus()
		return
	}
	b.checkProactiveTrail(ctx, tick.Price)

	if b.checkTrailingStop(ctx, tick.Price) {
		return
	}

	b.checkPriceFills(ctx, tick.Price)
	b.publishStatus()
}

// initializeGrid places the opening ladder around the first observed price
// and arms the trailing stop on it.
func (b *GridBot) initializeGrid(ctx context.Context, price float64) {
	if price < b.record.LowerPrice || price > b.record.UpperPrice {
		b.logger.Warnf("price %.4f outside configured range [%.4f, %.4f], waiting",
			price, b.record.LowerPrice, b.record.UpperPrice)
		return
	}
	b.placeGrid(ctx, price)
	if b.trailing.Phase() == exit.PhaseInactive && b.state.Trailing.EntryPrice == 0 {
		b.trailing.SetEntryPrice(price)
	}
	b.initialized = true
	b.dirty = true
	b.logger.Infow("grid initialized", "price", price,
		"lower", b.record.LowerPrice, "upper", b.record.UpperPrice)
}

// placeGrid places ActiveOrdersPerSide buys below and sells above the given
// price, skipping levels that fall outside the range or that a signal
// provider vetoes.
func (b *GridBot) placeGrid(ctx context.Context, price float64) {
	var reqs []exchange.OrderRequest
	for i := 1; i <= b.gridCfg.ActiveOrdersPerSide; i++ {
		if buyPrice := price - float64(i)*b.spacing(price, models.Buy); b.allowLevel(buyPrice, models.Buy) {
			reqs = append(reqs, b.request(models.Buy, buyPrice))
		}
		if sellPrice := price + float64(i)*b.spacing(price, models.Sell); b.allowLevel(sellPrice, models.Sell) {
			reqs = append(reqs, b.request(models.Sell, sellPrice))
		}
	}
	if len(reqs) == 0 {
		return
	}
	b.submit(ctx, reqs)
}

func (b *GridBot) request(side models.Side, price float64) exchange.OrderRequest {
	return exchange.OrderRequest{
		Symbol:   b.spec.Symbol,
		Side:     side,
		Amount:   b.spec.OrderSize,
		Price:    price,
		ClientID: exchange.NewClientOrderID("grid"),
	}
}

// allowLevel checks range membership and asks the signal providers.
func (b *GridBot) allowLevel(price float64, side models.Side) bool {
	if price < b.record.LowerPrice || price > b.record.UpperPrice {
		return false
	}
	return signal.Compose(b.deps.Providers, b.spec.Symbol, side).Allow
}

// spacing is the absolute distance between grid levels, base spacing scaled
// by the combined provider multiplier clamped to the configured factor band.
func (b *GridBot) spacing(price float64, side models.Side) float64 {
	factor := signal.Compose(b.deps.Providers, b.spec.Symbol, side).Multiplier
	if factor < b.gridCfg.MinSpacingFactor {
		factor = b.gridCfg.MinSpacingFactor
	}
	if factor > b.gridCfg.MaxSpacingFactor {
		factor = b.gridCfg.MaxSpacingFactor
	}
	return price * b.gridCfg.BaseSpacing * factor
}

// submit runs the placement batch and records the successes in the ledger.
func (b *GridBot) submit(ctx context.Context, reqs []exchange.OrderRequest) {
	results := b.deps.Executor.PlaceOrders(ctx, reqs)
	for _, res := range results {
		if res.Err != nil {
			cls := resilience.Classify(res.Err)
			if !cls.Retryable {
				// 资金不足或单笔被拒，跳过该档位，不影响整体
				b.logger.Warnf("placement rejected (%s %s @ %.4f): %v",
					res.Request.Side, res.Request.Symbol, res.Request.Price, res.Err)
				continue
			}
			b.logger.Errorf("placement failed (%s @ %.4f): %v",
				res.Request.Side, res.Request.Price, res.Err)
			continue
		}
		order := &models.Order{
			OrderID:  res.Order.OrderID,
			Symbol:   res.Order.Symbol,
			BotName:  b.spec.Name,
			Side:     res.Request.Side,
			Price:    res.Request.Price,
			Amount:   res.Request.Amount,
			Status:   models.OrderOpen,
			PlacedAt: time.Now(),
		}
		if err := b.deps.Ledger.CreateOrder(order); err != nil {
			b.logger.Errorf("failed to record order %d: %v", res.Order.OrderID, err)
			continue
		}
		if b.deps.Metrics != nil {
			b.deps.Metrics.OrdersPlaced.WithLabelValues(b.spec.Name).Inc()
		}
	}
}

// cancelAll cancels every open order of this bot, exchange first, then the
// ledger. Returns the number cancelled.
func (b *GridBot) cancelAll(ctx context.Context, reason string) int {
	orders, err := b.deps.Ledger.ActiveOrders(b.spec.Name)
	if err != nil {
		b.logger.Errorf("failed to list active orders: %v", err)
		return 0
	}
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	failed := b.deps.Executor.CancelOrders(ctx, b.spec.Symbol, ids)

	n := 0
	for _, o := range orders {
		if err, ok := failed[o.OrderID]; ok {
			// 交易所侧可能已经成交或取消，留给对账器修正
			b.logger.Warnf("cancel of %d failed, reconciler will resolve: %v", o.OrderID, err)
			continue
		}
		if _, err := b.deps.Ledger.CancelOrder(b.spec.Name, o.OrderID, o.Symbol, reason); err != nil {
			b.logger.Errorf("failed to mark order %d cancelled: %v", o.OrderID, err)
			continue
		}
		if b.deps.Metrics != nil {
			b.deps.Metrics.OrdersCancelled.WithLabelValues(b.spec.Name).Inc()
		}
		n++
	}
	return n
}

// checkTrailingStop feeds the tick to the exit machine and performs the full
// exit when it fires. Returns true when the bot has been stopped.
func (b *GridBot) checkTrailingStop(ctx context.Context, price float64) bool {
	res := b.trailing.Observe(price)
	b.dirty = true
	if !res.Triggered {
		return false
	}

	b.logger.Warnw("trailing stop triggered",
		"price", price, "stop", res.StopPrice,
		"high_water_mark", res.HighWaterMark,
		"locked_profit", res.LockedProfit)

	cancelled := b.cancelAll(ctx, "trailing_stop_exit")
	trade := &models.Trade{
		TradeID:   fmt.Sprintf("exit-%s-%d", b.spec.Symbol, time.Now().UnixNano()),
		BotName:   b.spec.Name,
		Symbol:    b.spec.Symbol,
		Side:      models.Sell,
		Price:     price,
		Amount:    b.spec.OrderSize,
		Type:      models.TradeTrailingStopExit,
		Timestamp: time.Now(),
	}
	if err := b.deps.Ledger.RecordTrade(trade); err != nil {
		b.logger.Errorf("failed to record exit trade: %v", err)
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.TrailingExits.WithLabelValues(b.spec.Name).Inc()
	}
	b.logger.Infof("exit complete, %d orders cancelled, stopping bot", cancelled)
	b.persistState()
	b.stopOnce.Do(func() { close(b.stopped) })
	return true
}

// onOrderEvent handles a push event from the user-data stream.
func (b *GridBot) onOrderEvent(ctx context.Context, ev models.OrderEvent) {
	if ev.Symbol != b.spec.Symbol {
		return
	}
	switch ev.Status {
	case "FILLED":
		b.handleFill(ctx, ev.OrderID, ev.AvgPrice, models.TradeWSFill, ev.Fee)
	case "PARTIALLY_FILLED":
		if err := b.deps.Ledger.RecordFilled(b.spec.Name, ev.OrderID, ev.Symbol, ev.FilledQty); err != nil {
			b.logger.Errorf("failed to record partial fill on %d: %v", ev.OrderID, err)
		}
	case "CANCELED", "EXPIRED", "REJECTED":
		if _, err := b.deps.Ledger.CancelOrder(b.spec.Name, ev.OrderID, ev.Symbol, "exchange_"+ev.Status); err != nil {
			b.logger.Errorf("failed to mark order %d cancelled: %v", ev.OrderID, err)
		}
	}
}

// handleFill terminates the order, records the trade and places the
// replacement on the opposite side. Safe to call twice for the same order:
// the terminal transition happens at most once.
func (b *GridBot) handleFill(ctx context.Context, orderID int64, fillPrice float64, provenance string, fee float64) {
	order, err := b.deps.Ledger.GetOrder(orderID, b.spec.Symbol)
	if err != nil {
		b.logger.Debugf("fill event for unknown order %d, reconciler will import it", orderID)
		return
	}
	if fillPrice <= 0 {
		fillPrice = order.Price
	}

	transitioned, err := b.deps.Ledger.FillOrder(b.spec.Name, orderID, b.spec.Symbol, fillPrice, provenance)
	if err != nil {
		b.logger.Errorf("failed to fill order %d: %v", orderID, err)
		return
	}
	if !transitioned {
		return // already terminal, a duplicate detection path
	}

	trade := &models.Trade{
		TradeID:   fmt.Sprintf("%s-%s-%d", provenance, b.spec.Symbol, orderID),
		BotName:   b.spec.Name,
		Symbol:    b.spec.Symbol,
		Side:      order.Side,
		Price:     fillPrice,
		Amount:    order.Amount,
		Fee:       fee,
		OrderID:   orderID,
		Type:      provenance,
		Timestamp: time.Now(),
	}
	if err := b.deps.Ledger.RecordTrade(trade); err != nil && !errors.Is(err, ledger.ErrDuplicateKey) {
		b.logger.Errorf("failed to record trade for order %d: %v", orderID, err)
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.FillsTotal.WithLabelValues(b.spec.Name, provenance).Inc()
	}
	b.logger.Infow("order filled", "order_id", orderID, "side", order.Side,
		"price", fillPrice, "source", provenance)

	b.placeReplacement(ctx, order, fillPrice)
	if b.deps.Notifier != nil {
		b.deps.Notifier.NotifyFill()
	}
	b.publishStatus()
}

// placeReplacement places one order on the opposite side one spacing away
// from the fill, the core grid cycle.
func (b *GridBot) placeReplacement(ctx context.Context, filled *models.Order, fillPrice float64) {
	side := filled.Side.Opposite()
	var price float64
	if side == models.Sell {
		price = fillPrice + b.spacing(fillPrice, side)
	} else {
		price = fillPrice - b.spacing(fillPrice, side)
	}
	if !b.allowLevel(price, side) {
		b.logger.Infow("replacement skipped", "side", side, "price", price)
		return
	}
	b.submit(ctx, []exchange.OrderRequest{b.request(side, price)})
}

// checkPriceFills is the pull-based fill detection: when the price crosses a
// resting order we confirm against the exchange's open orders instead of
// trusting the cross alone. Throttled; the push path remains primary.
func (b *GridBot) checkPriceFills(ctx context.Context, price float64) {
	if time.Since(b.lastFillCheck) < fillCheckMinInterval {
		return
	}
	orders, err := b.deps.Ledger.ActiveOrders(b.spec.Name)
	if err != nil {
		b.logger.Errorf("failed to list active orders: %v", err)
		return
	}
	var crossed []models.Order
	for _, o := range orders {
		if (o.Side == models.Buy && price <= o.Price) || (o.Side == models.Sell && price >= o.Price) {
			crossed = append(crossed, o)
		}
	}
	if len(crossed) == 0 {
		return
	}
	b.lastFillCheck = time.Now()

	var open []models.ExchangeOrder
	err = b.deps.Session.Call(ctx, "fetch_open_orders", func() error {
		var callErr error
		open, callErr = b.deps.Exchange.FetchOpenOrders(b.spec.Symbol)
		return callErr
	})
	if err != nil {
		b.logger.Errorf("failed to confirm crossed orders: %v", err)
		return
	}
	stillOpen := make(map[int64]bool, len(open))
	for _, o := range open {
		stillOpen[o.OrderID] = true
	}
	for _, o := range crossed {
		if stillOpen[o.OrderID] {
			continue
		}
		b.handleFill(ctx, o.OrderID, o.Price, models.TradePriceFill, 0)
	}
}

// refreshATR reloads the candle window backing the ATR based strategies.
func (b *GridBot) refreshATR(ctx context.Context) {
	if b.atr == nil || b.deps.Klines == nil {
		return
	}
	candles, err := b.deps.Klines.FetchKlines(b.spec.Symbol, "1h", b.exitCfg.AtrPeriod*3)
	if err != nil {
		b.logger.Warnf("failed to refresh ATR candles: %v", err)
		return
	}
	b.atr.Update(candles)
}

// persistState writes the runtime state and trailing snapshot through the
// state repository. No-op when nothing changed since the last write.
func (b *GridBot) persistState() {
	if b.state == nil || !b.dirty {
		return
	}
	b.state.Trailing = b.trailing.Snapshot()
	b.state.LastUpdateTime = time.Now()
	if err := b.deps.Repo.SaveState(b.spec.Name, b.state); err != nil {
		b.logger.Errorf("failed to persist runtime state: %v", err)
		return
	}
	b.dirty = false
}

// publishStatus refreshes the snapshot the reporter reads.
func (b *GridBot) publishStatus() {
	active, err := b.deps.Ledger.ActiveOrders(b.spec.Name)
	if err != nil {
		return
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.ActiveOrders.WithLabelValues(b.spec.Name).Set(float64(len(active)))
	}
	status := models.BotRunning
	select {
	case <-b.stopped:
		status = models.BotStopped
	default:
	}
	b.mu.Lock()
	b.lastStatus = reporter.BotStatus{
		Name:         b.spec.Name,
		Symbol:       b.spec.Symbol,
		Status:       status,
		LowerBound:   b.record.LowerPrice,
		UpperBound:   b.record.UpperPrice,
		LastPrice:    b.lastPrice,
		ActiveOrders: len(active),
		Rebalances:   b.record.RebalanceCount,
	}
	b.mu.Unlock()
}

// Status implements reporter.StatusSource.
func (b *GridBot) Status() reporter.BotStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastStatus
}
