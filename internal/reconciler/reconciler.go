package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/ledger"
	"binance-grid-trader-go/internal/models"
	"binance-grid-trader-go/internal/resilience"

	"go.uber.org/zap"
)

// Reconciler detects and repairs drift between the order ledger and exchange
// truth. It runs on a fixed periodic timer and on a debounced kick after
// fills; a new fill reschedules the pending run instead of stacking runs.
// Every repair is independently idempotent: a second pass over unchanged
// exchange state performs zero repairs.
type Reconciler struct {
	cfg     config.Reconcile
	ledger  *ledger.Ledger
	ex      exchange.Exchange
	session *resilience.Session
	logger  *zap.Logger

	// OnRepair, when set, is called with the repair count of each pass that
	// repaired anything. Used for metrics.
	OnRepair func(botName string, repairs int)

	mu    sync.Mutex
	bots  map[string]string // bot name -> symbol
	timer *time.Timer
	kick  chan struct{}
}

// New creates a Reconciler. Bots are registered with Register before Run.
func New(cfg config.Reconcile, l *ledger.Ledger, ex exchange.Exchange, session *resilience.Session, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		ledger:  l,
		ex:      ex,
		session: session,
		logger:  logger,
		bots:    make(map[string]string),
		kick:    make(chan struct{}, 1),
	}
}

// Register adds a bot to the reconciliation set.
func (r *Reconciler) Register(botName, symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[botName] = symbol
}

// NotifyFill schedules a reconciliation pass after the post-fill delay.
// Subsequent fills within the window reset the timer.
func (r *Reconciler) NotifyFill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.cfg.PostFillDelay, func() {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	})
}

// Run drives the periodic and post-fill passes until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if r.timer != nil {
				r.timer.Stop()
			}
			r.mu.Unlock()
			return
		case <-ticker.C:
		case <-r.kick:
		}
		r.ReconcileAll(ctx)
	}
}

// ReconcileAll runs one pass over every registered bot.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	r.mu.Lock()
	bots := make(map[string]string, len(r.bots))
	for name, symbol := range r.bots {
		bots[name] = symbol
	}
	r.mu.Unlock()

	for name, symbol := range bots {
		repairs, err := r.ReconcileBot(ctx, name, symbol)
		if err != nil {
			r.logger.Error("reconciliation pass failed",
				zap.String("bot", name), zap.Error(err))
			continue
		}
		if repairs > 0 {
			r.logger.Info("reconciliation repaired drift",
				zap.String("bot", name), zap.Int("repairs", repairs))
			if r.OnRepair != nil {
				r.OnRepair(name, repairs)
			}
		}
	}
}

// ReconcileBot compares the ledger against exchange truth for one bot and
// repairs orphaned, missing and undetected-fill orders. Returns the number
// of repairs performed; a non-zero count is observability, not an error.
func (r *Reconciler) ReconcileBot(ctx context.Context, botName, symbol string) (int, error) {
	var exchangeOpen []models.ExchangeOrder
	err := r.session.Call(ctx, "fetchOpenOrders", func() error {
		var callErr error
		exchangeOpen, callErr = r.ex.FetchOpenOrders(symbol)
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch exchange open orders: %w", err)
	}

	ledgerOpen, err := r.ledger.OpenOrdersBySymbol(symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to load ledger open orders: %w", err)
	}

	openOnExchange := make(map[int64]models.ExchangeOrder, len(exchangeOpen))
	for _, o := range exchangeOpen {
		openOnExchange[o.OrderID] = o
	}
	openInLedger := make(map[int64]bool, len(ledgerOpen))
	for _, o := range ledgerOpen {
		openInLedger[o.OrderID] = true
	}

	// The order history is fetched lazily: most passes find no drift and
	// never need it.
	var history map[int64]models.ExchangeOrder
	loadHistory := func() (map[int64]models.ExchangeOrder, error) {
		if history != nil {
			return history, nil
		}
		var raw []models.ExchangeOrder
		err := r.session.Call(ctx, "fetchOrderHistory", func() error {
			var callErr error
			raw, callErr = r.ex.FetchOrderHistory(symbol, time.Now().Add(-r.cfg.HistoryWindow))
			return callErr
		})
		if err != nil {
			return nil, err
		}
		history = make(map[int64]models.ExchangeOrder, len(raw))
		for _, o := range raw {
			history[o.OrderID] = o
		}
		return history, nil
	}

	repairs := 0

	// Orphaned and undetected-fill repairs: ledger-open orders the exchange
	// no longer lists as open.
	for _, o := range ledgerOpen {
		if _, stillOpen := openOnExchange[o.OrderID]; stillOpen {
			continue
		}

		fillPrice := o.Price
		reason := models.TradeSyncOrphaned
		confirmed := false

		hist, histErr := loadHistory()
		if histErr != nil {
			r.logger.Warn("order history unavailable, repairing without fill confirmation",
				zap.Int64("order_id", o.OrderID), zap.Error(histErr))
		} else if h, ok := hist[o.OrderID]; ok && h.Status == "FILLED" {
			executed, _ := strconv.ParseFloat(h.ExecutedQty, 64)
			if executed > 0 {
				confirmed = true
				reason = models.TradeSyncFill
				if avg := historicalAvgPrice(h); avg > 0 {
					fillPrice = avg
				}
			}
		}

		// An order that vanished from the open list could be a fill or an
		// out-of-band cancel; the open-orders endpoint alone cannot tell
		// them apart, so absent history confirmation it is treated as
		// filled.
		changed, err := r.ledger.FillOrder(o.BotName, o.OrderID, symbol, fillPrice, reason)
		if err != nil {
			r.logger.Error("failed to repair orphaned order",
				zap.Int64("order_id", o.OrderID), zap.Error(err))
			continue
		}
		if !changed {
			// Another detection path (push handler, poll-fill check) beat
			// this pass to the transition and already booked the trade;
			// recording here too would double-count the execution.
			continue
		}
		repairs++
		r.logger.Warn("repaired orphaned order",
			zap.String("bot", o.BotName),
			zap.Int64("order_id", o.OrderID),
			zap.Bool("fill_confirmed", confirmed))

		if confirmed {
			trade := &models.Trade{
				TradeID: fmt.Sprintf("sync-%s-%d", symbol, o.OrderID),
				BotName: o.BotName,
				Symbol:  symbol,
				Side:    o.Side,
				Price:   fillPrice,
				Amount:  o.Amount,
				OrderID: o.OrderID,
				Type:    models.TradeSyncFill,
			}
			if err := r.ledger.RecordTrade(trade); err != nil && !errors.Is(err, ledger.ErrDuplicateKey) {
				r.logger.Error("failed to record sync fill trade",
					zap.Int64("order_id", o.OrderID), zap.Error(err))
			}
		}
	}

	// Missing-order repairs: exchange-open orders the ledger does not know.
	// They were placed through other channels, or lost to a crash between
	// placement and the ledger write.
	for _, o := range exchangeOpen {
		if openInLedger[o.OrderID] {
			continue
		}
		price, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.OrigQty, 64)
		imported := &models.Order{
			OrderID:      o.OrderID,
			Symbol:       symbol,
			BotName:      botName,
			Side:         models.Side(o.Side),
			Price:        price,
			Amount:       qty,
			Status:       models.OrderOpen,
			StatusReason: "sync_import",
			PlacedAt:     time.UnixMilli(o.Time),
		}
		if err := r.ledger.CreateOrder(imported); err != nil {
			if errors.Is(err, ledger.ErrDuplicateKey) {
				// A terminal row already exists; nothing to repair.
				continue
			}
			r.logger.Error("failed to import missing order",
				zap.Int64("order_id", o.OrderID), zap.Error(err))
			continue
		}
		repairs++
		r.logger.Warn("imported missing order",
			zap.String("bot", botName),
			zap.Int64("order_id", o.OrderID),
			zap.Float64("price", price))
	}

	return repairs, nil
}

// historicalAvgPrice derives the average fill price from an order-history
// row, preferring cumulative quote over the limit price.
func historicalAvgPrice(o models.ExchangeOrder) float64 {
	executed, _ := strconv.ParseFloat(o.ExecutedQty, 64)
	cumQuote, _ := strconv.ParseFloat(o.CumQuote, 64)
	if executed > 0 && cumQuote > 0 {
		return cumQuote / executed
	}
	price, _ := strconv.ParseFloat(o.Price, 64)
	return price
}
