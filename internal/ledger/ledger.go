package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"binance-grid-trader-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDuplicateKey is returned when an insert violates a uniqueness
// constraint. Reconciliation and trade recording rely on it to stay
// idempotent: a repeated import or fill record is rejected here instead of
// being double-counted.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrNotFound is returned when a referenced bot or order does not exist.
var ErrNotFound = errors.New("not found")

// Ledger is the single writer of Order/Trade/Bot persistent state. All
// mutating operations for a given bot are serialized on a per-bot mutex so a
// push-fill handler, the poll-fill check and a reconciliation pass cannot
// interleave writes to the same order row.
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger

	mu       sync.Mutex
	botLocks map[string]*sync.Mutex
}

// New creates a Ledger and migrates the schema.
func New(db *gorm.DB, logger *zap.Logger) (*Ledger, error) {
	if err := db.AutoMigrate(&models.Bot{}, &models.Order{}, &models.Trade{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate ledger schema: %w", err)
	}
	return &Ledger{
		db:       db,
		logger:   logger,
		botLocks: make(map[string]*sync.Mutex),
	}, nil
}

// lockBot returns the mutex serializing writes for the named bot.
func (l *Ledger) lockBot(botName string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.botLocks[botName]
	if !ok {
		m = &sync.Mutex{}
		l.botLocks[botName] = m
	}
	return m
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// The sqlite driver surfaces constraint violations as plain errors.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

// EnsureBot creates the bot row if it does not exist and returns it.
func (l *Ledger) EnsureBot(bot *models.Bot) (*models.Bot, error) {
	if bot.LowerPrice <= 0 || bot.LowerPrice >= bot.UpperPrice {
		return nil, fmt.Errorf("bot %s: invalid range [%f, %f]", bot.Name, bot.LowerPrice, bot.UpperPrice)
	}
	var existing models.Bot
	err := l.db.Where("name = ?", bot.Name).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := l.db.Create(bot).Error; err != nil {
		return nil, fmt.Errorf("failed to create bot %s: %w", bot.Name, err)
	}
	return bot, nil
}

// GetBot loads a bot by name.
func (l *Ledger) GetBot(name string) (*models.Bot, error) {
	var bot models.Bot
	if err := l.db.Where("name = ?", name).First(&bot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("bot %s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	return &bot, nil
}

// CreateOrder inserts a new OPEN order. Returns ErrDuplicateKey when an
// order with the same (symbol, order_id) already exists.
func (l *Ledger) CreateOrder(order *models.Order) error {
	m := l.lockBot(order.BotName)
	m.Lock()
	defer m.Unlock()

	if order.Status == "" {
		order.Status = models.OrderOpen
	}
	if order.PlacedAt.IsZero() {
		order.PlacedAt = time.Now()
	}
	if err := l.db.Create(order).Error; err != nil {
		if isDuplicateErr(err) {
			return fmt.Errorf("order %d/%s: %w", order.OrderID, order.Symbol, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create order %d: %w", order.OrderID, err)
	}
	return nil
}

// FillOrder transitions an open order to FILLED. A terminal order is left
// untouched and (false, nil) is returned, which makes repeated fill
// notifications from different sources safe.
func (l *Ledger) FillOrder(botName string, orderID int64, symbol string, fillPrice float64, reason string) (bool, error) {
	return l.terminate(botName, orderID, symbol, models.OrderFilled, fillPrice, reason)
}

// CancelOrder transitions an open order to CANCELLED, analogous to FillOrder.
func (l *Ledger) CancelOrder(botName string, orderID int64, symbol string, reason string) (bool, error) {
	return l.terminate(botName, orderID, symbol, models.OrderCancelled, 0, reason)
}

func (l *Ledger) terminate(botName string, orderID int64, symbol, status string, fillPrice float64, reason string) (bool, error) {
	m := l.lockBot(botName)
	m.Lock()
	defer m.Unlock()

	var order models.Order
	err := l.db.Where("order_id = ? AND symbol = ?", orderID, symbol).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("order %d/%s: %w", orderID, symbol, ErrNotFound)
		}
		return false, err
	}
	if order.IsTerminal() {
		return false, nil
	}

	updates := map[string]interface{}{
		"status":        status,
		"status_reason": reason,
	}
	if status == models.OrderFilled && fillPrice > 0 {
		updates["price"] = fillPrice
		updates["filled_amount"] = order.Amount
	}
	// The status guard keeps the transition one-way even if another process
	// slipped in between the read and the write.
	res := l.db.Model(&models.Order{}).
		Where("order_id = ? AND symbol = ? AND status = ?", orderID, symbol, models.OrderOpen).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordFilled updates the filled amount observed for an open order without
// changing its status. Used by the partial-fill sweep.
func (l *Ledger) RecordFilled(botName string, orderID int64, symbol string, filled float64) error {
	m := l.lockBot(botName)
	m.Lock()
	defer m.Unlock()

	return l.db.Model(&models.Order{}).
		Where("order_id = ? AND symbol = ? AND status = ?", orderID, symbol, models.OrderOpen).
		Update("filled_amount", filled).Error
}

// RecordTrade appends a trade. Returns ErrDuplicateKey on a repeated trade
// id so reconciliation can re-run safely.
func (l *Ledger) RecordTrade(trade *models.Trade) error {
	m := l.lockBot(trade.BotName)
	m.Lock()
	defer m.Unlock()

	if trade.Timestamp.IsZero() {
		trade.Timestamp = time.Now()
	}
	if trade.Value == 0 {
		trade.Value = trade.Price * trade.Amount
	}
	if err := l.db.Create(trade).Error; err != nil {
		if isDuplicateErr(err) {
			return fmt.Errorf("trade %s: %w", trade.TradeID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to record trade %s: %w", trade.TradeID, err)
	}
	return nil
}

// ActiveOrders returns all OPEN orders for the bot.
func (l *Ledger) ActiveOrders(botName string) ([]models.Order, error) {
	var orders []models.Order
	err := l.db.Where("bot_name = ? AND status = ?", botName, models.OrderOpen).
		Order("price asc").Find(&orders).Error
	return orders, err
}

// OpenOrdersBySymbol returns all OPEN orders for a symbol, regardless of bot.
// Reconciliation compares this set against the exchange's open-orders list.
func (l *Ledger) OpenOrdersBySymbol(symbol string) ([]models.Order, error) {
	var orders []models.Order
	err := l.db.Where("symbol = ? AND status = ?", symbol, models.OrderOpen).Find(&orders).Error
	return orders, err
}

// GetOrder loads one order by exchange id and symbol.
func (l *Ledger) GetOrder(orderID int64, symbol string) (*models.Order, error) {
	var order models.Order
	err := l.db.Where("order_id = ? AND symbol = ?", orderID, symbol).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %d/%s: %w", orderID, symbol, ErrNotFound)
		}
		return nil, err
	}
	return &order, nil
}

// UpdateBotRange atomically updates the bot's range and adjusted grid count.
// The grid invariant 0 < lower < upper is enforced here as the last line of
// defense; callers validate candidates before applying them.
func (l *Ledger) UpdateBotRange(botName string, lower, upper float64, adjustedCount int) error {
	if lower <= 0 || lower >= upper {
		return fmt.Errorf("bot %s: invalid range [%f, %f]", botName, lower, upper)
	}
	m := l.lockBot(botName)
	m.Lock()
	defer m.Unlock()

	res := l.db.Model(&models.Bot{}).Where("name = ?", botName).Updates(map[string]interface{}{
		"lower_price":         lower,
		"upper_price":         upper,
		"adjusted_grid_count": adjustedCount,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("bot %s: %w", botName, ErrNotFound)
	}
	return nil
}

// IncrementRebalanceCount bumps the bot's lifetime rebalance counter.
func (l *Ledger) IncrementRebalanceCount(botName string) error {
	m := l.lockBot(botName)
	m.Lock()
	defer m.Unlock()
	return l.db.Model(&models.Bot{}).Where("name = ?", botName).
		UpdateColumn("rebalance_count", gorm.Expr("rebalance_count + 1")).Error
}

// SetBotStatus updates the bot's running status.
func (l *Ledger) SetBotStatus(botName, status string) error {
	m := l.lockBot(botName)
	m.Lock()
	defer m.Unlock()
	return l.db.Model(&models.Bot{}).Where("name = ?", botName).Update("status", status).Error
}

// TradesSince returns the bot's trades recorded at or after the cutoff.
// Used by the status reporter.
func (l *Ledger) TradesSince(botName string, since time.Time) ([]models.Trade, error) {
	var trades []models.Trade
	err := l.db.Where("bot_name = ? AND timestamp >= ?", botName, since).
		Order("timestamp asc").Find(&trades).Error
	return trades, err
}
