package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Side is the direction of an order or trade.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Bot status values.
const (
	BotStopped = "stopped"
	BotRunning = "running"
)

// Order status values. Transitions are one-way: OPEN -> FILLED or OPEN -> CANCELLED.
const (
	OrderOpen      = "OPEN"
	OrderFilled    = "FILLED"
	OrderCancelled = "CANCELLED"
)

// Trade provenance tags. They record which path detected the fill.
const (
	TradeWSFill           = "ws_fill"
	TradePriceFill        = "price_fill"
	TradeSyncFill         = "sync_fill"
	TradeSyncOrphaned     = "sync_orphaned"
	TradePartialRecovered = "partial_recovered"
	TradeTrailingStopExit = "trailing_stop_exit"
)

// Bot is the persisted configuration and range state of a single grid bot.
// The strategy machine is the only writer of the range and counter fields.
type Bot struct {
	gorm.Model
	Name              string `gorm:"uniqueIndex;not null"`
	Symbol            string `gorm:"not null"`
	LowerPrice        float64
	UpperPrice        float64
	GridCount         int
	AdjustedGridCount int
	OrderSize         float64
	Status            string `gorm:"default:stopped"`
	RebalanceCount    int
}

// RangeSize returns the width of the bot's price range.
func (b *Bot) RangeSize() float64 {
	return b.UpperPrice - b.LowerPrice
}

// Order is the ledger's record of an exchange order. Rows are never deleted;
// terminal orders are kept for audit and metrics.
type Order struct {
	gorm.Model
	OrderID      int64  `gorm:"uniqueIndex:idx_symbol_order;not null"`
	Symbol       string `gorm:"uniqueIndex:idx_symbol_order;not null"`
	BotName      string `gorm:"index"`
	Side         Side
	Price        float64
	Amount       float64
	FilledAmount float64
	Status       string `gorm:"index;default:OPEN"`
	StatusReason string
	PlacedAt     time.Time
}

// IsTerminal reports whether the order has reached a final status.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderFilled || o.Status == OrderCancelled
}

// FillPercent returns the executed fraction of the order in percent.
func (o *Order) FillPercent() float64 {
	if o.Amount == 0 {
		return 0
	}
	return o.FilledAmount / o.Amount * 100
}

// Trade is an append-only record of an execution. OrderID is a weak
// reference to the order that produced it, never an ownership relation.
type Trade struct {
	gorm.Model
	TradeID   string `gorm:"uniqueIndex;not null"`
	BotName   string `gorm:"index"`
	Symbol    string
	Side      Side
	Price     float64
	Amount    float64
	Value     float64
	Fee       float64
	OrderID   int64
	Type      string
	Timestamp time.Time
}

// PriceTick is the uniform tick emitted by the price feed regardless of
// whether it came from the websocket stream or the polling fallback.
type PriceTick struct {
	Symbol    string
	Price     float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
	Source    string // "ws" or "poll"
}

// OrderEvent is a normalized order-status or execution event from the
// user-data stream.
type OrderEvent struct {
	OrderID   int64
	Symbol    string
	Side      Side
	Status    string
	Price     float64
	FilledQty float64
	AvgPrice  float64
	Fee       float64
	TradeID   int64
	EventTime time.Time
}

// ExchangeOrder is the exchange's view of an order as returned by the REST
// open-orders and order-history endpoints.
type ExchangeOrder struct {
	Symbol      string `json:"symbol"`
	OrderID     int64  `json:"orderId"`
	ClientID    string `json:"clientOrderId"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	CumQuote    string `json:"cumQuote"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	Side        string `json:"side"`
	Time        int64  `json:"time"`
	UpdateTime  int64  `json:"updateTime"`
}

// Candle is one OHLC bar consumed by the ATR calculator.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// APIError is the error payload returned by the exchange REST API.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// ExecutionReport carries the order-update fields of a user-data stream
// message (ORDER_TRADE_UPDATE payload shape).
type ExecutionReport struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	OrigQty       string `json:"q"`
	Price         string `json:"p"`
	AvgPrice      string `json:"ap"`
	ExecutionType string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastFilledQty string `json:"l"`
	CumFilledQty  string `json:"z"`
	LastPrice     string `json:"L"`
	Commission    string `json:"n"`
	TradeTime     int64  `json:"T"`
	TradeID       int64  `json:"t"`
}

// UserDataEvent is the envelope of a user-data stream message.
type UserDataEvent struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Order     ExecutionReport `json:"o"`
}

// AggTradeEvent is the payload of an aggTrade stream message.
type AggTradeEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}
