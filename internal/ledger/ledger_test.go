package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"binance-grid-trader-go/internal/models"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	l, err := New(db, zap.NewNop())
	require.NoError(t, err)
	return l
}

func seedBot(t *testing.T, l *Ledger) *models.Bot {
	t.Helper()
	bot, err := l.EnsureBot(&models.Bot{
		Name:       "btc-grid",
		Symbol:     "BTCUSDT",
		LowerPrice: 90000,
		UpperPrice: 100000,
		GridCount:  20,
		OrderSize:  0.01,
	})
	require.NoError(t, err)
	return bot
}

func seedOrder(t *testing.T, l *Ledger, id int64, side models.Side, price float64) {
	t.Helper()
	require.NoError(t, l.CreateOrder(&models.Order{
		OrderID: id,
		Symbol:  "BTCUSDT",
		BotName: "btc-grid",
		Side:    side,
		Price:   price,
		Amount:  0.01,
	}))
}

func TestEnsureBotIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	first := seedBot(t, l)

	// Second call with different parameters returns the stored row.
	again, err := l.EnsureBot(&models.Bot{
		Name:       "btc-grid",
		Symbol:     "BTCUSDT",
		LowerPrice: 1,
		UpperPrice: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 90000.0, again.LowerPrice)
}

func TestEnsureBotRejectsInvalidRange(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.EnsureBot(&models.Bot{Name: "bad", Symbol: "X", LowerPrice: 100, UpperPrice: 90})
	assert.Error(t, err)
	_, err = l.EnsureBot(&models.Bot{Name: "bad", Symbol: "X", LowerPrice: 0, UpperPrice: 90})
	assert.Error(t, err)
}

func TestCreateOrderRejectsDuplicate(t *testing.T) {
	l := newTestLedger(t)
	seedBot(t, l)
	seedOrder(t, l, 1001, models.Buy, 95000)

	err := l.CreateOrder(&models.Order{
		OrderID: 1001,
		Symbol:  "BTCUSDT",
		BotName: "btc-grid",
		Side:    models.Buy,
		Price:   94000,
		Amount:  0.01,
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	// The same exchange id on a different symbol is a different order.
	assert.NoError(t, l.CreateOrder(&models.Order{
		OrderID: 1001,
		Symbol:  "ETHUSDT",
		BotName: "btc-grid",
		Side:    models.Buy,
		Price:   3000,
		Amount:  0.1,
	}))
}

func TestFillOrderIsOneWayAndIdempotent(t *testing.T) {
	l := newTestLedger(t)
	seedBot(t, l)
	seedOrder(t, l, 2001, models.Buy, 95000)

	transitioned, err := l.FillOrder("btc-grid", 2001, "BTCUSDT", 94990, "ws_fill")
	require.NoError(t, err)
	assert.True(t, transitioned)

	order, err := l.GetOrder(2001, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, order.Status)
	assert.Equal(t, 94990.0, order.Price)
	assert.Equal(t, order.Amount, order.FilledAmount)

	// A second detection path reporting the same fill is a no-op.
	transitioned, err = l.FillOrder("btc-grid", 2001, "BTCUSDT", 94990, "sync_fill")
	require.NoError(t, err)
	assert.False(t, transitioned)

	// A filled order can never become cancelled.
	transitioned, err = l.CancelOrder("btc-grid", 2001, "BTCUSDT", "rebalance")
	require.NoError(t, err)
	assert.False(t, transitioned)

	order, err = l.GetOrder(2001, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, order.Status)
}

func TestCancelThenFillIsRejected(t *testing.T) {
	l := newTestLedger(t)
	seedBot(t, l)
	seedOrder(t, l, 2002, models.Sell, 98000)

	transitioned, err := l.CancelOrder("btc-grid", 2002, "BTCUSDT", "trailing_stop_exit")
	require.NoError(t, err)
	require.True(t, transitioned)

	transitioned, err = l.FillOrder("btc-grid", 2002, "BTCUSDT", 98000, "price_fill")
	require.NoError(t, err)
	assert.False(t, transitioned)
}

func TestFillUnknownOrder(t *testing.T) {
	l := newTestLedger(t)
	seedBot(t, l)
	_, err := l.FillOrder("btc-grid", 9999, "BTCUSDT", 1, "ws_fill")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordTradeRejectsDuplicateID(t *testing.T) {
	l := newTestLedger(t)
	seedBot(t, l)

	trade := &models.Trade{
		TradeID: "sync-BTCUSDT-3001",
		BotName: "btc-grid",
		Symbol:  "BTCUSDT",
		Side:    models.Buy,
		Price:   95000,
		Amount:  0.01,
		Type:    models.TradeSyncFill,
	}
	require.NoError(t, l.RecordTrade(trade))
	assert.Equal(t, 950.0, trade.Value, "value defaults to price * amount")

	err := l.RecordTrade(&models.Trade{
		TradeID: "sync-BTCUSDT-3001",
		BotName: "btc-grid",
		Symbol:  "BTCUSDT",
		Side:    models.Buy,
		Price:   95000,
		Amount:  0.01,
		Type:    models.TradeSyncFill,
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	trades, err := l.TradesSince("btc-grid", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestActiveOrdersSortedByPrice(t *testing.T) {
	l := newTestLedger(t)
	seedBot(t, l)
	seedOrder(t, l, 1, models.Sell, 98000)
	seedOrder(t, l, 2, models.Buy, 94000)
	seedOrder(t, l, 3, models.Buy, 96000)

	_, err := l.FillOrder("btc-grid", 3, "BTCUSDT", 96000, "ws_fill")
	require.NoError(t, err)

	orders, err := l.ActiveOrders("btc-grid")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, int64(2), orders[0].OrderID)
	assert.Equal(t, int64(1), orders[1].OrderID)
}

func TestUpdateBotRangeEnforcesInvariant(t *testing.T) {
	l := newTestLedger(t)
	seedBot(t, l)

	assert.Error(t, l.UpdateBotRange("btc-grid", 100000, 90000, 20))
	assert.Error(t, l.UpdateBotRange("btc-grid", 0, 90000, 20))
	assert.Error(t, l.UpdateBotRange("btc-grid", -5, 90000, 20))
	assert.ErrorIs(t, l.UpdateBotRange("nope", 1, 2, 20), ErrNotFound)

	require.NoError(t, l.UpdateBotRange("btc-grid", 92000, 102000, 18))
	bot, err := l.GetBot("btc-grid")
	require.NoError(t, err)
	assert.Equal(t, 92000.0, bot.LowerPrice)
	assert.Equal(t, 102000.0, bot.UpperPrice)
	assert.Equal(t, 18, bot.AdjustedGridCount)
}

func TestIncrementRebalanceCount(t *testing.T) {
	l := newTestLedger(t)
	seedBot(t, l)
	require.NoError(t, l.IncrementRebalanceCount("btc-grid"))
	require.NoError(t, l.IncrementRebalanceCount("btc-grid"))
	bot, err := l.GetBot("btc-grid")
	require.NoError(t, err)
	assert.Equal(t, 2, bot.RebalanceCount)
}

func TestRecordFilledOnlyTouchesOpenOrders(t *testing.T) {
	l := newTestLedger(t)
	seedBot(t, l)
	seedOrder(t, l, 4001, models.Buy, 95000)

	require.NoError(t, l.RecordFilled("btc-grid", 4001, "BTCUSDT", 0.005))
	order, err := l.GetOrder(4001, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.005, order.FilledAmount)
	assert.Equal(t, models.OrderOpen, order.Status)
	assert.InDelta(t, 50.0, order.FillPercent(), 1e-9)

	_, err = l.FillOrder("btc-grid", 4001, "BTCUSDT", 95000, "ws_fill")
	require.NoError(t, err)
	require.NoError(t, l.RecordFilled("btc-grid", 4001, "BTCUSDT", 0.001))
	order, err = l.GetOrder(4001, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, order.Amount, order.FilledAmount, "terminal orders are immutable")
}
