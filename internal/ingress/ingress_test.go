package ingress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/models"
)

func ingressCfg() config.Ingress {
	return config.Ingress{
		PollInterval:         5 * time.Second,
		StaleAfter:           30 * time.Second,
		HealthCheckInterval:  2 * time.Minute,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    time.Minute,
		ReconnectMultiplier:  2.0,
		MaxReconnectAttempts: 10,
		ListenKeyInterval:    30 * time.Minute,
	}
}

func TestReconnectDelayGrowsAndCaps(t *testing.T) {
	f := NewPriceFeed(ingressCfg(), "wss://example", "BTCUSDT", exchange.NewSimExchange(), zap.NewNop())

	for attempt, base := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		6: 32 * time.Second,
		// 2^9 = 512s would exceed the cap.
		10: time.Minute,
	} {
		d := f.reconnectDelay(attempt)
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
		assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
	}
}

func TestPriceFeedEmitDropsWhenBufferFull(t *testing.T) {
	f := NewPriceFeed(ingressCfg(), "wss://example", "BTCUSDT", exchange.NewSimExchange(), zap.NewNop())

	// The buffer holds 256; the overflow must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			f.emit(models.PriceTick{Symbol: "BTCUSDT", Price: float64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full buffer")
	}
	assert.Len(t, f.ticks, 256)
}

func TestPriceFeedStaleness(t *testing.T) {
	cfg := ingressCfg()
	cfg.StaleAfter = 10 * time.Millisecond
	f := NewPriceFeed(cfg, "wss://example", "BTCUSDT", exchange.NewSimExchange(), zap.NewNop())

	assert.True(t, f.stale(), "no tick yet")
	f.markTick()
	assert.False(t, f.stale())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, f.stale())
}

// failingStreamProvider rejects every session token request.
type failingStreamProvider struct{}

func (failingStreamProvider) CreateListenKey() (string, error) {
	return "", fmt.Errorf("listen key rejected")
}
func (failingStreamProvider) KeepAliveListenKey(string) error { return nil }
func (failingStreamProvider) CloseListenKey(string) error     { return nil }

func TestUserStreamDegradesAfterReconnectBudget(t *testing.T) {
	cfg := ingressCfg()
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond

	u := NewUserStream(cfg, "wss://example", failingStreamProvider{}, zap.NewNop())
	degraded := make(chan struct{})
	u.OnDegraded = func() { close(degraded) }

	u.Start()
	defer u.Stop()

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the stream to degrade after exhausting the reconnect budget")
	}
	assert.True(t, u.Degraded())
}

func TestPriceFeedDegradesAfterReconnectBudget(t *testing.T) {
	cfg := ingressCfg()
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond

	// Nothing listens on port 1, so every dial is refused immediately.
	f := NewPriceFeed(cfg, "ws://127.0.0.1:1", "BTCUSDT", exchange.NewSimExchange(), zap.NewNop())
	degraded := make(chan struct{})
	f.OnDegraded = func() { close(degraded) }

	f.Start()
	defer f.Stop()

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the feed to degrade after exhausting the reconnect budget")
	}
	assert.True(t, f.Degraded())
	assert.Equal(t, modePoll, f.currentMode())
}

func TestUserStreamParsesOrderTradeUpdate(t *testing.T) {
	u := NewUserStream(ingressCfg(), "wss://example", nil, zap.NewNop())

	u.handleMessage([]byte(`{
		"e": "ORDER_TRADE_UPDATE",
		"E": 1756600000000,
		"o": {
			"s": "BTCUSDT",
			"c": "grid-abc",
			"S": "BUY",
			"o": "LIMIT",
			"q": "0.01000000",
			"p": "94000.00000000",
			"ap": "93990.50000000",
			"x": "TRADE",
			"X": "FILLED",
			"i": 4242,
			"l": "0.01000000",
			"z": "0.01000000",
			"L": "93990.50000000",
			"n": "0.00000400",
			"T": 1756600000000,
			"t": 991
		}
	}`))

	select {
	case ev := <-u.Events():
		assert.Equal(t, int64(4242), ev.OrderID)
		assert.Equal(t, "BTCUSDT", ev.Symbol)
		assert.Equal(t, models.Buy, ev.Side)
		assert.Equal(t, "FILLED", ev.Status)
		assert.InDelta(t, 93990.5, ev.AvgPrice, 1e-9)
		assert.InDelta(t, 0.01, ev.FilledQty, 1e-9)
		assert.InDelta(t, 0.000004, ev.Fee, 1e-12)
		assert.Equal(t, int64(991), ev.TradeID)
		assert.Equal(t, time.UnixMilli(1756600000000), ev.EventTime)
	default:
		t.Fatal("expected an order event")
	}
}

func TestUserStreamFallsBackToLastPrice(t *testing.T) {
	u := NewUserStream(ingressCfg(), "wss://example", nil, zap.NewNop())

	u.handleMessage([]byte(`{
		"e": "ORDER_TRADE_UPDATE",
		"o": {"s": "BTCUSDT", "S": "SELL", "X": "PARTIALLY_FILLED",
		      "i": 7, "z": "0.50000000", "ap": "0", "L": "95100.00000000"}
	}`))

	ev := <-u.Events()
	assert.InDelta(t, 95100.0, ev.AvgPrice, 1e-9)
	assert.InDelta(t, 0.5, ev.FilledQty, 1e-9)
}

func TestUserStreamIgnoresOtherEventTypes(t *testing.T) {
	u := NewUserStream(ingressCfg(), "wss://example", nil, zap.NewNop())

	u.handleMessage([]byte(`{"e": "ACCOUNT_UPDATE", "E": 1}`))
	u.handleMessage([]byte(`{"e": "listenKeyExpired"}`))
	u.handleMessage([]byte(`not json at all`))

	assert.Empty(t, u.Events())
}

func TestUserStreamEventBufferDoesNotBlock(t *testing.T) {
	u := NewUserStream(ingressCfg(), "wss://example", nil, zap.NewNop())

	msg := func(id int) []byte {
		return []byte(fmt.Sprintf(
			`{"e": "ORDER_TRADE_UPDATE", "o": {"s": "BTCUSDT", "S": "BUY", "X": "FILLED", "i": %d}}`, id))
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			u.handleMessage(msg(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleMessage blocked on a full buffer")
	}
	require.Len(t, u.events, 256)
}
