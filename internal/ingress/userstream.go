package ingress

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// UserStream maintains the authenticated user-data push channel and delivers
// normalized order events. The session token is renewed on a fixed interval;
// a renewal failure forces a full reconnect with a fresh token. Disconnects
// reconnect with bounded exponential backoff; after the attempt budget the
// stream degrades for the session and order state rides on reconciliation
// and the poll-fill check alone.
type UserStream struct {
	cfg      config.Ingress
	wsBase   string
	provider exchange.StreamProvider
	logger   *zap.Logger

	// OnDegraded fires once when the reconnect budget runs out. Set before
	// Start.
	OnDegraded func()

	events chan models.OrderEvent

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	degraded bool
}

// NewUserStream creates the user-data stream client.
func NewUserStream(cfg config.Ingress, wsBase string, provider exchange.StreamProvider, logger *zap.Logger) *UserStream {
	return &UserStream{
		cfg:      cfg,
		wsBase:   wsBase,
		provider: provider,
		logger:   logger,
		events:   make(chan models.OrderEvent, 256),
		stopChan: make(chan struct{}),
	}
}

// Events returns the normalized order event channel.
func (u *UserStream) Events() <-chan models.OrderEvent {
	return u.events
}

// Degraded reports whether the stream has given up for this session.
func (u *UserStream) Degraded() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.degraded
}

// Start launches the stream daemon.
func (u *UserStream) Start() {
	u.wg.Add(1)
	go u.run()
}

// Stop shuts the stream down.
func (u *UserStream) Stop() {
	u.stopOnce.Do(func() { close(u.stopChan) })
	u.wg.Wait()
}

func (u *UserStream) backoff(attempt int) time.Duration {
	d := float64(u.cfg.ReconnectBaseDelay) * math.Pow(u.cfg.ReconnectMultiplier, float64(attempt-1))
	if d > float64(u.cfg.ReconnectMaxDelay) {
		d = float64(u.cfg.ReconnectMaxDelay)
	}
	return time.Duration(d * (0.75 + rand.Float64()*0.5))
}

func (u *UserStream) run() {
	defer u.wg.Done()

	attempts := 0
	for {
		select {
		case <-u.stopChan:
			return
		default:
		}

		err := u.session()
		if err == nil {
			// Clean shutdown.
			return
		}

		attempts++
		if attempts >= u.cfg.MaxReconnectAttempts {
			u.mu.Lock()
			u.degraded = true
			u.mu.Unlock()
			u.logger.Error("user stream reconnect budget exhausted, degrading for this session",
				zap.Int("attempts", attempts))
			if u.OnDegraded != nil {
				u.OnDegraded()
			}
			return
		}
		delay := u.backoff(attempts)
		u.logger.Warn("user stream session ended",
			zap.Int("attempt", attempts), zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-time.After(delay):
		case <-u.stopChan:
			return
		}
	}
}

// session runs one full stream session: new token, new socket, keepalive
// loop. Returns nil only on shutdown.
func (u *UserStream) session() error {
	key, err := u.provider.CreateListenKey()
	if err != nil {
		return fmt.Errorf("failed to open user stream session: %w", err)
	}
	defer u.provider.CloseListenKey(key)

	wsURL := fmt.Sprintf("%s/ws/%s", u.wsBase, key)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("user stream dial failed: %w", err)
	}
	defer conn.Close()

	u.logger.Info("user data stream connected")

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// keepAliveErr carries a renewal failure out of the keepalive goroutine;
	// the read loop notices via the closed connection.
	keepAliveErr := make(chan error, 1)
	keepAliveStop := make(chan struct{})
	defer close(keepAliveStop)

	go func() {
		renew := time.NewTicker(u.cfg.ListenKeyInterval)
		ping := time.NewTicker(pingPeriod)
		defer renew.Stop()
		defer ping.Stop()
		for {
			select {
			case <-renew.C:
				if err := u.provider.KeepAliveListenKey(key); err != nil {
					// A stale token invalidates the socket server-side; force
					// the full reconnect path.
					keepAliveErr <- fmt.Errorf("listen key renewal failed: %w", err)
					conn.Close()
					return
				}
				u.logger.Debug("listen key renewed")
			case <-ping.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-keepAliveStop:
				return
			case <-u.stopChan:
				return
			}
		}
	}()

	for {
		select {
		case <-u.stopChan:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				select {
				case kerr := <-keepAliveErr:
					return kerr
				default:
				}
				return fmt.Errorf("user stream read failed: %w", err)
			}
			u.handleMessage(message)
		}
	}
}

func (u *UserStream) handleMessage(message []byte) {
	var ev models.UserDataEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		u.logger.Warn("failed to parse user stream message", zap.Error(err))
		return
	}
	if ev.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	o := ev.Order
	filled, _ := strconv.ParseFloat(o.CumFilledQty, 64)
	avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)
	lastPrice, _ := strconv.ParseFloat(o.LastPrice, 64)
	fee, _ := strconv.ParseFloat(o.Commission, 64)
	if avgPrice == 0 {
		avgPrice = lastPrice
	}

	event := models.OrderEvent{
		OrderID:   o.OrderID,
		Symbol:    o.Symbol,
		Side:      models.Side(o.Side),
		Status:    o.Status,
		Price:     avgPrice,
		FilledQty: filled,
		AvgPrice:  avgPrice,
		Fee:       fee,
		TradeID:   o.TradeID,
		EventTime: time.UnixMilli(ev.EventTime),
	}

	select {
	case u.events <- event:
	default:
		u.logger.Warn("order event buffer full, dropping event",
			zap.Int64("order_id", event.OrderID))
	}
}
