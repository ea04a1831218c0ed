package ingress

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // must be less than pongWait
)

// feedMode is the active price source.
type feedMode int32

const (
	modeWS feedMode = iota
	modePoll
)

// PriceFeed delivers a uniform tick stream for one symbol. The websocket
// stream is the primary source; on subscribe failure, on exhausting the
// reconnect budget, or when no update has arrived within the staleness
// threshold, it falls over to REST polling and periodically attempts to
// re-promote to the stream.
type PriceFeed struct {
	cfg    config.Ingress
	wsBase string
	symbol string
	ex     exchange.Exchange
	logger *zap.Logger

	// OnDegraded fires once if the reconnect budget runs out and the feed
	// settles into polling. Set before Start.
	OnDegraded func()

	ticks chan models.PriceTick

	mu       sync.Mutex
	mode     feedMode
	lastTick time.Time
	degraded bool // reconnect budget exhausted, polling for the rest of the session

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPriceFeed creates a feed for the symbol. Ticks() delivers from both
// sources; consumers distinguish them by Source only for observability.
func NewPriceFeed(cfg config.Ingress, wsBase, symbol string, ex exchange.Exchange, logger *zap.Logger) *PriceFeed {
	return &PriceFeed{
		cfg:      cfg,
		wsBase:   wsBase,
		symbol:   symbol,
		ex:       ex,
		logger:   logger.With(zap.String("symbol", symbol)),
		ticks:    make(chan models.PriceTick, 256),
		mode:     modePoll, // polling until the stream is up
		stopChan: make(chan struct{}),
	}
}

// Ticks returns the tick channel.
func (f *PriceFeed) Ticks() <-chan models.PriceTick {
	return f.ticks
}

// Degraded reports whether the stream has given up for this session.
func (f *PriceFeed) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// Start launches the stream and poll loops.
func (f *PriceFeed) Start() {
	f.wg.Add(2)
	go f.streamLoop()
	go f.pollLoop()
}

// Stop shuts the feed down. The tick channel is not closed; consumers stop
// via their own shutdown path.
func (f *PriceFeed) Stop() {
	f.stopOnce.Do(func() { close(f.stopChan) })
	f.wg.Wait()
}

func (f *PriceFeed) setMode(m feedMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode != m {
		f.mode = m
		f.logger.Info("price feed mode changed", zap.String("mode", map[feedMode]string{modeWS: "ws", modePoll: "poll"}[m]))
	}
}

func (f *PriceFeed) currentMode() feedMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *PriceFeed) markTick() {
	f.mu.Lock()
	f.lastTick = time.Now()
	f.mu.Unlock()
}

func (f *PriceFeed) stale() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return time.Since(f.lastTick) > f.cfg.StaleAfter
}

func (f *PriceFeed) emit(tick models.PriceTick) {
	select {
	case f.ticks <- tick:
	default:
		// A slow consumer drops the oldest information, not the newest: skip.
		f.logger.Warn("tick buffer full, dropping tick")
	}
}

// reconnectDelay returns the jittered backoff before the given attempt.
func (f *PriceFeed) reconnectDelay(attempt int) time.Duration {
	d := float64(f.cfg.ReconnectBaseDelay) * math.Pow(f.cfg.ReconnectMultiplier, float64(attempt-1))
	if d > float64(f.cfg.ReconnectMaxDelay) {
		d = float64(f.cfg.ReconnectMaxDelay)
	}
	return time.Duration(d * (0.75 + rand.Float64()*0.5))
}

// streamLoop 是价格推送的守护循环，负责连接、心跳和重连。
// 超过重连预算后该会话永久降级为轮询。
func (f *PriceFeed) streamLoop() {
	defer f.wg.Done()

	attempts := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		conn, err := f.dial()
		if err != nil {
			attempts++
			if attempts >= f.cfg.MaxReconnectAttempts {
				f.mu.Lock()
				f.degraded = true
				f.mu.Unlock()
				f.setMode(modePoll)
				f.logger.Warn("price stream reconnect budget exhausted, polling for the rest of the session",
					zap.Int("attempts", attempts))
				if f.OnDegraded != nil {
					f.OnDegraded()
				}
				return
			}
			delay := f.reconnectDelay(attempts)
			f.logger.Warn("price stream connect failed",
				zap.Int("attempt", attempts), zap.Duration("retry_in", delay), zap.Error(err))
			select {
			case <-time.After(delay):
			case <-f.stopChan:
				return
			}
			continue
		}

		attempts = 0
		f.setMode(modeWS)
		if err := f.readStream(conn); err != nil {
			f.logger.Warn("price stream disconnected", zap.Error(err))
		}
		conn.Close()
		f.setMode(modePoll)

		// Brief pause before re-promoting; the poll loop covers the gap.
		select {
		case <-time.After(f.cfg.HealthCheckInterval):
		case <-f.stopChan:
			return
		}
	}
}

func (f *PriceFeed) dial() (*websocket.Conn, error) {
	wsURL := fmt.Sprintf("%s/ws/%s@aggTrade", f.wsBase, strings.ToLower(f.symbol))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// readStream 为一个已建立的连接处理消息，并实现心跳机制。
func (f *PriceFeed) readStream(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-f.stopChan:
				return
			}
		}
	}()

	for {
		select {
		case <-f.stopChan:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read failed: %w", err)
			}

			var ev models.AggTradeEvent
			if err := json.Unmarshal(message, &ev); err != nil {
				f.logger.Warn("failed to parse price message", zap.Error(err))
				continue
			}
			price, err := strconv.ParseFloat(ev.Price, 64)
			if err != nil || price <= 0 {
				continue
			}

			f.markTick()
			f.emit(models.PriceTick{
				Symbol:    f.symbol,
				Price:     price,
				Bid:       price,
				Ask:       price,
				Timestamp: time.UnixMilli(ev.TradeTime),
				Source:    "ws",
			})
		}
	}
}

// pollLoop 是轮询后备，在推送中断或过期时补充价格。
func (f *PriceFeed) pollLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ticker.C:
			if f.currentMode() == modeWS && !f.stale() {
				continue
			}
			tick, err := f.ex.FetchTicker(f.symbol)
			if err != nil {
				f.logger.Warn("price poll failed", zap.Error(err))
				continue
			}
			f.markTick()
			f.emit(*tick)
		}
	}
}
