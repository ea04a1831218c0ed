package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"binance-grid-trader-go/internal/models"

	"github.com/jxskiss/base62"
)

// OrderRequest describes a limit order to place.
type OrderRequest struct {
	Symbol   string
	Side     models.Side
	Amount   float64
	Price    float64
	ClientID string
}

// PlacementResult is the per-order outcome of a placement, used by the
// batching layer where one failure must not abort the rest.
type PlacementResult struct {
	Request OrderRequest
	Order   *models.ExchangeOrder
	Err     error
}

// Exchange 定义了交易核心依赖的交易所窄接口。
// 策略、对账和批量执行只依赖这个契约，而不依赖任何具体SDK。
type Exchange interface {
	FetchTicker(symbol string) (*models.PriceTick, error)
	FetchOpenOrders(symbol string) ([]models.ExchangeOrder, error)
	FetchOrderHistory(symbol string, since time.Time) ([]models.ExchangeOrder, error)
	CreateLimitOrder(req OrderRequest) (*models.ExchangeOrder, error)
	CancelOrder(symbol string, orderID int64) error
}

// BatchCreator is implemented by exchanges with a native multi-order call.
// The batching layer prefers it and falls back to sequential placement when
// the exchange does not support it or the call fails.
type BatchCreator interface {
	CreateLimitOrders(reqs []OrderRequest) ([]PlacementResult, error)
}

// StreamProvider is the user-data stream session surface consumed by the
// ingress layer.
type StreamProvider interface {
	CreateListenKey() (string, error)
	KeepAliveListenKey(key string) error
	CloseListenKey(key string) error
}

// KlineProvider supplies historical candles for the ATR calculator.
type KlineProvider interface {
	FetchKlines(symbol, interval string, limit int) ([]models.Candle, error)
}

// NewClientOrderID 生成一个带前缀的客户端订单ID。
// 随机部分用base62编码，保持ID短且符合交易所的字符集要求。
func NewClientOrderID(prefix string) string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		binary.BigEndian.PutUint64(buf[:], uint64(time.Now().UnixNano()))
	}
	return prefix + "-" + string(base62.Encode(buf[:]))
}
