package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const recvWindow = "5000" // how long a signed request stays valid, in ms

// LiveExchange 实现了 Exchange 接口，用于与真实的币安交易所进行交互。
// 所有请求经过限流器；签名请求使用HMAC-SHA256。
type LiveExchange struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

var (
	_ Exchange       = (*LiveExchange)(nil)
	_ BatchCreator   = (*LiveExchange)(nil)
	_ StreamProvider = (*LiveExchange)(nil)
	_ KlineProvider  = (*LiveExchange)(nil)
)

// NewLiveExchange creates a REST client for the configured endpoint.
func NewLiveExchange(cfg *config.Exchange, logger *zap.Logger) *LiveExchange {
	client := resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(15 * time.Second)
	return &LiveExchange{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (e *LiveExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// do executes one request after waiting for the rate limiter. Retry and
// circuit breaking live in the resilience layer, not here.
func (e *LiveExchange) do(method, path string, req *resty.Request) (*resty.Response, error) {
	if err := e.limiter.Wait(context.Background()); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		var apiErr models.APIError
		if jsonErr := json.Unmarshal(resp.Body(), &apiErr); jsonErr == nil && apiErr.Code != 0 {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("request %s %s failed with status %s: %s", method, path, resp.Status(), resp.String())
	}
	return resp, nil
}

// signedParams appends timestamp, recvWindow and signature.
func (e *LiveExchange) signedParams(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", e.sign(params.Encode()))
	return params
}

// FetchTicker returns the current book ticker as a poll-sourced tick.
func (e *LiveExchange) FetchTicker(symbol string) (*models.PriceTick, error) {
	var result struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	req := e.client.R().
		SetQueryParam("symbol", symbol).
		SetResult(&result)
	if _, err := e.do("GET", "/fapi/v1/ticker/bookTicker", req); err != nil {
		return nil, fmt.Errorf("failed to fetch ticker for %s: %w", symbol, err)
	}

	bid, _ := strconv.ParseFloat(result.BidPrice, 64)
	ask, _ := strconv.ParseFloat(result.AskPrice, 64)
	if bid == 0 && ask == 0 {
		return nil, fmt.Errorf("ticker for %s returned no quotes", symbol)
	}
	return &models.PriceTick{
		Symbol:    symbol,
		Price:     (bid + ask) / 2,
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.Now(),
		Source:    "poll",
	}, nil
}

// FetchOpenOrders returns all currently-open orders for the symbol.
func (e *LiveExchange) FetchOpenOrders(symbol string) ([]models.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var orders []models.ExchangeOrder
	req := e.client.R().
		SetHeader("X-MBX-APIKEY", e.apiKey).
		SetQueryParamsFromValues(e.signedParams(params)).
		SetResult(&orders)
	if _, err := e.do("GET", "/fapi/v1/openOrders", req); err != nil {
		return nil, fmt.Errorf("failed to fetch open orders for %s: %w", symbol, err)
	}
	return orders, nil
}

// FetchOrderHistory returns all orders for the symbol updated since the
// given time, terminal ones included.
func (e *LiveExchange) FetchOrderHistory(symbol string, since time.Time) ([]models.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	params.Set("limit", "1000")

	var orders []models.ExchangeOrder
	req := e.client.R().
		SetHeader("X-MBX-APIKEY", e.apiKey).
		SetQueryParamsFromValues(e.signedParams(params)).
		SetResult(&orders)
	if _, err := e.do("GET", "/fapi/v1/allOrders", req); err != nil {
		return nil, fmt.Errorf("failed to fetch order history for %s: %w", symbol, err)
	}
	return orders, nil
}

// CreateLimitOrder places a GTC limit order.
func (e *LiveExchange) CreateLimitOrder(r OrderRequest) (*models.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("symbol", r.Symbol)
	params.Set("side", string(r.Side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", strconv.FormatFloat(r.Amount, 'f', -1, 64))
	params.Set("price", strconv.FormatFloat(r.Price, 'f', -1, 64))
	if r.ClientID != "" {
		params.Set("newClientOrderId", r.ClientID)
	}

	var order models.ExchangeOrder
	req := e.client.R().
		SetHeader("X-MBX-APIKEY", e.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(e.signedParams(params).Encode()).
		SetResult(&order)
	if _, err := e.do("POST", "/fapi/v1/order", req); err != nil {
		return nil, fmt.Errorf("failed to create %s order %s %.8f@%.8f: %w",
			r.Symbol, r.Side, r.Amount, r.Price, err)
	}
	e.logger.Debug("order placed",
		zap.String("symbol", r.Symbol),
		zap.String("side", string(r.Side)),
		zap.Int64("order_id", order.OrderID),
		zap.Float64("price", r.Price),
	)
	return &order, nil
}

// CreateLimitOrders places up to five orders in one native batch call.
// Per-order failures are reported in the result slice, not as a call error.
func (e *LiveExchange) CreateLimitOrders(reqs []OrderRequest) ([]PlacementResult, error) {
	type batchEntry struct {
		Symbol           string `json:"symbol"`
		Side             string `json:"side"`
		Type             string `json:"type"`
		TimeInForce      string `json:"timeInForce"`
		Quantity         string `json:"quantity"`
		Price            string `json:"price"`
		NewClientOrderID string `json:"newClientOrderId,omitempty"`
	}

	entries := make([]batchEntry, 0, len(reqs))
	for _, r := range reqs {
		entries = append(entries, batchEntry{
			Symbol:           r.Symbol,
			Side:             string(r.Side),
			Type:             "LIMIT",
			TimeInForce:      "GTC",
			Quantity:         strconv.FormatFloat(r.Amount, 'f', -1, 64),
			Price:            strconv.FormatFloat(r.Price, 'f', -1, 64),
			NewClientOrderID: r.ClientID,
		})
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("batchOrders", string(payload))

	var raw []json.RawMessage
	req := e.client.R().
		SetHeader("X-MBX-APIKEY", e.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(e.signedParams(params).Encode()).
		SetResult(&raw)
	if _, err := e.do("POST", "/fapi/v1/batchOrders", req); err != nil {
		return nil, fmt.Errorf("batch order call failed: %w", err)
	}

	// The endpoint returns a mixed array: order objects for successes and
	// {code, msg} objects for per-order failures, positionally matching the
	// request.
	results := make([]PlacementResult, 0, len(reqs))
	for i, msg := range raw {
		res := PlacementResult{}
		if i < len(reqs) {
			res.Request = reqs[i]
		}
		var apiErr models.APIError
		if err := json.Unmarshal(msg, &apiErr); err == nil && apiErr.Code != 0 {
			res.Err = &apiErr
		} else {
			var order models.ExchangeOrder
			if err := json.Unmarshal(msg, &order); err != nil {
				res.Err = fmt.Errorf("unparseable batch entry: %w", err)
			} else {
				res.Order = &order
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// CancelOrder cancels one order by exchange id.
func (e *LiveExchange) CancelOrder(symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	req := e.client.R().
		SetHeader("X-MBX-APIKEY", e.apiKey).
		SetQueryParamsFromValues(e.signedParams(params))
	if _, err := e.do("DELETE", "/fapi/v1/order", req); err != nil {
		return fmt.Errorf("failed to cancel order %d on %s: %w", orderID, symbol, err)
	}
	return nil
}

// CreateListenKey opens a user-data stream session.
func (e *LiveExchange) CreateListenKey() (string, error) {
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	req := e.client.R().
		SetHeader("X-MBX-APIKEY", e.apiKey).
		SetResult(&result)
	if _, err := e.do("POST", "/fapi/v1/listenKey", req); err != nil {
		return "", fmt.Errorf("failed to create listen key: %w", err)
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey renews the stream session token.
func (e *LiveExchange) KeepAliveListenKey(string) error {
	req := e.client.R().SetHeader("X-MBX-APIKEY", e.apiKey)
	if _, err := e.do("PUT", "/fapi/v1/listenKey", req); err != nil {
		return fmt.Errorf("failed to keep listen key alive: %w", err)
	}
	return nil
}

// CloseListenKey closes the stream session.
func (e *LiveExchange) CloseListenKey(string) error {
	req := e.client.R().SetHeader("X-MBX-APIKEY", e.apiKey)
	if _, err := e.do("DELETE", "/fapi/v1/listenKey", req); err != nil {
		return fmt.Errorf("failed to close listen key: %w", err)
	}
	return nil
}

// FetchKlines returns recent candles for the symbol.
func (e *LiveExchange) FetchKlines(symbol, interval string, limit int) ([]models.Candle, error) {
	// Kline rows are heterogenous arrays: open time is a number, prices are
	// strings.
	var raw [][]interface{}
	req := e.client.R().
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw)
	if _, err := e.do("GET", "/fapi/v1/klines", req); err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}

	asFloat := func(v interface{}) float64 {
		switch t := v.(type) {
		case string:
			f, _ := strconv.ParseFloat(t, 64)
			return f
		case float64:
			return t
		default:
			return 0
		}
	}

	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		candles = append(candles, models.Candle{
			OpenTime: time.UnixMilli(int64(asFloat(k[0]))),
			Open:     asFloat(k[1]),
			High:     asFloat(k[2]),
			Low:      asFloat(k[3]),
			Close:    asFloat(k[4]),
			Volume:   asFloat(k[5]),
		})
	}
	return candles, nil
}
