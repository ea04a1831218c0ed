package exchange

import (
	"fmt"
	"sync"
	"time"

	"binance-grid-trader-go/internal/models"
)

// SimExchange is a deterministic in-memory Exchange used by tests. Resting
// limit orders are tracked in an order book; fills and cancels are driven
// explicitly through MarkFilled / MarkCancelled rather than by a price
// simulation. Failures can be scripted per call name.
type SimExchange struct {
	mu sync.Mutex

	nextOrderID int64
	price       map[string]float64
	open        map[string]map[int64]models.ExchangeOrder // symbol -> orderID -> order
	history     map[string][]models.ExchangeOrder
	klines      map[string][]models.Candle

	// FailNext maps a call name ("create", "cancel", "openOrders",
	// "history", "ticker") to a count of upcoming calls that should fail.
	FailNext map[string]int
	// FailWith is the error returned for scripted failures.
	FailWith error

	// CallCounts records how many times each call name was invoked.
	CallCounts map[string]int
}

var (
	_ Exchange      = (*SimExchange)(nil)
	_ KlineProvider = (*SimExchange)(nil)
)

// NewSimExchange creates an empty simulated exchange.
func NewSimExchange() *SimExchange {
	return &SimExchange{
		nextOrderID: 1000,
		price:       make(map[string]float64),
		open:        make(map[string]map[int64]models.ExchangeOrder),
		history:     make(map[string][]models.ExchangeOrder),
		klines:      make(map[string][]models.Candle),
		FailNext:    make(map[string]int),
		CallCounts:  make(map[string]int),
	}
}

func (s *SimExchange) scripted(call string) error {
	s.CallCounts[call]++
	if n := s.FailNext[call]; n > 0 {
		s.FailNext[call] = n - 1
		if s.FailWith != nil {
			return s.FailWith
		}
		return fmt.Errorf("simulated %s failure", call)
	}
	return nil
}

// SetPrice sets the current price for a symbol.
func (s *SimExchange) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price[symbol] = price
}

// SetKlines seeds candle history for a symbol.
func (s *SimExchange) SetKlines(symbol string, candles []models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.klines[symbol] = candles
}

func (s *SimExchange) FetchTicker(symbol string) (*models.PriceTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scripted("ticker"); err != nil {
		return nil, err
	}
	p, ok := s.price[symbol]
	if !ok {
		return nil, fmt.Errorf("no price set for %s", symbol)
	}
	return &models.PriceTick{
		Symbol: symbol, Price: p, Bid: p, Ask: p,
		Timestamp: time.Now(), Source: "poll",
	}, nil
}

func (s *SimExchange) FetchOpenOrders(symbol string) ([]models.ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scripted("openOrders"); err != nil {
		return nil, err
	}
	orders := make([]models.ExchangeOrder, 0, len(s.open[symbol]))
	for _, o := range s.open[symbol] {
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *SimExchange) FetchOrderHistory(symbol string, since time.Time) ([]models.ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scripted("history"); err != nil {
		return nil, err
	}
	var out []models.ExchangeOrder
	for _, o := range s.history[symbol] {
		if since.IsZero() || o.UpdateTime >= since.UnixMilli() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *SimExchange) CreateLimitOrder(r OrderRequest) (*models.ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scripted("create"); err != nil {
		return nil, err
	}

	s.nextOrderID++
	order := models.ExchangeOrder{
		Symbol:     r.Symbol,
		OrderID:    s.nextOrderID,
		ClientID:   r.ClientID,
		Price:      fmt.Sprintf("%.8f", r.Price),
		OrigQty:    fmt.Sprintf("%.8f", r.Amount),
		Status:     "NEW",
		Type:       "LIMIT",
		Side:       string(r.Side),
		Time:       time.Now().UnixMilli(),
		UpdateTime: time.Now().UnixMilli(),
	}
	if s.open[r.Symbol] == nil {
		s.open[r.Symbol] = make(map[int64]models.ExchangeOrder)
	}
	s.open[r.Symbol][order.OrderID] = order
	s.history[r.Symbol] = append(s.history[r.Symbol], order)
	return &order, nil
}

func (s *SimExchange) CancelOrder(symbol string, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scripted("cancel"); err != nil {
		return err
	}
	o, ok := s.open[symbol][orderID]
	if !ok {
		return &models.APIError{Code: -2011, Msg: "Unknown order sent."}
	}
	delete(s.open[symbol], orderID)
	o.Status = "CANCELED"
	o.UpdateTime = time.Now().UnixMilli()
	s.replaceHistory(symbol, o)
	return nil
}

func (s *SimExchange) FetchKlines(symbol, interval string, limit int) ([]models.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scripted("klines"); err != nil {
		return nil, err
	}
	candles := s.klines[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// MarkFilled moves an open order to FILLED state at the given price, as the
// matching engine would. Returns the filled order.
func (s *SimExchange) MarkFilled(symbol string, orderID int64, fillPrice float64) (*models.ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.open[symbol][orderID]
	if !ok {
		return nil, fmt.Errorf("order %d not open on %s", orderID, symbol)
	}
	delete(s.open[symbol], orderID)
	o.Status = "FILLED"
	o.ExecutedQty = o.OrigQty
	o.Price = fmt.Sprintf("%.8f", fillPrice)
	o.UpdateTime = time.Now().UnixMilli()
	s.replaceHistory(symbol, o)
	return &o, nil
}

// MarkCancelled removes an open order out-of-band, as a manual cancel on the
// exchange UI would.
func (s *SimExchange) MarkCancelled(symbol string, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.open[symbol][orderID]
	if !ok {
		return fmt.Errorf("order %d not open on %s", orderID, symbol)
	}
	delete(s.open[symbol], orderID)
	o.Status = "CANCELED"
	o.UpdateTime = time.Now().UnixMilli()
	s.replaceHistory(symbol, o)
	return nil
}

// MarkPartiallyFilled records execution of part of an open order while
// leaving it on the book.
func (s *SimExchange) MarkPartiallyFilled(symbol string, orderID int64, filledQty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.open[symbol][orderID]
	if !ok {
		return fmt.Errorf("order %d not open on %s", orderID, symbol)
	}
	o.Status = "PARTIALLY_FILLED"
	o.ExecutedQty = fmt.Sprintf("%.8f", filledQty)
	o.UpdateTime = time.Now().UnixMilli()
	s.open[symbol][orderID] = o
	s.replaceHistory(symbol, o)
	return nil
}

// InjectOpenOrder places an order directly on the book without going through
// CreateLimitOrder, simulating orders placed outside this process.
func (s *SimExchange) InjectOpenOrder(o models.ExchangeOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open[o.Symbol] == nil {
		s.open[o.Symbol] = make(map[int64]models.ExchangeOrder)
	}
	if o.OrderID > s.nextOrderID {
		s.nextOrderID = o.OrderID
	}
	s.open[o.Symbol][o.OrderID] = o
	s.history[o.Symbol] = append(s.history[o.Symbol], o)
}

// OpenOrderCount returns the number of resting orders for the symbol.
func (s *SimExchange) OpenOrderCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open[symbol])
}

func (s *SimExchange) replaceHistory(symbol string, updated models.ExchangeOrder) {
	for i, h := range s.history[symbol] {
		if h.OrderID == updated.OrderID {
			s.history[symbol][i] = updated
			return
		}
	}
	s.history[symbol] = append(s.history[symbol], updated)
}
