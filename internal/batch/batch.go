package batch

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/models"
	"binance-grid-trader-go/internal/resilience"
)

// Config controls how order placements and cancellations are chunked and
// paced against the exchange API.
type Config struct {
	MaxBatchSize   int
	BatchDelay     time.Duration
	MinCallSpacing time.Duration
}

// Executor submits groups of orders through the exchange, preferring the
// native multi-order endpoint when the client supports it and degrading to
// paced sequential calls otherwise. Individual failures never abort the
// rest of the group.
type Executor struct {
	cfg     Config
	ex      exchange.Exchange
	session *resilience.Session
	logger  *zap.SugaredLogger
}

func NewExecutor(cfg Config, ex exchange.Exchange, session *resilience.Session, logger *zap.SugaredLogger) *Executor {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 5
	}
	return &Executor{cfg: cfg, ex: ex, session: session, logger: logger}
}

// PlaceOrders submits the given requests and returns one result per request,
// in the order they will be sent. Buys are placed highest price first and
// sells lowest first, interleaved, so that the orders nearest the market are
// live soonest.
func (e *Executor) PlaceOrders(ctx context.Context, reqs []exchange.OrderRequest) []exchange.PlacementResult {
	ordered := sortForPlacement(reqs)
	results := make([]exchange.PlacementResult, 0, len(ordered))

	creator, hasNative := e.ex.(exchange.BatchCreator)

	for i := 0; i < len(ordered); i += e.cfg.MaxBatchSize {
		end := i + e.cfg.MaxBatchSize
		if end > len(ordered) {
			end = len(ordered)
		}
		chunk := ordered[i:end]

		if i > 0 && e.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				for _, r := range chunk {
					results = append(results, exchange.PlacementResult{Request: r, Err: ctx.Err()})
				}
				continue
			case <-time.After(e.cfg.BatchDelay):
			}
		}

		if hasNative && len(chunk) > 1 {
			batchRes, err := e.placeNative(ctx, creator, chunk)
			if err == nil {
				results = append(results, batchRes...)
				continue
			}
			e.logger.Warnf("batch endpoint failed, falling back to sequential placement: %v", err)
		}
		results = append(results, e.placeSequential(ctx, chunk)...)
	}
	return results
}

func (e *Executor) placeNative(ctx context.Context, creator exchange.BatchCreator, chunk []exchange.OrderRequest) ([]exchange.PlacementResult, error) {
	var res []exchange.PlacementResult
	err := e.session.Call(ctx, "batch_create_orders", func() error {
		var callErr error
		res, callErr = creator.CreateLimitOrders(chunk)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Executor) placeSequential(ctx context.Context, chunk []exchange.OrderRequest) []exchange.PlacementResult {
	results := make([]exchange.PlacementResult, 0, len(chunk))
	for idx, req := range chunk {
		if idx > 0 && e.cfg.MinCallSpacing > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.MinCallSpacing):
			}
		}
		if ctx.Err() != nil {
			results = append(results, exchange.PlacementResult{Request: req, Err: ctx.Err()})
			continue
		}

		var order *models.ExchangeOrder
		err := e.session.Call(ctx, "create_limit_order", func() error {
			var callErr error
			order, callErr = e.ex.CreateLimitOrder(req)
			return callErr
		})
		if err != nil {
			// 单笔失败不影响同批次的其他订单
			e.logger.Warnf("failed to place %s %s @ %.8f: %v", req.Side, req.Symbol, req.Price, err)
			results = append(results, exchange.PlacementResult{Request: req, Err: err})
			continue
		}
		results = append(results, exchange.PlacementResult{Request: req, Order: order})
	}
	return results
}

// CancelOrders cancels the given order IDs with the same chunking and pacing
// rules as placement. It returns the IDs that could not be cancelled mapped
// to their errors.
func (e *Executor) CancelOrders(ctx context.Context, symbol string, orderIDs []int64) map[int64]error {
	failed := make(map[int64]error)
	for i, id := range orderIDs {
		if i > 0 && e.cfg.MinCallSpacing > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.MinCallSpacing):
			}
		}
		if i > 0 && i%e.cfg.MaxBatchSize == 0 && e.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.BatchDelay):
			}
		}
		if ctx.Err() != nil {
			failed[id] = ctx.Err()
			continue
		}

		orderID := id
		err := e.session.Call(ctx, "cancel_order", func() error {
			return e.ex.CancelOrder(symbol, orderID)
		})
		if err != nil {
			e.logger.Warnf("failed to cancel order %d on %s: %v", orderID, symbol, err)
			failed[orderID] = err
		}
	}
	return failed
}

// sortForPlacement orders buys highest first and sells lowest first, then
// interleaves the two sides buy, sell, buy, sell.
func sortForPlacement(reqs []exchange.OrderRequest) []exchange.OrderRequest {
	buys := make([]exchange.OrderRequest, 0, len(reqs))
	sells := make([]exchange.OrderRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.Side == models.Buy {
			buys = append(buys, r)
		} else {
			sells = append(sells, r)
		}
	}
	sort.Slice(buys, func(i, j int) bool { return buys[i].Price > buys[j].Price })
	sort.Slice(sells, func(i, j int) bool { return sells[i].Price < sells[j].Price })

	out := make([]exchange.OrderRequest, 0, len(reqs))
	for len(buys) > 0 || len(sells) > 0 {
		if len(buys) > 0 {
			out = append(out, buys[0])
			buys = buys[1:]
		}
		if len(sells) > 0 {
			out = append(out, sells[0])
			sells = sells[1:]
		}
	}
	return out
}
