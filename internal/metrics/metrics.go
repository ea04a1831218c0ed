package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors exported by the daemon.
// All counters are labelled by bot so a multi-bot deployment can be
// broken down per symbol on the dashboard.
type Metrics struct {
	FillsTotal        *prometheus.CounterVec
	RepairsTotal      *prometheus.CounterVec
	RebalancesTotal   *prometheus.CounterVec
	OrdersPlaced      *prometheus.CounterVec
	OrdersCancelled   *prometheus.CounterVec
	PartialRecoveries *prometheus.CounterVec
	TrailingExits     *prometheus.CounterVec
	BreakerState      prometheus.Gauge
	LastPrice         *prometheus.GaugeVec
	ActiveOrders      *prometheus.GaugeVec
	FeedDegraded      prometheus.Gauge
}

func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FillsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Number of order fills processed, by bot and fill source.",
		}, []string{"bot", "source"}),
		RepairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_reconcile_repairs_total",
			Help: "Number of ledger repairs made by the reconciler, by bot and kind.",
		}, []string{"bot", "kind"}),
		RebalancesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_rebalances_total",
			Help: "Number of grid range rebalances, by bot and trigger.",
		}, []string{"bot", "trigger"}),
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_orders_placed_total",
			Help: "Number of limit orders successfully placed, by bot.",
		}, []string{"bot"}),
		OrdersCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_orders_cancelled_total",
			Help: "Number of orders cancelled, by bot.",
		}, []string{"bot"}),
		PartialRecoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_partial_recoveries_total",
			Help: "Number of stale partially filled orders recovered, by bot.",
		}, []string{"bot"}),
		TrailingExits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_trailing_exits_total",
			Help: "Number of trailing stop exits, by bot.",
		}, []string{"bot"}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
		LastPrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grid_last_price",
			Help: "Last observed market price, by symbol.",
		}, []string{"symbol"}),
		ActiveOrders: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grid_active_orders",
			Help: "Number of open orders tracked in the ledger, by bot.",
		}, []string{"bot"}),
		FeedDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_price_feed_degraded",
			Help: "1 when the price feed has permanently fallen back to REST polling.",
		}),
	}
}

// Handler returns the HTTP handler serving the /metrics endpoint for the
// given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
