package reporter

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"

	"binance-grid-trader-go/internal/ledger"
	"binance-grid-trader-go/internal/models"
	"binance-grid-trader-go/internal/resilience"
)

// BotStatus is one row of the periodic status report.
type BotStatus struct {
	Name         string
	Symbol       string
	Status       string
	LowerBound   float64
	UpperBound   float64
	LastPrice    float64
	ActiveOrders int
	FillsToday   int
	Rebalances   int
}

// StatusSource lets the reporter pull live per-bot numbers without reaching
// into the strategy machines.
type StatusSource interface {
	Status() BotStatus
}

// Reporter prints a periodic status table for all running bots.
// 定期把所有机器人的运行状态打印成表格，方便在终端里一眼看清全局。
type Reporter struct {
	interval time.Duration
	ledger   *ledger.Ledger
	breaker  *resilience.Breaker
	sources  []StatusSource
	logger   *zap.SugaredLogger
}

func New(interval time.Duration, lg *ledger.Ledger, breaker *resilience.Breaker, logger *zap.SugaredLogger) *Reporter {
	return &Reporter{interval: interval, ledger: lg, breaker: breaker, logger: logger}
}

func (r *Reporter) Register(src StatusSource) {
	r.sources = append(r.sources, src)
}

// Run prints the status table on every interval until the context is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Print()
		}
	}
}

// Print renders the current status of every registered bot to stdout.
func (r *Reporter) Print() {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Grid Trader Status  %s  (breaker: %s)",
		time.Now().Format("2006-01-02 15:04:05"), r.breaker.State()))
	t.AppendHeader(table.Row{"Bot", "Symbol", "Status", "Range", "Last Price", "Open Orders", "Fills (24h)", "Rebalances"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Range", Align: text.AlignRight},
		{Name: "Last Price", Align: text.AlignRight},
		{Name: "Open Orders", Align: text.AlignRight},
		{Name: "Fills (24h)", Align: text.AlignRight},
		{Name: "Rebalances", Align: text.AlignRight},
	})

	for _, src := range r.sources {
		s := src.Status()
		fills := s.FillsToday
		if r.ledger != nil {
			trades, err := r.ledger.TradesSince(s.Name, time.Now().Add(-24*time.Hour))
			if err != nil {
				r.logger.Warnf("status report: failed to count trades for %s: %v", s.Name, err)
			} else {
				fills = countFills(trades)
			}
		}
		t.AppendRow(table.Row{
			s.Name,
			s.Symbol,
			s.Status,
			fmt.Sprintf("%.4f - %.4f", s.LowerBound, s.UpperBound),
			fmt.Sprintf("%.4f", s.LastPrice),
			s.ActiveOrders,
			fills,
			s.Rebalances,
		})
	}
	t.Render()
}

func countFills(trades []models.Trade) int {
	n := 0
	for _, tr := range trades {
		switch tr.Type {
		case models.TradeWSFill, models.TradePriceFill, models.TradeSyncFill:
			n++
		}
	}
	return n
}
