package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"binance-grid-trader-go/internal/batch"
	"binance-grid-trader-go/internal/bot"
	"binance-grid-trader-go/internal/config"
	"binance-grid-trader-go/internal/downloader"
	"binance-grid-trader-go/internal/exchange"
	"binance-grid-trader-go/internal/ingress"
	"binance-grid-trader-go/internal/ledger"
	"binance-grid-trader-go/internal/logger"
	"binance-grid-trader-go/internal/metrics"
	"binance-grid-trader-go/internal/models"
	"binance-grid-trader-go/internal/persistence"
	"binance-grid-trader-go/internal/reconciler"
	"binance-grid-trader-go/internal/reporter"
	"binance-grid-trader-go/internal/resilience"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yml")
	flag.Parse()

	// 为了在加载.env或配置时就能记录日志，先用默认配置初始化logger
	logger.InitLogger(config.Log{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, botSpecs, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if len(botSpecs) == 0 {
		logger.S().Fatal("配置中没有定义任何bot")
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.Log)
	defer logger.S().Sync()

	// API密钥只从环境变量读取
	cfg.Exchange.ApiKey = os.Getenv("BINANCE_API_KEY")
	cfg.Exchange.SecretKey = os.Getenv("BINANCE_SECRET_KEY")
	if cfg.Exchange.ApiKey == "" || cfg.Exchange.SecretKey == "" {
		logger.S().Fatal("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- 订单账本 (sqlite via gorm) ---
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		logger.S().Fatalf("无法打开账本数据库: %v", err)
	}
	led, err := ledger.New(db, logger.L())
	if err != nil {
		logger.S().Fatalf("初始化账本失败: %v", err)
	}

	// --- 运行时状态 (badger) ---
	repo, err := persistence.NewBadgerRepository(filepath.Join(cfg.Database.StateDir, "runtime"))
	if err != nil {
		logger.S().Fatalf("初始化状态存储失败: %v", err)
	}
	defer repo.Close()

	// --- 指标 ---
	registry := prometheus.NewRegistry()
	mtr := metrics.New(registry)

	// --- 弹性层: 熔断器 + 重试 ---
	breaker := resilience.NewBreaker(cfg.Resilience.FailureThreshold, cfg.Resilience.ResetTimeout, cfg.Resilience.HalfOpenMaxCalls)
	breaker.OnStateChange = func(from, to resilience.BreakerState) {
		logger.S().Warnf("circuit breaker %s -> %s", from, to)
		mtr.BreakerState.Set(float64(to))
	}
	errLog := resilience.NewErrorLogger(logger.L(), resilience.NopNotifier{})
	policy := resilience.Policy{
		MaxAttempts:  cfg.Resilience.MaxAttempts,
		InitialDelay: cfg.Resilience.InitialDelay,
		MaxDelay:     cfg.Resilience.MaxDelay,
		Multiplier:   cfg.Resilience.Multiplier,
	}
	session := resilience.NewSession(policy, breaker, errLog, logger.L())

	// --- 交易所 ---
	live := exchange.NewLiveExchange(&cfg.Exchange, logger.L())
	// K线走官方SDK的公共接口，为ATR提供历史样本
	klines := downloader.NewKlineDownloader()
	executor := batch.NewExecutor(batch.Config{
		MaxBatchSize:   cfg.Batch.MaxBatchSize,
		BatchDelay:     cfg.Batch.BatchDelay,
		MinCallSpacing: cfg.Batch.MinCallSpacing,
	}, live, session, logger.S())

	// --- 对账器 ---
	rec := reconciler.New(cfg.Reconcile, led, live, session, logger.L())
	rec.OnRepair = func(botName string, repairs int) {
		mtr.RepairsTotal.WithLabelValues(botName, "pass").Add(float64(repairs))
	}

	// --- 用户数据流，按symbol扇出给各个bot ---
	userStream := ingress.NewUserStream(cfg.Ingress, cfg.Exchange.WSBaseURL, live, logger.L())
	userStream.OnDegraded = func() { mtr.FeedDegraded.Set(1) }
	userStream.Start()
	defer userStream.Stop()

	botEvents := make([]chan models.OrderEvent, len(botSpecs))
	for i := range botSpecs {
		botEvents[i] = make(chan models.OrderEvent, 128)
	}
	go func() {
		for ev := range userStream.Events() {
			for i, spec := range botSpecs {
				if spec.Symbol != ev.Symbol {
					continue
				}
				select {
				case botEvents[i] <- ev:
				default:
					logger.S().Warnf("order event channel full for %s, dropping event", spec.Name)
				}
			}
		}
	}()

	// --- 启动每个bot及其行情源 ---
	rep := reporter.New(cfg.Report.Interval, led, breaker, logger.S())
	bots := make([]*bot.GridBot, 0, len(botSpecs))
	feeds := make([]*ingress.PriceFeed, 0, len(botSpecs))
	for i, spec := range botSpecs {
		feed := ingress.NewPriceFeed(cfg.Ingress, cfg.Exchange.WSBaseURL, spec.Symbol, live, logger.L())
		feed.OnDegraded = func() { mtr.FeedDegraded.Set(1) }
		feed.Start()
		feeds = append(feeds, feed)

		gb, err := bot.New(spec, cfg, bot.Deps{
			Ledger:   led,
			Exchange: live,
			Executor: executor,
			Session:  session,
			Repo:     repo,
			Klines:   klines,
			Notifier: rec,
			Metrics:  mtr,
			Logger:   logger.L(),
		}, feed.Ticks(), botEvents[i])
		if err != nil {
			logger.S().Fatalf("初始化bot %s 失败: %v", spec.Name, err)
		}
		rec.Register(spec.Name, spec.Symbol)
		rep.Register(gb)
		bots = append(bots, gb)
	}

	// 启动前先对账一次，把重启期间漏掉的成交补回来
	rec.ReconcileAll(ctx)
	go rec.Run(ctx)

	for _, gb := range bots {
		gb.Start(ctx)
	}
	go rep.Run(ctx)

	// --- 指标端点 ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
			logger.S().Errorf("metrics server stopped: %v", err)
		}
	}()

	logger.S().Infof("grid trader started, %d bot(s) running", len(bots))

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.S().Info("shutting down...")
	cancel()
	for _, feed := range feeds {
		feed.Stop()
	}
	for _, gb := range bots {
		gb.Stop()
	}
	logger.S().Info("机器人已成功停止，状态已保存。")
}
