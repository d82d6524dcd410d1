// Package main is the entry point for the window trading engine: a
// 15-minute binary-outcome trading engine that prices Black-Scholes
// probability against a live order book, sizes and routes entries,
// and runs a continuous position-safety sweep in either PAPER or LIVE
// mode. Wiring order mirrors the teacher's cmd/server bring-up
// (flags, logger, leaf components before their dependents, graceful
// shutdown on SIGINT/SIGTERM) adapted from the PhD backtesting stack
// to the twelve components this engine actually needs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/windowtrader/internal/api"
	"github.com/atlas-desktop/windowtrader/internal/breaker"
	"github.com/atlas-desktop/windowtrader/internal/clobclient"
	"github.com/atlas-desktop/windowtrader/internal/clobrest"
	"github.com/atlas-desktop/windowtrader/internal/composer"
	"github.com/atlas-desktop/windowtrader/internal/config"
	"github.com/atlas-desktop/windowtrader/internal/executionloop"
	"github.com/atlas-desktop/windowtrader/internal/exits"
	"github.com/atlas-desktop/windowtrader/internal/orchestrator"
	"github.com/atlas-desktop/windowtrader/internal/papertrader"
	"github.com/atlas-desktop/windowtrader/internal/persistence"
	"github.com/atlas-desktop/windowtrader/internal/positions"
	"github.com/atlas-desktop/windowtrader/internal/pricefeeds"
	"github.com/atlas-desktop/windowtrader/internal/probability"
	"github.com/atlas-desktop/windowtrader/internal/safeguards"
	"github.com/atlas-desktop/windowtrader/internal/scheduler"
	"github.com/atlas-desktop/windowtrader/internal/sizing"
	"github.com/atlas-desktop/windowtrader/internal/tickrecorder"
	"github.com/atlas-desktop/windowtrader/internal/verifier"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the launch manifest")
	strategyPath := flag.String("strategy", "configs/strategies/default.yaml", "Path to the strategy document")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load launch manifest", zap.Error(err))
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal("invalid launch manifest", zap.Error(err))
	}

	strategyDoc, err := config.LoadStrategyDocument(*strategyPath)
	if err != nil {
		logger.Fatal("failed to load strategy document", zap.Error(err))
	}

	logger.Info("starting window trading engine",
		zap.String("mode", string(cfg.Mode)),
		zap.Strings("symbols", cfg.Symbols),
		zap.String("strategy", strategyDoc.Name),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := persistence.NewMemoryStore()

	// --- Leaf components: no dependency on anything else wired below ---

	clobClientCfg := clobclient.DefaultConfig()
	clobClientCfg.URL = cfg.ClobWSURL
	clobClientCfg.ConnectionTimeout = time.Duration(cfg.ConnectionTimeoutMs) * time.Millisecond
	clobClientCfg.ReconnectInterval = time.Duration(cfg.ReconnectMs) * time.Millisecond
	clobClientCfg.MaxReconnectInterval = time.Duration(cfg.MaxReconnectMs) * time.Millisecond
	clobClientCfg.StaleThreshold = time.Duration(cfg.StaleThresholdMs) * time.Millisecond
	clobClientCfg.StaleWarningInterval = time.Duration(cfg.StaleWarningIntervalS) * time.Second
	clobClientCfg.MaxMessageSizeBytes = int64(cfg.MaxMessageSizeBytes)
	books := clobclient.New(clobClientCfg, logger)

	prices := pricefeeds.New(pricefeeds.Config{
		AggregatorBaseURL: cfg.AggregatorBaseURL,
		AggregatorAPIKey:  cfg.AggregatorAPIKey,
		ScanInterval:      time.Duration(cfg.ScanIntervalS) * time.Second,
		RequestsPerSecond: 2,
		HTTPTimeout:       5 * time.Second,
	}, pricefeeds.CoinIDs(cfg.CoinIDs), logger)

	recorder := tickrecorder.New(tickrecorder.DefaultConfig(), store, logger)

	restCfg := clobrest.DefaultConfig()
	restCfg.BaseURL = cfg.ClobRestBaseURL
	restCfg.APIKey = cfg.ClobRestAPIKey
	rest := clobrest.New(restCfg, logger)

	// --- Probability model: Black-Scholes fed by a realized-vol cache
	// over the settlement oracle's own price history ---

	volCache := probability.NewVolatilityCache(probability.VolatilityConfig{
		ShortTermLookback: time.Duration(cfg.ShortTermLookbackMs) * time.Millisecond,
		LongTermLookback:  time.Duration(cfg.LongTermLookbackMs) * time.Millisecond,
		FallbackSigma:     cfg.FallbackSigma,
		CacheExpiry:       time.Duration(cfg.VolCacheExpiryMs) * time.Millisecond,
		HighThreshold:     probability.DefaultVolatilityConfig().HighThreshold,
		LowThreshold:      probability.DefaultVolatilityConfig().LowThreshold,
	}, pricefeeds.HistoryAdapter{Service: prices}, logger)
	model := probability.NewModel(volCache, logger)

	calibrationLedger := probability.NewLedger(
		probability.DefaultCalibrationConfig(), store,
		probability.NewLogSink(logger), logger,
	)
	settlementObserver := probability.SettlementAdapter{Ledger: calibrationLedger}

	registry := composer.NewRegistry()
	if err := registry.Register(composer.NewBlackScholesComponent("1", model)); err != nil {
		logger.Fatal("failed to register black-scholes component", zap.Error(err))
	}

	comp := composer.New(registry, composer.DefaultEdgeConfig(), logger)
	if err := comp.CreateStrategy(config.ToStrategy(strategyDoc)); err != nil {
		logger.Fatal("failed to create strategy", zap.Error(err))
	}

	// --- Safety and capital controls ---

	breakerSvc := breaker.New(breaker.DefaultConfig(), logger)
	safeguardsSvc := safeguards.New(safeguards.DefaultConfig(), logger)
	positionTracker := positions.New(logger)
	exitEvaluator := exits.NewEvaluator(exits.DefaultConfig(), logger)

	var exchange verifier.ExchangeLister // never assigned, so nil in every mode: Verify is then a no-op
	verifierSvc := verifier.New(exchange, logger)

	sizer := executionloop.NewKellySizer(
		sizing.NewPositionSizer(logger, sizing.DefaultSizingConfig()),
		cfg.Manifest.MaxExposureDollars,
		decimal.NewFromFloat(0.5),
	)
	signalRecorder := executionloop.NewStoreSignalRecorder(store)

	// --- Execution loop: entry pipeline + continuous safety sweep ---

	execCfg := executionloop.DefaultConfig()
	execLoop := executionloop.New(execCfg, executionloop.Deps{
		Mode:         cfg.Mode,
		StrategyName: strategyDoc.Name,
		Breaker:      breakerSvc,
		Spot:         prices,
		Books:        books,
		Composer:     comp,
		Signals:      signalRecorder,
		Predictions:  calibrationLedger,
		Safeguards:   safeguardsSvc,
		Sizer:        sizer,
		Positions:    positionTracker,
		Verifier:     verifierSvc,
		Exits:        exitEvaluator,
	}, logger)

	thesisMonitor := exits.NewThesisMonitor(
		exits.DefaultConfig(), execLoop, positionTracker, execLoop.CloseForReason, logger,
	)

	// --- Paper trader: sweeps every registered strategy x dollar-size
	// variation at each signal offset, independent of the one live
	// strategy the execution loop drives ---

	paperSweeper := papertrader.New(papertrader.DefaultConfig(), comp, prices, books, store,
		[]papertrader.StrategySpec{{
			Name: strategyDoc.Name,
			Variations: []papertrader.Variation{
				{Label: "small", DollarSize: decimal.NewFromInt(100), MinEdge: decimal.NewFromFloat(0.10)},
				{Label: "large", DollarSize: decimal.NewFromInt(500), MinEdge: decimal.NewFromFloat(0.10)},
			},
		}}, logger)

	// --- Scheduler: per-window timer tree driving the entry pipeline
	// and settlement ---

	sched := scheduler.New(scheduler.Config{
		ScanInterval:       time.Duration(cfg.ScanIntervalS) * time.Second,
		SignalOffsetsSec:   cfg.SignalOffsetsSec,
		LatencyProbeBefore: time.Duration(cfg.LatencyProbeMs) * time.Millisecond,
		SettlementDelay:    time.Duration(cfg.SettlementDelayMs) * time.Millisecond,
		SettlementRetry:    scheduler.DefaultConfig().SettlementRetry,
	}, scheduler.Deps{
		Resolver: rest,
		Books:    books,
		Recorder: recorder,
		Prices:   prices,
		Signals:  fanoutEvaluator{execLoop, paperSweeper},
		Latency:  rest,
		Settler:  rest,
		Observer: fanoutObserver{settlementObserver, paperSweeper},
	}, logger)

	// --- Presentation surface ---

	metrics := api.NewMetrics()
	server := api.NewServer(logger, &cfg.Server, cfg.StateSnapshotPath, metrics)

	// --- Orchestrator: sequences startup/shutdown and runs the ambient
	// state-snapshot and watchdog loops ---

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Symbols = cfg.Symbols
	if cfg.PIDFilePath != "" {
		orchCfg.PIDFilePath = cfg.PIDFilePath
	}
	if cfg.StateSnapshotPath != "" {
		orchCfg.StateSnapshotPath = cfg.StateSnapshotPath
	}
	if cfg.InflightTimeoutMs > 0 {
		orchCfg.InflightTimeout = time.Duration(cfg.InflightTimeoutMs) * time.Millisecond
	}
	if cfg.ModuleShutdownMs > 0 {
		orchCfg.ModuleShutdown = time.Duration(cfg.ModuleShutdownMs) * time.Millisecond
	}

	orch := orchestrator.New(orchCfg, orchestrator.Components{
		PriceFeeds:    prices,
		BookClient:    books,
		TickRecorder:  recorder,
		Scheduler:     sched,
		ExecLoop:      execLoop,
		ThesisMonitor: thesisMonitor,
		Breaker:       breakerSvc,
		Positions:     positionTracker,
		Safeguards:    safeguardsSvc,
	}, cfg.Mode, logger)

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("failed to start trading engine", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("window trading engine started",
		zap.String("http", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	if err := orch.Stop(); err != nil {
		logger.Error("error during engine shutdown", zap.Error(err))
	}

	logger.Info("window trading engine stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
