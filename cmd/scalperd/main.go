// Package main is the entry point for the scalping engine daemon: it wires
// the Data Oracle, WebSocket Stream Manager, Strategy Core, Entry Engine,
// Position Manager, and Risk Governor together under a Supervisor and runs
// until asked to stop. Grounded on the teacher's cmd/server/main.go
// composition root (flag parsing, setupLogger, ordered startup/shutdown
// logging, signal-driven graceful stop).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/solstice-trading/scalper-engine/internal/api"
	"github.com/solstice-trading/scalper-engine/internal/brain"
	"github.com/solstice-trading/scalper-engine/internal/config"
	"github.com/solstice-trading/scalper-engine/internal/data"
	"github.com/solstice-trading/scalper-engine/internal/entry"
	"github.com/solstice-trading/scalper-engine/internal/exchange"
	"github.com/solstice-trading/scalper-engine/internal/exchange/binance"
	"github.com/solstice-trading/scalper-engine/internal/exchange/paper"
	"github.com/solstice-trading/scalper-engine/internal/metrics"
	"github.com/solstice-trading/scalper-engine/internal/orderflow"
	"github.com/solstice-trading/scalper-engine/internal/persistence"
	"github.com/solstice-trading/scalper-engine/internal/position"
	"github.com/solstice-trading/scalper-engine/internal/risk"
	"github.com/solstice-trading/scalper-engine/internal/strategy"
	"github.com/solstice-trading/scalper-engine/internal/supervisor"
	"github.com/solstice-trading/scalper-engine/internal/wsstream"
)

func main() {
	profile := flag.String("profile", "production", "Config profile (production, paper, micro)")
	configFile := flag.String("config", "", "Path to a config file (optional, overlays defaults)")
	apiHost := flag.String("host", "0.0.0.0", "API server host")
	apiPort := flag.Int("port", 8090, "API server port")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(config.Profile(*profile), *configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting scalper engine",
		zap.String("profile", string(cfg.Profile)),
		zap.Bool("paperTrading", cfg.PaperTrading),
		zap.Strings("symbols", cfg.Symbols),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := persistence.NewStore(cfg.BrainPath, logger)
	state, err := store.Load()
	if err != nil {
		logger.Warn("no prior brain snapshot loaded, starting fresh", zap.Error(err))
		state = brain.New()
	}
	state.SetLogger(logger.Named("brain"))
	actor := brain.NewActor(state)

	// Market data always comes from the real exchange's public endpoints,
	// even in paper mode — only order submission is simulated.
	client := binance.New(getEnvOrDefault("BINANCE_API_KEY", ""), getEnvOrDefault("BINANCE_SECRET_KEY", ""))
	if err := client.LoadMarkets(ctx); err != nil {
		logger.Fatal("failed to load exchange markets", zap.Error(err))
	}

	oracle := data.NewOracle(cfg, client, logger, nil, func(sym string) bool {
		var inPos bool
		_ = actor.Do(ctx, func(s *brain.State) {
			_, inPos = s.Positions[sym]
		})
		return inPos
	})

	var adapter exchange.Adapter
	if cfg.PaperTrading {
		adapter = paper.New(oracle, decimal.NewFromInt(10_000), decimal.NewFromFloat(0.0005))
	} else {
		adapter = client
	}

	var stream *wsstream.Manager
	if !cfg.PaperTrading {
		stream = wsstream.NewManager(cfg, oracle, logger, "wss://fstream.binance.com/ws")
	}

	flow := orderflow.NewAnalyzer(cfg)
	evaluator := strategy.NewEvaluator(cfg, strategy.NopPredictor{})

	var locker risk.Locker
	if cfg.DistributedLockEnabled {
		if cfg.DistributedLockType == "redis" {
			locker, err = risk.NewRedisLocker(cfg.RedisURL, risk.InstanceID("scalperd"), time.Duration(cfg.LockTimeoutSec*float64(time.Second)), logger)
		} else {
			locker, err = risk.NewFileLocker(cfg.DistributedLockPath, risk.InstanceID("scalperd"), time.Duration(cfg.StaleLockSec*float64(time.Second)), logger)
		}
		if err != nil {
			logger.Fatal("failed to initialize distributed lock", zap.Error(err))
		}
	}

	governor := risk.NewGovernor(cfg, logger, locker)
	reg, promReg := metrics.NewRegistry()
	governor.SetMetrics(reg)

	entryEngine := entry.New(cfg, logger, oracle, flow, evaluator, governor, actor, adapter, reg)
	posManager := position.New(cfg, logger, oracle, actor, adapter, reg)

	apiServer := api.NewServer(logger, cfg, actor, governor)

	sup := supervisor.New(cfg, logger, oracle, stream, entryEngine, posManager, governor, actor, store, reg, apiServer)
	sup.Start(ctx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(promReg))
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := apiServer.Start(*apiHost, *apiPort); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error("supervisor shutdown error", zap.Error(err))
	}
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", zap.Error(err))
	}

	logger.Info("scalper engine stopped")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
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
