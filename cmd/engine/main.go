// Package main provides the entry point for the pump-and-dump detection and
// execution trading engine core: the Strategy Manager, Order Manager,
// Session Manager and Risk Manager wired together over a shared Event Bus,
// plus a /healthz and /metrics diagnostics surface.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/pumpcore/internal/diagnostics"
	"github.com/atlas-desktop/pumpcore/internal/eventbus"
	"github.com/atlas-desktop/pumpcore/internal/metrics"
	"github.com/atlas-desktop/pumpcore/internal/order"
	"github.com/atlas-desktop/pumpcore/internal/risk"
	"github.com/atlas-desktop/pumpcore/internal/session"
	"github.com/atlas-desktop/pumpcore/internal/strategy"
	"github.com/atlas-desktop/pumpcore/pkg/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "Path to the engine config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()

	logger.Info("starting pumpcore engine",
		zap.String("config", *configPath),
		zap.Bool("risk_enabled", cfg.Risk.Enabled),
		zap.Bool("diagnostics_enabled", cfg.Diagnostics.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()

	bus := eventbus.New(logger)

	store, err := strategy.NewFileStore(cfg.Persistence.DataDir)
	if err != nil {
		logger.Fatal("failed to initialize strategy store", zap.Error(err))
	}

	slippage := order.NewSlippageModel(rand.New(rand.NewSource(cfg.Order.SlippageSeed)))
	orderMgr := order.New(order.Config{DefaultMaxSlippagePct: cfg.Order.DefaultMaxSlippagePct}, logger, bus, slippage)

	var riskMgr *risk.Manager
	if cfg.Risk.Enabled {
		riskMgr = risk.New(risk.Config{
			InitialCapital:       decimal.NewFromFloat(cfg.Risk.InitialCapital),
			MaxPositionValue:     decimal.NewFromFloat(cfg.Risk.MaxPositionValue),
			MaxSymbolExposurePct: decimal.NewFromFloat(cfg.Risk.MaxSymbolExposurePct),
			MaxTotalExposurePct:  decimal.NewFromFloat(cfg.Risk.MaxTotalExposurePct),
			MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
			KillSwitchThreshold:  decimal.NewFromFloat(cfg.Risk.KillSwitchThreshold),
			CooldownPeriod:       time.Duration(cfg.Risk.CooldownPeriodMinutes) * time.Minute,
		}, logger, bus)
		riskMgr.Start(ctx)
		defer riskMgr.Shutdown(ctx)
	}

	strategyMgr := strategy.New(strategy.Config{
		MaxConcurrentSignals:     cfg.Strategy.MaxConcurrentSignals,
		MaxEvaluationsPerSecond:  cfg.Strategy.MaxEvaluationsPerSecond,
		DiagnosticPublishTimeout: cfg.Strategy.DiagnosticPublishTimeout,
	}, logger, bus, orderMgr, asRiskManager(riskMgr), store)

	if err := strategyMgr.Start(ctx); err != nil {
		logger.Fatal("failed to start strategy manager", zap.Error(err))
	}
	defer strategyMgr.Shutdown(ctx)

	loaded, err := store.LoadEnabled(ctx)
	if err != nil {
		logger.Fatal("failed to load persisted strategies", zap.Error(err))
	}
	for _, s := range loaded {
		strategyMgr.AddStrategy(s)
	}
	logger.Info("loaded strategies", zap.Int("count", len(loaded)))

	sessionMgr := session.New(session.Config{
		Limits: session.ResourceLimits{
			MaxSessionsPerClient: cfg.Session.MaxSessionsPerClient,
			MaxTotalSessions:     cfg.Session.MaxTotalSessions,
			MaxSymbolsPerSession: cfg.Session.MaxSymbolsPerSession,
		},
		Breaker: session.BreakerConfig{
			FailureThreshold: cfg.Session.FailureThreshold,
			Timeout:          cfg.Session.BreakerTimeout,
			SuccessThreshold: cfg.Session.SuccessThreshold,
		},
		RateLimit: session.RateLimitConfig{
			OpsPerSecond: cfg.Session.OpsPerSecond,
			OpsPerMinute: cfg.Session.OpsPerMinute,
			Burst:        cfg.Session.Burst,
			BurstWindow:  5 * time.Second,
		},
		HeartbeatPeriod: cfg.Session.HeartbeatPeriod,
		InactiveTimeout: cfg.Session.InactiveTimeout,
		ExpirySweep:     cfg.Session.ExpirySweep,
		SessionMaxAge:   cfg.Session.SessionMaxAge,
	}, logger, bus, session.NewPaperExecutor(logger))
	sessionMgr.Start(ctx)
	defer sessionMgr.Shutdown(ctx)

	reporter := engineHealth{strategyMgr: strategyMgr, sessionMgr: sessionMgr}

	var diagSrv *diagnostics.Server
	if cfg.Diagnostics.Enabled {
		diagSrv = diagnostics.New(diagnostics.Config{
			Host: cfg.Diagnostics.Host,
			Port: cfg.Diagnostics.Port,
		}, logger, reporter, metrics.Registry)

		go func() {
			if err := diagSrv.Start(); err != nil && err.Error() != "http: Server closed" {
				logger.Error("diagnostics server stopped", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping engine")
	cancel()

	if diagSrv != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		diagSrv.Stop(stopCtx)
		stopCancel()
	}
}

// asRiskManager returns a typed-nil-safe strategy.RiskManager: a nil *risk.
// Manager must become a truly nil interface, never a non-nil interface
// wrapping a nil pointer, so the Strategy Manager's "risk == nil" checks
// behave correctly when risk is disabled.
func asRiskManager(m *risk.Manager) strategy.RiskManager {
	if m == nil {
		return nil
	}
	return m
}

// engineHealth reports the engine's own liveness to the diagnostics server.
type engineHealth struct {
	strategyMgr *strategy.Manager
	sessionMgr  *session.Manager
}

func (h engineHealth) Healthy() bool {
	return h.strategyMgr != nil
}

func setupLogger(level, format string) *zap.Logger {
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

	encoding := "console"
	if format == "json" {
		encoding = "json"
	}

	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    encoding,
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

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
