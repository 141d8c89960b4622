// Cross-venue arbitrage executor — given a submitted task for a mispriced
// pair of complementary prediction-market positions on venue P (on-chain
// order book) and venue M (off-chain CLOB), places the primary leg, hedges the fill on
// the other venue, and unwinds on partial failure. Runs the Task Executor
// FSM and the FOLLOW/SCALP market-maker side by side off one shared risk
// manager and one shared task/position store.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts both subsystems, waits for SIGINT/SIGTERM
//	executor/manager.go     — Task Executor FSM: one goroutine per active arbitrage task
//	executor/fsm.go         — per-task status dispatch loop and error handling (hedge.go/unwind.go hold hedge/unwind logic)
//	executor/reconcile.go   — merges venue P chain fills and venue P REST polls into task state
//	mm/engine.go            — market-maker orchestrator: one goroutine per quoted market
//	mm/market.go            — FOLLOW/SCALP quoting loop, order reconciliation, self-healing
//	venuep/client.go        — REST client for venue P (on-chain order book)
//	chainwatcher/watcher.go — WebSocket feed of venue P fill events
//	venuem/client.go        — REST client for venue M (off-chain CLOB)
//	venuem/ws.go            — WebSocket feeds (market data + user fills/orders) for venue M
//	risk/manager.go         — enforces per-market/per-task exposure, daily loss, and kill-switch limits
//	store/store.go          — JSON file persistence for tasks and market-maker positions
//
// How it makes money:
//
//	The executor buys the cheaper leg of a complementary pair on venue P
//	and sells (or buys the complement of) the matching leg on venue M,
//	locking in the price discrepancy between venues. The market-maker
//	captures the bid-ask spread on the side markets it quotes, using the
//	same risk manager and store so exposure and capital are tracked
//	across both strategies at once.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"arbexec/internal/api"
	"arbexec/internal/chainwatcher"
	"arbexec/internal/config"
	"arbexec/internal/executor"
	"arbexec/internal/mm"
	"arbexec/internal/risk"
	"arbexec/internal/store"
	"arbexec/internal/venuem"
	"arbexec/internal/venuep"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARBEXEC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	riskMgr := risk.NewManager(cfg.Risk, logger)

	venuePClient := venuep.NewClient(*cfg, logger)
	watcher := chainwatcher.NewWatcher(cfg.VenueP.WSURL, logger)

	venueMAuth, err := venuem.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to derive venue M auth", "error", err)
		os.Exit(1)
	}
	venueMClient := venuem.NewClient(*cfg, venueMAuth, logger)

	exec := executor.New(cfg.Executor, venuePClient, venueMClient, watcher, st, riskMgr, logger, cfg.Dashboard.Enabled)

	mmEngine, err := mm.New(*cfg, riskMgr, st, logger)
	if err != nil {
		logger.Error("failed to create market-maker engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, mmEngine, exec, *cfg, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("chain watcher stopped", "error", err)
		}
	}()

	exec.Start(ctx)

	if err := mmEngine.Start(); err != nil {
		logger.Error("failed to start market-maker engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("arbitrage executor started",
		"markets_max", cfg.Risk.MaxMarketsActive,
		"mm_mode", cfg.MM.Mode,
		"max_exposure", cfg.Risk.MaxGlobalExposure,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	exec.Stop()
	mmEngine.Stop()
	cancel()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
