// Perp Trader — an autonomous AI trading engine for perpetual futures.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go     — cycle loop: scan → portfolio → pre-gate → analyze → govern → execute
//	engine/pregate.go    — cheap pre-AI checks that skip or reroute a cycle before any LLM call
//	analyst/panel.go     — fans the market picture out to several AI analyst personas in parallel
//	analyst/judge.go     — deterministic referee: collapses the panel's opinions into one decision
//	risk/governor.go     — validation pipeline: confidence floor, leverage caps, stop width, sizing
//	risk/rules.go        — rule ladder that manages open positions without AI
//	exec/executor.go     — turns an approved decision into leverage + order + TP/SL calls
//	exec/reconciler.go   — syncs tracked trades with the exchange, back-fills realized PnL
//	exchange/client.go   — signed REST client for the futures exchange
//	exchange/ws.go       — WebSocket ticker feed with auto-reconnect
//	store/store.go       — SQLite persistence: trades, attribution, performance snapshots
//	api/server.go        — dashboard HTTP/WebSocket server
//
// How it trades:
//
//	Every cycle the engine snapshots markets and the account, then decides
//	the cheapest safe path. Most cycles end without an AI call: the
//	pre-gate skips when balance, drawdown, or trade budgets say no, and a
//	full position book is managed by deterministic rules. Only when there
//	is capacity does the analyst panel run, and everything it proposes
//	still has to clear the risk governor before an order goes out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-trader/internal/ai"
	"perp-trader/internal/analyst"
	"perp-trader/internal/api"
	"perp-trader/internal/config"
	"perp-trader/internal/engine"
	"perp-trader/internal/exchange"
	"perp-trader/internal/exec"
	"perp-trader/internal/market"
	"perp-trader/internal/portfolio"
	"perp-trader/internal/risk"
	"perp-trader/internal/store"
	"perp-trader/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PERP_CONFIG"); p != "" {
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

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open trade store", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}
	defer st.Close()

	universe := make([]types.Symbol, len(cfg.Universe))
	for i, s := range cfg.Universe {
		universe[i] = types.Symbol(s)
	}

	// Exchange access: signed REST client plus the optional live ticker feed.
	auth := exchange.NewAuth(cfg.Exchange)
	client := exchange.NewClient(*cfg, auth, logger)

	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()

	var live market.LiveTicks
	if cfg.Exchange.WSURL != "" {
		feed := exchange.NewTickerFeed(cfg.Exchange.WSURL, logger)
		if err := feed.Subscribe(universe); err != nil {
			logger.Error("ticker feed subscription failed", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := feed.Run(feedCtx); err != nil && feedCtx.Err() == nil {
				logger.Warn("ticker feed stopped", "error", err)
			}
		}()
		defer feed.Close()
		live = feed
	}

	specs := market.NewSpecCache(client, universe, cfg.Engine.SpecRefreshInterval, logger)
	fetcher := market.NewFetcher(client, live, logger)
	pfBuilder := portfolio.NewBuilder(client, st, logger)

	aiClient := ai.NewClient(cfg.AI, logger)
	panel := analyst.NewPanel(cfg.AI.Analysts, aiClient, logger)
	judge := analyst.NewJudge(cfg.Risk.MinConfidence, logger)

	churn := risk.NewAntiChurn(cfg.Engine.AntiChurnCooldown)
	governor := risk.NewGovernor(cfg.Risk, specs, risk.NewMonteCarlo(time.Now().UnixNano()), logger)

	tracker := exec.NewTracker()
	executor := exec.NewExecutor(client, specs, st, tracker, churn, cfg.DryRun, logger)
	reconciler := exec.NewReconciler(client, st, tracker, logger)

	emitter := engine.NewEmitter()
	eng := engine.New(*cfg, engine.Deps{
		Specs:      specs,
		Markets:    fetcher,
		Portfolio:  pfBuilder,
		Panel:      panel,
		Judge:      judge,
		Churn:      churn,
		Governor:   governor,
		Executor:   executor,
		Reconciler: reconciler,
		Perf:       st,
	}, emitter, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(*cfg, api.Sources{
			Status:    eng,
			Portfolio: pfBuilder,
			Trades:    tracker,
			Stats:     st,
		}, emitter, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("perp trader started",
		"universe", cfg.Universe,
		"analysts", len(cfg.AI.Analysts),
		"cycle_interval", cfg.Engine.CycleInterval,
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
	eng.Stop()
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
