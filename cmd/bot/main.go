// maker-bot — an automated market-making bot quoting two-sided limit
// orders on a crypto exchange.
//
// Architecture:
//
//	main.go              — entry point: subcommands, config, signals
//	engine/              — composition root, per-symbol tick scheduler
//	strategy/            — tick pipeline: spread, inventory skew, queue-aware quoting
//	orders/              — amend-first order lifecycle writer + store/exchange reconciler
//	market/              — order-book cache with freshness modes, symbol filter cache
//	exchange/            — REST client (circuit gate, rate limits, idempotent retry),
//	                       WebSocket feeds with auto-reconnect
//	risk/                — signal aggregation and the OK/SOFT/HARD guard ladder
//	store/               — durable JSONL order store with snapshots and recovery
//	api/                 — /healthz, /metrics, /api/v1/status
//
// Subcommands:
//
//	run           — trade (the default)
//	paper         — run with order mutations faked, regardless of config
//	recover       — load durable state, reconcile once against the venue, exit
//	snapshot-now  — force one durable snapshot and exit
//
// Exit codes: 0 clean shutdown, 1 runtime failure, 2 bad usage or config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"maker-bot/internal/api"
	"maker-bot/internal/config"
	"maker-bot/internal/engine"
	"maker-bot/internal/metrics"
	"maker-bot/internal/secrets"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("maker-bot", flag.ContinueOnError)
	cfgPath := fs.String("config", "configs/config.yaml", "path to the YAML config")
	logLevel := fs.String("log-level", "", "override logging.level (debug|info|warn|error)")

	cmd := "run"
	if len(args) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "run", "paper", "recover", "snapshot-now":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", *cfgPath, "error", err)
		return 2
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if cmd == "paper" {
		cfg.DryRun = true
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 2
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	met := metrics.New()
	eng, err := engine.New(cfg, met, logger)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "recover":
		if err := eng.Recover(ctx); err != nil {
			logger.Error("recover failed", "error", err)
			return 1
		}
		st := eng.Status()
		logger.Info("recover complete",
			"open_orders", st.OpenOrders,
			"positions", len(st.Positions),
			"guard_level", st.GuardLevel)
		return 0

	case "snapshot-now":
		if err := eng.Recover(ctx); err != nil {
			logger.Error("recover failed", "error", err)
			return 1
		}
		if err := eng.SnapshotNow(); err != nil {
			logger.Error("snapshot failed", "error", err)
			return 1
		}
		logger.Info("snapshot written")
		return 0
	}

	// run / paper
	if err := config.Watch(*cfgPath, cfg,
		func(next *config.Config) { eng.ApplyConfig(next) },
		func(err error) { logger.Warn("config reload rejected", "error", err) },
	); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	srv := api.NewServer(cfg.Server, eng, met.Registry, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	if cfg.DryRun {
		logger.Warn("dry-run: order mutations are faked")
	}
	if err := eng.Run(ctx); err != nil {
		logger.Error("engine failed", "error", err)
		return 1
	}
	if err := <-errCh; err != nil {
		logger.Error("api server failed", "error", err)
		return 1
	}
	return 0
}

// newLogger builds the process logger. Every handler is wrapped in the
// redactor so credentials never reach a sink, whatever the format.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(secrets.NewRedactHandler(handler))
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
