// Cross-venue arbitrage core for binary prediction markets.
//
// The same binary event trades on both Kalshi and Polymarket. When the
// implied YES prices disagree by more than fees plus gas, buying the cheap
// leg and the opposing side on the other venue locks in the difference at
// settlement. This core finds and reports those windows; execution sits
// above it.
//
// Layout:
//
//	engine            orchestrator: connectors, ingestion, detection loop, shutdown
//	venue/kalshi      signed REST plus sequenced WS deltas over integer-cent books
//	venue/polymarket  CLOB connector with L1-derived credentials, snapshot + price-change WS
//	book              converts venue-native payloads into canonical probability books
//	ingest            persists snapshots, emits orderbook.updated, applies the failure policy
//	health            per-venue liveness tracking and the degradation protocol
//	detect            dislocation detection and the fee/gas net-edge filter
//	audit             SHA-256 hash-chained operational log with range verification
//	alert             severity-routed webhook fan-out behind a circuit breaker
//	store             Postgres sink for snapshots, health log, and audit entries
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"predarb/internal/config"
	"predarb/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng := engine.New(*cfg, logger)
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("arbitrage core started",
		"pairs", len(cfg.Pairs),
		"min_edge", cfg.Detection.MinEdge,
		"interval", cfg.Detection.Interval,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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
