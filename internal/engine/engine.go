// Package engine wires the whole arbitrage core together: connectors,
// ingestion, health tracking, detection, the audit log, and alert fan-out.
// It owns the periodic detection loop and clean shutdown.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"predarb/internal/alert"
	"predarb/internal/audit"
	"predarb/internal/bus"
	"predarb/internal/config"
	"predarb/internal/detect"
	"predarb/internal/health"
	"predarb/internal/ingest"
	"predarb/internal/store"
	"predarb/internal/venue"
	"predarb/internal/venue/kalshi"
	"predarb/internal/venue/polymarket"
	"predarb/pkg/types"
)

// Engine is the process orchestrator.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	events   *bus.Bus
	protocol *health.Protocol
	tracker  *health.Tracker

	db         *store.Store
	auditLog   *audit.Log
	notifier   *alert.Notifier
	connectors map[types.Venue]venue.Connector
	pipeline   *ingest.Pipeline
	detector   *detect.Detector
	calculator *detect.EdgeCalculator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// halted stops detection cycles after a time drift halt.
	halted atomic.Bool
}

// New builds the engine. Everything that needs I/O (database, credential
// derivation, sockets) is deferred to Start.
func New(cfg config.Config, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	events := bus.New(logger)
	protocol := health.NewProtocol(cfg.Degradation.Multiplier, events, logger)
	return &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		events:   events,
		protocol: protocol,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start brings up persistence, the audit chain, both connectors, and the
// periodic detection loop.
func (e *Engine) Start() error {
	db, err := store.Open(e.ctx, e.cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	e.db = db
	if err := db.EnsureSchema(e.ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	e.auditLog = audit.New(db, e.events, e.logger)
	if err := e.auditLog.Start(e.ctx); err != nil {
		return err
	}

	var transport alert.Transport
	if e.cfg.Alerts.WebhookURL != "" {
		transport = alert.NewWebhookTransport(e.cfg.Alerts.WebhookURL, e.cfg.Alerts.SendTimeout)
	}
	e.notifier = alert.NewNotifier(alert.Options{
		BufferSize:          e.cfg.Alerts.BufferSize,
		ConsecutiveFailures: e.cfg.Alerts.ConsecutiveFailures,
		BreakDuration:       e.cfg.Alerts.BreakDuration,
	}, transport, e.auditLog, e.logger)

	e.tracker = health.NewTracker(health.TrackerConfig{
		ResyncThreshold:   e.cfg.Degradation.ResyncThreshold,
		StaleThreshold:    e.cfg.Degradation.StaleThreshold,
		RecoveryThreshold: e.cfg.Degradation.RecoveryThreshold,
		Window:            e.cfg.Degradation.Window,
	}, e.protocol, db, e.logger)

	if err := e.buildConnectors(); err != nil {
		return err
	}

	legs := map[types.Venue]detect.Leg{
		types.VenueKalshi:     e.connectors[types.VenueKalshi],
		types.VenuePolymarket: e.connectors[types.VenuePolymarket],
	}
	e.detector = detect.NewDetector(e.cfg.Pairs, legs, e.protocol, e.events, e.logger)
	e.calculator = detect.NewEdgeCalculator(detect.EdgeConfig{
		BaseMinEdge:     e.cfg.Detection.MinEdge,
		GasEstimateUSD:  e.cfg.Detection.GasEstimateUSD,
		PositionSizeUSD: e.cfg.Detection.PositionSizeUSD,
	}, legs, e.protocol, e.events, e.logger)
	e.pipeline = ingest.New(e.cfg.Pairs, e.connectors, db, e.tracker, e.protocol, e.events, e.logger)

	e.subscribeBusConsumers()

	for v, c := range e.connectors {
		if err := c.Connect(e.ctx); err != nil {
			e.logger.Error("initial websocket connect failed, continuing on REST",
				"venue", v, "error", err)
		}
	}
	if err := e.pipeline.Subscribe(e.ctx); err != nil {
		return fmt.Errorf("subscribing book updates: %w", err)
	}

	e.wg.Add(1)
	go e.detectionLoop()

	e.logger.Info("engine started",
		"pairs", len(e.cfg.Pairs),
		"detection_interval", e.cfg.Detection.Interval,
	)
	return nil
}

// Stop cancels all work, flushes the audit queue and alert buffer, and
// closes the sockets with a normal close code.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()
	e.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for v, c := range e.connectors {
		if err := c.Disconnect(shutdownCtx); err != nil {
			e.logger.Error("disconnect failed", "venue", v, "error", err)
		}
	}
	if e.notifier != nil {
		e.notifier.Flush(shutdownCtx)
	}
	if e.auditLog != nil {
		e.auditLog.Close()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Error("closing store", "error", err)
		}
	}
}

func (e *Engine) buildConnectors() error {
	kalshiConn, err := kalshi.New(kalshi.Options{
		BaseURL:       e.cfg.Kalshi.BaseURL,
		WSURL:         e.cfg.Kalshi.WSURL,
		APIKeyID:      e.cfg.Kalshi.APIKeyID,
		PrivateKeyPEM: []byte(e.cfg.Kalshi.PrivateKeyPEM),
		Fees:          kalshi.DefaultFees(),
	}, e.events, e.logger)
	if err != nil {
		return fmt.Errorf("building kalshi connector: %w", err)
	}

	polyConn, err := polymarket.New(e.ctx, polymarket.Options{
		BaseURL:       e.cfg.Polymarket.CLOBBaseURL,
		WSURL:         e.cfg.Polymarket.WSMarketURL,
		PrivateKeyHex: e.cfg.Polymarket.PrivateKey,
		ChainID:       e.cfg.Polymarket.ChainID,
		Fees:          polymarket.DefaultFees(),
	}, e.events, e.logger)
	if err != nil {
		return fmt.Errorf("building polymarket connector: %w", err)
	}

	e.connectors = map[types.Venue]venue.Connector{
		types.VenueKalshi:     kalshiConn,
		types.VenuePolymarket: polyConn,
	}
	return nil
}

// subscribeBusConsumers wires the cross-cutting event consumers: alert
// fan-out on everything, protocol and transport signals into the health
// tracker, and the time drift halt into the detection loop.
func (e *Engine) subscribeBusConsumers() {
	all := e.events.Subscribe("*", 512)
	resyncs := e.events.Subscribe(bus.EventProtocolResync, 64)
	stales := e.events.Subscribe(bus.EventDataStale, 64)
	transport := e.events.Subscribe(bus.EventPlatformHealthDegraded, 64)
	halts := e.events.Subscribe(bus.EventTimeDriftHalt, 8)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case evt := <-all:
				e.notifier.Notify(e.ctx, evt)
			case evt := <-resyncs:
				e.tracker.RecordResync(e.ctx, evt.Venue)
			case evt := <-stales:
				e.tracker.RecordStale(e.ctx, evt.Venue, evt.At)
			case evt := <-transport:
				critical, _ := evt.Payload["critical"].(bool)
				reason, _ := evt.Payload["reason"].(string)
				e.tracker.RecordTransportFailure(e.ctx, evt.Venue, critical, reason)
			case evt := <-halts:
				e.halted.Store(true)
				e.logger.Error("time drift halt received, detection stopped",
					"correlation_id", evt.CorrelationID)
			}
		}
	}()
}

// detectionLoop runs the periodic sweep plus detection at the configured
// cadence.
func (e *Engine) detectionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Detection.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.halted.Load() {
				continue
			}
			e.runCycle()
		}
	}
}

// runCycle is one full pass: REST sweep, dislocation detection, and edge
// filtering, all under one correlation id.
func (e *Engine) runCycle() {
	ctx := bus.WithCorrelation(e.ctx, "")
	e.pipeline.IngestCurrentOrderBooks(ctx)

	cycle := e.detector.DetectDislocations(ctx)
	if len(cycle.Dislocations) == 0 {
		return
	}
	_, _, summary := e.calculator.ProcessDislocations(ctx, cycle.Dislocations)
	e.logger.Info("detection cycle",
		"dislocations", len(cycle.Dislocations),
		"identified", summary.Identified,
		"filtered", summary.Filtered,
		"pairs_evaluated", cycle.PairsEvaluated,
		"pairs_skipped", cycle.PairsSkipped,
		"duration_ms", cycle.DurationMs,
		"correlation_id", bus.CorrelationID(ctx),
	)
}
