// Package ingest moves order books from the connectors into the
// persistence sink and onto the event bus. It feeds both the streaming
// path (WS callbacks) and the periodic REST sweep, including the
// degraded-venue polling loop.
package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"predarb/internal/bus"
	"predarb/internal/health"
	"predarb/internal/venue"
	"predarb/pkg/types"
)

// criticalFailureThreshold is the number of consecutive snapshot write
// failures that raises a critical system health error.
const criticalFailureThreshold = 10

// Sink persists normalized book snapshots.
type Sink interface {
	SaveOrderBookSnapshot(ctx context.Context, book *types.NormalizedOrderBook) error
}

// Pipeline wires connectors, sink, health tracking, and the bus.
type Pipeline struct {
	pairs      []types.ContractPair
	connectors map[types.Venue]venue.Connector
	sink       Sink
	tracker    *health.Tracker
	protocol   *health.Protocol
	events     *bus.Bus
	logger     *slog.Logger

	consecutiveWriteFailures atomic.Int64
}

// New creates a pipeline over the given connectors.
func New(
	pairs []types.ContractPair,
	connectors map[types.Venue]venue.Connector,
	sink Sink,
	tracker *health.Tracker,
	protocol *health.Protocol,
	events *bus.Bus,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		pairs:      pairs,
		connectors: connectors,
		sink:       sink,
		tracker:    tracker,
		protocol:   protocol,
		events:     events,
		logger:     logger.With("component", "ingest"),
	}
}

// Subscribe registers the streaming entry point for every configured
// contract on every connector.
func (p *Pipeline) Subscribe(ctx context.Context) error {
	for v, c := range p.connectors {
		v := v
		fn := func(ctx context.Context, book *types.NormalizedOrderBook) {
			go p.handleUpdate(ctx, v, book)
		}
		for _, pair := range p.pairs {
			if err := c.SubscribeBookUpdates(ctx, pair.ContractID(v), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleUpdate is the per-update streaming path. Failures are logged with
// the correlation id and never stop the stream.
func (p *Pipeline) handleUpdate(ctx context.Context, v types.Venue, book *types.NormalizedOrderBook) {
	if err := p.persist(ctx, book); err != nil {
		p.logger.Error("streaming snapshot persist failed",
			"venue", v,
			"contract", book.ContractID,
			"correlation_id", bus.CorrelationID(ctx),
			"error", err,
		)
		return
	}
	p.tracker.RecordSuccess(ctx, v, time.Since(book.ObservedAt))
	p.emit(ctx, book)
}

// IngestCurrentOrderBooks is the periodic REST sweep over every
// non-degraded venue. Per-contract errors are isolated; one venue's
// failures never affect the other.
func (p *Pipeline) IngestCurrentOrderBooks(ctx context.Context) {
	for _, v := range types.Venues() {
		if p.protocol.IsDegraded(v) {
			continue
		}
		p.sweepVenue(ctx, v, false)
	}
	p.pollDegraded(ctx)
}

// pollDegraded runs the same fetch loop for degraded venues, tagging the
// books and counting polling cycles. Successful polls feed the tracker's
// recovery counter, so a venue that keeps answering over REST eventually
// deactivates its degradation.
func (p *Pipeline) pollDegraded(ctx context.Context) {
	for _, v := range p.protocol.DegradedVenues() {
		p.sweepVenue(ctx, v, true)
		p.protocol.IncrementPollingCycle(v)
	}
}

func (p *Pipeline) sweepVenue(ctx context.Context, v types.Venue, degraded bool) {
	c, ok := p.connectors[v]
	if !ok {
		return
	}
	for _, pair := range p.pairs {
		contractID := pair.ContractID(v)
		start := time.Now()
		book, err := c.OrderBook(ctx, contractID)
		if err != nil {
			p.logger.Warn("sweep fetch failed",
				"venue", v,
				"contract", contractID,
				"correlation_id", bus.CorrelationID(ctx),
				"error", err,
			)
			continue
		}
		if degraded {
			book.PlatformHealth = types.HealthDegraded
		}
		if err := p.persist(ctx, book); err != nil {
			p.logger.Error("sweep snapshot persist failed",
				"venue", v,
				"contract", contractID,
				"error", err,
			)
			continue
		}
		p.tracker.RecordSuccess(ctx, v, time.Since(start))
		p.emit(ctx, book)
	}
}

// persist writes one snapshot and applies the consecutive-failure policy:
// the counter resets on success, and the tenth failure in a row raises a
// critical system health error.
func (p *Pipeline) persist(ctx context.Context, book *types.NormalizedOrderBook) error {
	if err := p.sink.SaveOrderBookSnapshot(ctx, book); err != nil {
		n := p.consecutiveWriteFailures.Add(1)
		if n == criticalFailureThreshold {
			p.events.Publish(ctx, bus.Event{
				Name:  bus.EventSystemHealthCritical,
				Venue: book.Venue,
				Payload: map[string]any{
					"code":                 venue.CodePersistenceCritical,
					"consecutive_failures": n,
					"error":                err.Error(),
				},
			})
		}
		return err
	}
	p.consecutiveWriteFailures.Store(0)
	return nil
}

func (p *Pipeline) emit(ctx context.Context, book *types.NormalizedOrderBook) {
	p.events.Publish(ctx, bus.Event{
		Name:  bus.EventOrderbookUpdated,
		Venue: book.Venue,
		Payload: map[string]any{
			"contract_id": book.ContractID,
			"bid_levels":  len(book.Bids),
			"ask_levels":  len(book.Asks),
			"sequence":    book.SequenceNumber,
		},
	})
}
