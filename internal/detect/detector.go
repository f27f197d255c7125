// Package detect is the arbitrage engine proper: per-cycle evaluation of
// every configured contract pair in both directions, gross-edge
// computation, and the fee/gas/degradation-aware net-edge filter.
package detect

import (
	"context"
	"log/slog"
	"time"

	"predarb/internal/bus"
	"predarb/internal/health"
	"predarb/internal/num"
	"predarb/pkg/types"
)

// Leg is the slice of a venue connector the detector needs. Both live
// connectors and test fakes satisfy it.
type Leg interface {
	OrderBook(ctx context.Context, contractID string) (*types.NormalizedOrderBook, error)
	FeeSchedule() types.FeeSchedule
}

// Detector runs detection cycles over the configured pair list.
type Detector struct {
	pairs    []types.ContractPair
	legs     map[types.Venue]Leg
	protocol *health.Protocol
	events   *bus.Bus
	logger   *slog.Logger
}

// NewDetector creates a detector over an immutable pair configuration.
func NewDetector(pairs []types.ContractPair, legs map[types.Venue]Leg, protocol *health.Protocol, events *bus.Bus, logger *slog.Logger) *Detector {
	return &Detector{
		pairs:    pairs,
		legs:     legs,
		protocol: protocol,
		events:   events,
		logger:   logger.With("component", "detector"),
	}
}

// DetectDislocations evaluates every configured pair once. Pairs with a
// degraded venue are skipped without touching the connectors; per-pair
// fetch errors are isolated and never kill the cycle.
func (d *Detector) DetectDislocations(ctx context.Context) *types.DetectionCycle {
	start := time.Now()
	cycle := &types.DetectionCycle{}

	for _, pair := range d.pairs {
		if d.protocol.IsDegraded(types.VenueKalshi) || d.protocol.IsDegraded(types.VenuePolymarket) {
			cycle.PairsSkipped++
			continue
		}

		kalshiBook, err := d.legs[types.VenueKalshi].OrderBook(ctx, pair.KalshiContractID)
		if err != nil {
			d.logger.Warn("skipping pair, kalshi fetch failed",
				"pair", pair.EventDescription,
				"correlation_id", bus.CorrelationID(ctx),
				"error", err,
			)
			cycle.PairsSkipped++
			continue
		}
		polyBook, err := d.legs[types.VenuePolymarket].OrderBook(ctx, pair.PolymarketContractID)
		if err != nil {
			d.logger.Warn("skipping pair, polymarket fetch failed",
				"pair", pair.EventDescription,
				"correlation_id", bus.CorrelationID(ctx),
				"error", err,
			)
			cycle.PairsSkipped++
			continue
		}

		if !twoSided(kalshiBook) || !twoSided(polyBook) {
			cycle.PairsSkipped++
			continue
		}

		cycle.PairsEvaluated++
		books := map[types.Venue]*types.NormalizedOrderBook{
			types.VenueKalshi:     kalshiBook,
			types.VenuePolymarket: polyBook,
		}

		// Both directions may legitimately fire in the same cycle.
		for _, dir := range [][2]types.Venue{
			{types.VenuePolymarket, types.VenueKalshi},
			{types.VenueKalshi, types.VenuePolymarket},
		} {
			if r, ok := evaluate(pair, dir[0], dir[1], books[dir[0]], books[dir[1]]); ok {
				cycle.Dislocations = append(cycle.Dislocations, r)
			}
		}
	}

	cycle.DurationMs = time.Since(start).Milliseconds()
	d.events.Publish(ctx, bus.Event{
		Name: bus.EventDetectionCycle,
		Payload: map[string]any{
			"dislocations":    len(cycle.Dislocations),
			"pairs_evaluated": cycle.PairsEvaluated,
			"pairs_skipped":   cycle.PairsSkipped,
			"duration_ms":     cycle.DurationMs,
		},
	})
	return cycle
}

// evaluate computes one direction. Buying YES at the buy venue's best ask
// p and synthesizing the sell by buying NO on the sell venue (best ask q in
// YES space) is an arbitrage iff p < 1-q; the gross edge is the strict
// difference. Equal prices produce nothing.
func evaluate(pair types.ContractPair, buy, sell types.Venue, buyBook, sellBook *types.NormalizedOrderBook) (types.RawDislocation, bool) {
	buyAsk, _ := buyBook.BestAsk()
	sellAsk, _ := sellBook.BestAsk()

	impliedSell := num.One.Sub(sellAsk.Price)
	if !buyAsk.Price.LessThan(impliedSell) {
		return types.RawDislocation{}, false
	}
	gross := impliedSell.Sub(buyAsk.Price)
	if gross.Sign() <= 0 {
		return types.RawDislocation{}, false
	}

	return types.RawDislocation{
		Pair:       pair,
		BuyVenue:   buy,
		SellVenue:  sell,
		BuyPrice:   buyAsk.Price,
		SellPrice:  sellAsk.Price,
		GrossEdge:  gross,
		BuyBook:    buyBook,
		SellBook:   sellBook,
		DetectedAt: time.Now().UTC(),
	}, true
}

func twoSided(b *types.NormalizedOrderBook) bool {
	_, hasBid := b.BestBid()
	_, hasAsk := b.BestAsk()
	return hasBid && hasAsk
}
