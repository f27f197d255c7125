package detect

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"predarb/internal/bus"
	"predarb/internal/health"
	"predarb/internal/num"
	"predarb/pkg/types"
)

// EdgeConfig holds the cost model inputs for net-edge computation.
type EdgeConfig struct {
	// BaseMinEdge is the minimum net edge before degradation widening.
	BaseMinEdge decimal.Decimal
	// GasEstimateUSD is the assumed on-chain settlement cost per trade.
	GasEstimateUSD decimal.Decimal
	// PositionSizeUSD is the nominal size used to turn gas into a fraction.
	PositionSizeUSD decimal.Decimal
}

// EdgeSummary counts the outcomes of one processDislocations call.
type EdgeSummary struct {
	Processed  int `json:"processed"`
	Identified int `json:"identified"`
	Filtered   int `json:"filtered"`
}

// EdgeCalculator turns raw dislocations into enriched opportunities by
// subtracting taker fees and the gas fraction, then filtering against the
// degradation-adjusted threshold.
type EdgeCalculator struct {
	cfg      EdgeConfig
	legs     map[types.Venue]Leg
	protocol *health.Protocol
	events   *bus.Bus
	logger   *slog.Logger
}

// NewEdgeCalculator creates a calculator sharing the detector's legs.
func NewEdgeCalculator(cfg EdgeConfig, legs map[types.Venue]Leg, protocol *health.Protocol, events *bus.Bus, logger *slog.Logger) *EdgeCalculator {
	return &EdgeCalculator{
		cfg:      cfg,
		legs:     legs,
		protocol: protocol,
		events:   events,
		logger:   logger.With("component", "edge_calculator"),
	}
}

// ProcessDislocations applies the cost model to every raw dislocation.
// All arithmetic is decimal; division rounds half to even.
func (e *EdgeCalculator) ProcessDislocations(ctx context.Context, raw []types.RawDislocation) ([]types.EnrichedOpportunity, []types.FilteredDislocation, EdgeSummary) {
	var (
		opps     []types.EnrichedOpportunity
		filtered []types.FilteredDislocation
	)
	summary := EdgeSummary{Processed: len(raw)}

	for _, d := range raw {
		buyFees := e.legs[d.BuyVenue].FeeSchedule()
		sellFees := e.legs[d.SellVenue].FeeSchedule()

		buyFeeCost := d.BuyPrice.Mul(num.DivHalfEven(buyFees.TakerFeePct, num.Hundred))
		sellFeeCost := d.SellPrice.Mul(num.DivHalfEven(sellFees.TakerFeePct, num.Hundred))
		gasFraction := num.DivHalfEven(e.cfg.GasEstimateUSD, e.cfg.PositionSizeUSD)
		totalCosts := buyFeeCost.Add(sellFeeCost).Add(gasFraction)

		netEdge := d.GrossEdge.Sub(totalCosts)
		threshold := e.cfg.BaseMinEdge.Mul(e.protocol.EdgeThresholdMultiplier(d.BuyVenue))

		if netEdge.LessThanOrEqual(threshold) {
			reason := types.FilterBelowThreshold
			if netEdge.IsNegative() {
				reason = types.FilterNegativeEdge
			}
			f := types.FilteredDislocation{
				RawDislocation:     d,
				NetEdge:            netEdge,
				EffectiveThreshold: threshold,
				Reason:             reason,
			}
			filtered = append(filtered, f)
			summary.Filtered++
			e.events.Publish(ctx, bus.Event{
				Name:  bus.EventOpportunityFiltered,
				Venue: d.BuyVenue,
				Payload: map[string]any{
					"pair":                d.Pair.EventDescription,
					"buy_venue":           string(d.BuyVenue),
					"sell_venue":          string(d.SellVenue),
					"net_edge":            netEdge.String(),
					"effective_threshold": threshold.String(),
					"reason":              string(reason),
				},
			})
			continue
		}

		opp := types.EnrichedOpportunity{
			RawDislocation: d,
			NetEdge:        netEdge,
			Fees: types.FeeBreakdown{
				BuyFeeCost:  buyFeeCost,
				SellFeeCost: sellFeeCost,
				GasFraction: gasFraction,
				TotalCosts:  totalCosts,
				BuyFees:     buyFees,
				SellFees:    sellFees,
			},
			Liquidity:  depthSnapshot(d),
			EnrichedAt: time.Now().UTC(),
		}
		opps = append(opps, opp)
		summary.Identified++
		e.logger.Info("opportunity identified",
			"pair", d.Pair.EventDescription,
			"buy_venue", d.BuyVenue,
			"sell_venue", d.SellVenue,
			"gross_edge", d.GrossEdge,
			"net_edge", netEdge,
			"correlation_id", bus.CorrelationID(ctx),
		)
		e.events.Publish(ctx, bus.Event{
			Name:  bus.EventOpportunityIdentified,
			Venue: d.BuyVenue,
			Payload: map[string]any{
				"pair":       d.Pair.EventDescription,
				"buy_venue":  string(d.BuyVenue),
				"sell_venue": string(d.SellVenue),
				"buy_price":  d.BuyPrice.String(),
				"sell_price": d.SellPrice.String(),
				"gross_edge": d.GrossEdge.String(),
				"net_edge":   netEdge.String(),
			},
		})
	}

	return opps, filtered, summary
}

func depthSnapshot(d types.RawDislocation) types.LiquidityDepth {
	var depth types.LiquidityDepth
	if d.BuyBook != nil {
		if l, ok := d.BuyBook.BestBid(); ok {
			depth.BuyBestBidSize = l.Quantity
		}
		if l, ok := d.BuyBook.BestAsk(); ok {
			depth.BuyBestAskSize = l.Quantity
		}
	}
	if d.SellBook != nil {
		if l, ok := d.SellBook.BestBid(); ok {
			depth.SellBestBidSize = l.Quantity
		}
		if l, ok := d.SellBook.BestAsk(); ok {
			depth.SellBestAskSize = l.Quantity
		}
	}
	return depth
}
