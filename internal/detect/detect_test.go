package detect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"predarb/internal/bus"
	"predarb/internal/health"
	"predarb/pkg/types"
)

type fakeLeg struct {
	venue types.Venue
	book  *types.NormalizedOrderBook
	fees  types.FeeSchedule
	err   error
	calls int
}

func (f *fakeLeg) OrderBook(_ context.Context, _ string) (*types.NormalizedOrderBook, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.book, nil
}

func (f *fakeLeg) FeeSchedule() types.FeeSchedule { return f.fees }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func book(v types.Venue, bid, ask string) *types.NormalizedOrderBook {
	return &types.NormalizedOrderBook{
		Venue:      v,
		ContractID: "c-" + string(v),
		Bids:       []types.PriceLevel{{Price: dec(bid), Quantity: dec("100")}},
		Asks:       []types.PriceLevel{{Price: dec(ask), Quantity: dec("100")}},
		ObservedAt: time.Now().UTC(),
	}
}

func testPair() types.ContractPair {
	return types.ContractPair{
		KalshiContractID:     "KXPRES-24",
		PolymarketContractID: "0xtoken",
		EventDescription:     "test event",
	}
}

func newHarness(t *testing.T, kalshi, poly *fakeLeg, multiplier string) (*Detector, *health.Protocol, *bus.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := bus.New(logger)
	protocol := health.NewProtocol(dec(multiplier), events, logger)
	legs := map[types.Venue]Leg{
		types.VenueKalshi:     kalshi,
		types.VenuePolymarket: poly,
	}
	return NewDetector([]types.ContractPair{testPair()}, legs, protocol, events, logger), protocol, events
}

func findByBuyVenue(t *testing.T, ds []types.RawDislocation, v types.Venue) types.RawDislocation {
	t.Helper()
	for _, d := range ds {
		if d.BuyVenue == v {
			return d
		}
	}
	t.Fatalf("no dislocation with buy venue %s", v)
	return types.RawDislocation{}
}

func TestDetectPolymarketBuyDirection(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{venue: types.VenueKalshi, book: book(types.VenueKalshi, "0.40", "0.42")}
	poly := &fakeLeg{venue: types.VenuePolymarket, book: book(types.VenuePolymarket, "0.50", "0.55")}
	d, _, _ := newHarness(t, kalshi, poly, "1.5")

	cycle := d.DetectDislocations(context.Background())

	if cycle.PairsEvaluated != 1 || cycle.PairsSkipped != 0 {
		t.Fatalf("counters = %d evaluated, %d skipped", cycle.PairsEvaluated, cycle.PairsSkipped)
	}
	got := findByBuyVenue(t, cycle.Dislocations, types.VenuePolymarket)
	if got.SellVenue != types.VenueKalshi {
		t.Fatalf("sell venue = %s", got.SellVenue)
	}
	if !got.BuyPrice.Equal(dec("0.55")) || !got.SellPrice.Equal(dec("0.42")) {
		t.Fatalf("prices = %s / %s", got.BuyPrice, got.SellPrice)
	}
	// |0.55 - (1 - 0.42)| = 0.03
	if !got.GrossEdge.Equal(dec("0.03")) {
		t.Fatalf("gross edge = %s, want 0.03", got.GrossEdge)
	}
}

func TestDetectKalshiBuyDirection(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{venue: types.VenueKalshi, book: book(types.VenueKalshi, "0.38", "0.40")}
	poly := &fakeLeg{venue: types.VenuePolymarket, book: book(types.VenuePolymarket, "0.50", "0.55")}
	d, _, _ := newHarness(t, kalshi, poly, "1.5")

	cycle := d.DetectDislocations(context.Background())

	got := findByBuyVenue(t, cycle.Dislocations, types.VenueKalshi)
	if got.SellVenue != types.VenuePolymarket {
		t.Fatalf("sell venue = %s", got.SellVenue)
	}
	// |0.40 - (1 - 0.55)| = 0.05
	if !got.GrossEdge.Equal(dec("0.05")) {
		t.Fatalf("gross edge = %s, want 0.05", got.GrossEdge)
	}
}

func TestDetectNoArbitrageWhenPricesAgree(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{venue: types.VenueKalshi, book: book(types.VenueKalshi, "0.48", "0.50")}
	poly := &fakeLeg{venue: types.VenuePolymarket, book: book(types.VenuePolymarket, "0.48", "0.50")}
	d, _, _ := newHarness(t, kalshi, poly, "1.5")

	cycle := d.DetectDislocations(context.Background())

	if len(cycle.Dislocations) != 0 {
		t.Fatalf("dislocations = %d, want 0", len(cycle.Dislocations))
	}
	if cycle.PairsEvaluated != 1 {
		t.Fatalf("pairs evaluated = %d", cycle.PairsEvaluated)
	}
}

func TestDetectSkipsDegradedVenueWithoutFetching(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{venue: types.VenueKalshi, book: book(types.VenueKalshi, "0.40", "0.42")}
	poly := &fakeLeg{venue: types.VenuePolymarket, book: book(types.VenuePolymarket, "0.50", "0.55")}
	d, protocol, _ := newHarness(t, kalshi, poly, "1.5")

	protocol.Activate(context.Background(), types.VenueKalshi, "websocket_failure", time.Now())
	cycle := d.DetectDislocations(context.Background())

	if cycle.PairsSkipped != 1 {
		t.Fatalf("pairs skipped = %d, want 1", cycle.PairsSkipped)
	}
	if len(cycle.Dislocations) != 0 {
		t.Fatalf("dislocations = %d, want 0", len(cycle.Dislocations))
	}
	if kalshi.calls != 0 {
		t.Fatalf("kalshi order book fetched %d times while degraded", kalshi.calls)
	}
}

func TestDetectSkipsPairOnFetchError(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{venue: types.VenueKalshi, err: errors.New("connection reset")}
	poly := &fakeLeg{venue: types.VenuePolymarket, book: book(types.VenuePolymarket, "0.50", "0.55")}
	d, _, _ := newHarness(t, kalshi, poly, "1.5")

	cycle := d.DetectDislocations(context.Background())

	if cycle.PairsSkipped != 1 || cycle.PairsEvaluated != 0 {
		t.Fatalf("counters = %d evaluated, %d skipped", cycle.PairsEvaluated, cycle.PairsSkipped)
	}
}

func TestDetectSkipsOneSidedBook(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{venue: types.VenueKalshi, book: &types.NormalizedOrderBook{
		Venue:      types.VenueKalshi,
		ContractID: "KXPRES-24",
		Bids:       []types.PriceLevel{{Price: dec("0.40"), Quantity: dec("100")}},
	}}
	poly := &fakeLeg{venue: types.VenuePolymarket, book: book(types.VenuePolymarket, "0.50", "0.55")}
	d, _, _ := newHarness(t, kalshi, poly, "1.5")

	cycle := d.DetectDislocations(context.Background())

	if cycle.PairsSkipped != 1 {
		t.Fatalf("pairs skipped = %d, want 1", cycle.PairsSkipped)
	}
}

func TestDetectPublishesCycleEvent(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{venue: types.VenueKalshi, book: book(types.VenueKalshi, "0.40", "0.42")}
	poly := &fakeLeg{venue: types.VenuePolymarket, book: book(types.VenuePolymarket, "0.50", "0.55")}
	d, _, events := newHarness(t, kalshi, poly, "1.5")
	ch := events.Subscribe(bus.EventDetectionCycle, 4)

	d.DetectDislocations(context.Background())

	select {
	case evt := <-ch:
		if evt.Name != bus.EventDetectionCycle {
			t.Fatalf("event name = %s", evt.Name)
		}
	default:
		t.Fatal("no detection cycle event published")
	}
}

func newCalculator(t *testing.T, cfg EdgeConfig, kalshi, poly *fakeLeg, multiplier string) (*EdgeCalculator, *health.Protocol, *bus.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := bus.New(logger)
	protocol := health.NewProtocol(dec(multiplier), events, logger)
	legs := map[types.Venue]Leg{
		types.VenueKalshi:     kalshi,
		types.VenuePolymarket: poly,
	}
	return NewEdgeCalculator(cfg, legs, protocol, events, logger), protocol, events
}

func rawDislocation(buy, sell types.Venue, buyPrice, sellPrice, gross string) types.RawDislocation {
	return types.RawDislocation{
		Pair:       testPair(),
		BuyVenue:   buy,
		SellVenue:  sell,
		BuyPrice:   dec(buyPrice),
		SellPrice:  dec(sellPrice),
		GrossEdge:  dec(gross),
		BuyBook:    book(buy, "0.50", buyPrice),
		SellBook:   book(sell, "0.40", sellPrice),
		DetectedAt: time.Now().UTC(),
	}
}

func TestEdgeIdentifiesOpportunityAboveThreshold(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{fees: types.FeeSchedule{Venue: types.VenueKalshi, TakerFeePct: dec("0")}}
	poly := &fakeLeg{fees: types.FeeSchedule{Venue: types.VenuePolymarket, TakerFeePct: dec("2")}}
	cfg := EdgeConfig{
		BaseMinEdge:     dec("0.008"),
		GasEstimateUSD:  dec("1"),
		PositionSizeUSD: dec("1000"),
	}
	calc, _, _ := newCalculator(t, cfg, kalshi, poly, "1.5")

	raw := rawDislocation(types.VenuePolymarket, types.VenueKalshi, "0.55", "0.42", "0.03")
	opps, filtered, summary := calc.ProcessDislocations(context.Background(), []types.RawDislocation{raw})

	if len(opps) != 1 || len(filtered) != 0 {
		t.Fatalf("opportunities = %d, filtered = %d", len(opps), len(filtered))
	}
	opp := opps[0]
	// buyFeeCost = 0.55 * 2/100 = 0.011; sellFeeCost = 0; gas = 1/1000.
	if !opp.Fees.BuyFeeCost.Equal(dec("0.011")) {
		t.Fatalf("buy fee cost = %s", opp.Fees.BuyFeeCost)
	}
	if !opp.Fees.GasFraction.Equal(dec("0.001")) {
		t.Fatalf("gas fraction = %s", opp.Fees.GasFraction)
	}
	if !opp.Fees.TotalCosts.Equal(dec("0.012")) {
		t.Fatalf("total costs = %s", opp.Fees.TotalCosts)
	}
	if !opp.NetEdge.Equal(dec("0.018")) {
		t.Fatalf("net edge = %s, want 0.018", opp.NetEdge)
	}
	if !opp.Liquidity.BuyBestAskSize.Equal(dec("100")) {
		t.Fatalf("buy ask depth = %s", opp.Liquidity.BuyBestAskSize)
	}
	if summary.Identified != 1 || summary.Processed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestEdgeWidensThresholdWhenOtherVenueDegraded(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{fees: types.FeeSchedule{Venue: types.VenueKalshi}}
	poly := &fakeLeg{fees: types.FeeSchedule{Venue: types.VenuePolymarket}}
	cfg := EdgeConfig{
		BaseMinEdge:     dec("0.008"),
		GasEstimateUSD:  dec("0"),
		PositionSizeUSD: dec("1000"),
	}
	calc, protocol, _ := newCalculator(t, cfg, kalshi, poly, "1.5")
	protocol.Activate(context.Background(), types.VenuePolymarket, "data_stale", time.Now())

	// Zero fees and gas keep netEdge equal to the gross 0.010.
	raw := rawDislocation(types.VenueKalshi, types.VenuePolymarket, "0.40", "0.55", "0.010")
	opps, filtered, _ := calc.ProcessDislocations(context.Background(), []types.RawDislocation{raw})

	if len(opps) != 0 || len(filtered) != 1 {
		t.Fatalf("opportunities = %d, filtered = %d", len(opps), len(filtered))
	}
	f := filtered[0]
	if !f.EffectiveThreshold.Equal(dec("0.012")) {
		t.Fatalf("effective threshold = %s, want 0.012", f.EffectiveThreshold)
	}
	if f.Reason != types.FilterBelowThreshold {
		t.Fatalf("reason = %s", f.Reason)
	}
	if !f.NetEdge.Equal(dec("0.010")) {
		t.Fatalf("net edge = %s", f.NetEdge)
	}
}

func TestEdgeFiltersNegativeEdge(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{fees: types.FeeSchedule{Venue: types.VenueKalshi, TakerFeePct: dec("5")}}
	poly := &fakeLeg{fees: types.FeeSchedule{Venue: types.VenuePolymarket, TakerFeePct: dec("5")}}
	cfg := EdgeConfig{
		BaseMinEdge:     dec("0.008"),
		GasEstimateUSD:  dec("5"),
		PositionSizeUSD: dec("1000"),
	}
	calc, _, _ := newCalculator(t, cfg, kalshi, poly, "1.5")

	raw := rawDislocation(types.VenuePolymarket, types.VenueKalshi, "0.55", "0.42", "0.005")
	_, filtered, summary := calc.ProcessDislocations(context.Background(), []types.RawDislocation{raw})

	if len(filtered) != 1 {
		t.Fatalf("filtered = %d, want 1", len(filtered))
	}
	if filtered[0].Reason != types.FilterNegativeEdge {
		t.Fatalf("reason = %s, want %s", filtered[0].Reason, types.FilterNegativeEdge)
	}
	if summary.Filtered != 1 || summary.Identified != 0 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestEdgePublishesIdentifiedAndFilteredEvents(t *testing.T) {
	t.Parallel()
	kalshi := &fakeLeg{fees: types.FeeSchedule{Venue: types.VenueKalshi}}
	poly := &fakeLeg{fees: types.FeeSchedule{Venue: types.VenuePolymarket}}
	cfg := EdgeConfig{
		BaseMinEdge:     dec("0.008"),
		GasEstimateUSD:  dec("0"),
		PositionSizeUSD: dec("1000"),
	}
	calc, _, events := newCalculator(t, cfg, kalshi, poly, "1.5")
	identified := events.Subscribe(bus.EventOpportunityIdentified, 4)
	filteredCh := events.Subscribe(bus.EventOpportunityFiltered, 4)

	raws := []types.RawDislocation{
		rawDislocation(types.VenuePolymarket, types.VenueKalshi, "0.55", "0.42", "0.03"),
		rawDislocation(types.VenueKalshi, types.VenuePolymarket, "0.40", "0.55", "0.001"),
	}
	calc.ProcessDislocations(context.Background(), raws)

	if len(identified) != 1 {
		t.Fatalf("identified events = %d, want 1", len(identified))
	}
	if len(filteredCh) != 1 {
		t.Fatalf("filtered events = %d, want 1", len(filteredCh))
	}
}
