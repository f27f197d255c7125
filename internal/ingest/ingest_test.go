package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"predarb/internal/bus"
	"predarb/internal/health"
	"predarb/internal/venue"
	"predarb/pkg/types"
)

type fakeConnector struct {
	platform types.Venue
	book     *types.NormalizedOrderBook
	err      error
	fetches  int
	callback venue.BookUpdateFunc
}

func (f *fakeConnector) Platform() types.Venue                 { return f.platform }
func (f *fakeConnector) Connect(context.Context) error         { return nil }
func (f *fakeConnector) Disconnect(context.Context) error      { return nil }
func (f *fakeConnector) FeeSchedule() types.FeeSchedule        { return types.FeeSchedule{Venue: f.platform} }
func (f *fakeConnector) Health() types.VenueHealth             { return types.VenueHealth{Venue: f.platform} }

func (f *fakeConnector) OrderBook(context.Context, string) (*types.NormalizedOrderBook, error) {
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	b := *f.book
	return &b, nil
}

func (f *fakeConnector) SubscribeBookUpdates(_ context.Context, _ string, fn venue.BookUpdateFunc) error {
	f.callback = fn
	return nil
}

func (f *fakeConnector) SubmitOrder(context.Context, types.OrderRequest) (*types.OrderState, error) {
	return nil, venue.NewError(f.platform, venue.KindNotImplemented, "submit order", nil)
}

func (f *fakeConnector) OrderState(context.Context, string) (*types.OrderState, error) {
	return nil, venue.NewError(f.platform, venue.KindNotImplemented, "order state", nil)
}

type fakeSink struct {
	mu    sync.Mutex
	saved []*types.NormalizedOrderBook
	err   error
}

func (f *fakeSink) SaveOrderBookSnapshot(_ context.Context, b *types.NormalizedOrderBook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, b)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func testBook(v types.Venue) *types.NormalizedOrderBook {
	p := decimal.RequireFromString
	return &types.NormalizedOrderBook{
		Venue:      v,
		ContractID: "c-" + string(v),
		Bids:       []types.PriceLevel{{Price: p("0.40"), Quantity: p("100")}},
		Asks:       []types.PriceLevel{{Price: p("0.42"), Quantity: p("100")}},
		ObservedAt: time.Now().UTC(),
	}
}

type harness struct {
	pipeline *Pipeline
	kalshi   *fakeConnector
	poly     *fakeConnector
	sink     *fakeSink
	protocol *health.Protocol
	events   *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := bus.New(logger)
	protocol := health.NewProtocol(decimal.RequireFromString("1.5"), events, logger)
	tracker := health.NewTracker(health.DefaultTrackerConfig(), protocol, nil, logger)
	kalshi := &fakeConnector{platform: types.VenueKalshi, book: testBook(types.VenueKalshi)}
	poly := &fakeConnector{platform: types.VenuePolymarket, book: testBook(types.VenuePolymarket)}
	sink := &fakeSink{}
	pairs := []types.ContractPair{{
		KalshiContractID:     "c-kalshi",
		PolymarketContractID: "c-polymarket",
		EventDescription:     "test event",
	}}
	connectors := map[types.Venue]venue.Connector{
		types.VenueKalshi:     kalshi,
		types.VenuePolymarket: poly,
	}
	return &harness{
		pipeline: New(pairs, connectors, sink, tracker, protocol, events, logger),
		kalshi:   kalshi,
		poly:     poly,
		sink:     sink,
		protocol: protocol,
		events:   events,
	}
}

func TestSweepPersistsAndEmitsForBothVenues(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	updates := h.events.Subscribe(bus.EventOrderbookUpdated, 8)

	h.pipeline.IngestCurrentOrderBooks(context.Background())

	if h.sink.count() != 2 {
		t.Fatalf("persisted = %d, want 2", h.sink.count())
	}
	if len(updates) != 2 {
		t.Fatalf("orderbook.updated events = %d, want 2", len(updates))
	}
}

func TestSweepIsolatesPerVenueErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.kalshi.err = errors.New("gateway timeout")

	h.pipeline.IngestCurrentOrderBooks(context.Background())

	if h.sink.count() != 1 {
		t.Fatalf("persisted = %d, want 1 despite kalshi failure", h.sink.count())
	}
	if h.sink.saved[0].Venue != types.VenuePolymarket {
		t.Fatalf("surviving snapshot from %s", h.sink.saved[0].Venue)
	}
}

func TestSweepSkipsDegradedVenueInHealthyLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.protocol.Activate(context.Background(), types.VenueKalshi, "websocket_failure", time.Now())

	h.pipeline.IngestCurrentOrderBooks(context.Background())

	// The degraded venue is still fetched, but by the polling loop, and
	// its snapshot carries the degraded tag plus a polling cycle count.
	if h.kalshi.fetches != 1 {
		t.Fatalf("kalshi fetches = %d, want 1", h.kalshi.fetches)
	}
	var tagged *types.NormalizedOrderBook
	for _, b := range h.sink.saved {
		if b.Venue == types.VenueKalshi {
			tagged = b
		}
	}
	if tagged == nil || tagged.PlatformHealth != types.HealthDegraded {
		t.Fatal("degraded snapshot not tagged")
	}
	if st := h.protocol.GetState(types.VenueKalshi); st == nil || st.PollingCycles != 1 {
		t.Fatalf("polling cycles not incremented: %+v", st)
	}
}

func TestDegradedPollingRecoversVenue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	recovered := h.events.Subscribe(bus.EventPlatformRecovered, 4)
	h.protocol.Activate(context.Background(), types.VenueKalshi, "websocket_failure", time.Now())

	// Each successful polling cycle counts toward recovery; the default
	// threshold deactivates after three in a row.
	for i := 0; i < 3; i++ {
		if !h.protocol.IsDegraded(types.VenueKalshi) {
			t.Fatalf("venue recovered early, after %d cycles", i)
		}
		h.pipeline.IngestCurrentOrderBooks(context.Background())
	}

	if h.protocol.IsDegraded(types.VenueKalshi) {
		t.Fatal("sustained successful polling must deactivate degradation")
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered events = %d, want 1", len(recovered))
	}
	if h.kalshi.fetches != 3 {
		t.Fatalf("kalshi fetches = %d, want 3", h.kalshi.fetches)
	}
}

func TestConsecutivePersistFailuresRaiseCritical(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	critical := h.events.Subscribe(bus.EventSystemHealthCritical, 4)
	h.sink.err = errors.New("disk full")

	// Nine failures stay quiet; the tenth raises the critical event.
	for i := 0; i < 9; i++ {
		_ = h.pipeline.persist(context.Background(), testBook(types.VenueKalshi))
	}
	if len(critical) != 0 {
		t.Fatalf("critical raised early after %d failures", 9)
	}
	_ = h.pipeline.persist(context.Background(), testBook(types.VenueKalshi))
	if len(critical) != 1 {
		t.Fatalf("critical events = %d, want 1", len(critical))
	}

	evt := <-critical
	if evt.Payload["code"] != venue.CodePersistenceCritical {
		t.Fatalf("code = %v", evt.Payload["code"])
	}
}

func TestPersistFailureCounterResetsOnSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	critical := h.events.Subscribe(bus.EventSystemHealthCritical, 4)

	h.sink.err = errors.New("disk full")
	for i := 0; i < 9; i++ {
		_ = h.pipeline.persist(context.Background(), testBook(types.VenueKalshi))
	}
	h.sink.err = nil
	_ = h.pipeline.persist(context.Background(), testBook(types.VenueKalshi))

	h.sink.err = errors.New("disk full")
	for i := 0; i < 9; i++ {
		_ = h.pipeline.persist(context.Background(), testBook(types.VenueKalshi))
	}
	if len(critical) != 0 {
		t.Fatal("counter did not reset on success")
	}
}

func TestStreamingCallbackPersistsAsync(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.pipeline.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if h.kalshi.callback == nil || h.poly.callback == nil {
		t.Fatal("callbacks not installed")
	}

	h.kalshi.callback(context.Background(), testBook(types.VenueKalshi))

	deadline := time.After(time.Second)
	for h.sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("streaming snapshot never persisted")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
