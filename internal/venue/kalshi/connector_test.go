package kalshi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"predarb/internal/bus"
	"predarb/internal/venue"
	"predarb/pkg/types"
)

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func testConnector(t *testing.T) *Connector {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(Options{
		BaseURL:       "https://api.example",
		WSURL:         "wss://api.example/trade-api/v2/ws",
		APIKeyID:      "key-id",
		PrivateKeyPEM: testKeyPEM(t),
	}, bus.New(logger), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSignerHeaders(t *testing.T) {
	t.Parallel()
	s, err := NewSigner("key-id", testKeyPEM(t))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	headers, err := s.Headers("GET", wsPath)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if headers["KALSHI-ACCESS-KEY"] != "key-id" {
		t.Errorf("access key = %q", headers["KALSHI-ACCESS-KEY"])
	}
	if headers["KALSHI-ACCESS-TIMESTAMP"] == "" {
		t.Error("timestamp missing")
	}
	if _, err := base64.StdEncoding.DecodeString(headers["KALSHI-ACCESS-SIGNATURE"]); err != nil {
		t.Errorf("signature not base64: %v", err)
	}
}

func TestSignerRejectsBadKey(t *testing.T) {
	t.Parallel()
	if _, err := NewSigner("k", []byte("not a pem")); err == nil {
		t.Fatal("expected error for malformed PEM")
	}
}

func TestLocalBookDeltaSequence(t *testing.T) {
	t.Parallel()
	lb := newLocalBook("T")
	lb.applySnapshot([][2]int64{{40, 100}}, [][2]int64{{58, 50}}, 5)

	if !lb.applyDelta(6, 40, -30, "yes") {
		t.Fatal("in-order delta rejected")
	}
	if lb.yes[40] != 70 {
		t.Errorf("yes@40 = %d, want 70", lb.yes[40])
	}

	// quantity driven to zero removes the level
	if !lb.applyDelta(7, 58, -50, "no") {
		t.Fatal("delta rejected")
	}
	if _, ok := lb.no[58]; ok {
		t.Error("level at 58 should be removed")
	}

	// a gap must be rejected
	if lb.applyDelta(9, 40, 1, "yes") {
		t.Error("gapped delta must be rejected")
	}
}

func TestLocalBookDeltasFoldToSnapshot(t *testing.T) {
	t.Parallel()
	// normalize(snapshot) + deltas == normalize(snapshot with deltas folded in)
	incremental := newLocalBook("T")
	incremental.applySnapshot([][2]int64{{40, 100}, {39, 20}}, [][2]int64{{58, 50}}, 1)
	incremental.applyDelta(2, 40, -100, "yes")
	incremental.applyDelta(3, 41, 10, "yes")
	incremental.applyDelta(4, 58, 25, "no")

	folded := newLocalBook("T")
	folded.applySnapshot([][2]int64{{39, 20}, {41, 10}}, [][2]int64{{58, 75}}, 4)

	iy, in := incremental.levels()
	fy, fn := folded.levels()
	if len(iy) != len(fy) || len(in) != len(fn) {
		t.Fatalf("ladder sizes differ: %v/%v vs %v/%v", iy, in, fy, fn)
	}
	for i := range iy {
		if iy[i] != fy[i] {
			t.Errorf("yes[%d] = %v, want %v", i, iy[i], fy[i])
		}
	}
	for i := range in {
		if in[i] != fn[i] {
			t.Errorf("no[%d] = %v, want %v", i, in[i], fn[i])
		}
	}
}

func TestHandleSnapshotEmitsNormalizedBook(t *testing.T) {
	t.Parallel()
	c := testConnector(t)

	var mu sync.Mutex
	var got *types.NormalizedOrderBook
	c.subs["T"] = func(_ context.Context, b *types.NormalizedOrderBook) {
		mu.Lock()
		got = b
		mu.Unlock()
	}

	c.handleSnapshot(context.Background(), "T",
		[][2]int64{{40, 100}}, [][2]int64{{58, 50}}, 1)

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("no book emitted")
	}
	bid, _ := got.BestBid()
	ask, _ := got.BestAsk()
	if !bid.Price.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("bid = %s, want 0.4", bid.Price)
	}
	if !ask.Price.Equal(decimal.RequireFromString("0.42")) {
		t.Errorf("ask = %s, want 0.42", ask.Price)
	}
	if got.SequenceNumber != 1 {
		t.Errorf("seq = %d", got.SequenceNumber)
	}
}

func TestHandleDeltaGapDropsStateAndSignalsResync(t *testing.T) {
	t.Parallel()
	c := testConnector(t)
	resync := c.events.Subscribe(bus.EventProtocolResync, 1)

	c.handleSnapshot(context.Background(), "T", [][2]int64{{40, 100}}, nil, 1)

	// seq jumps from 1 to 3: local state must be discarded
	c.handleDelta(context.Background(), "T", 3, 40, 10, "yes")

	c.mu.Lock()
	_, ok := c.books["T"]
	c.mu.Unlock()
	if ok {
		t.Error("local book should be discarded on gap")
	}

	select {
	case evt := <-resync:
		if evt.Venue != types.VenueKalshi {
			t.Errorf("resync venue = %q", evt.Venue)
		}
	case <-time.After(time.Second):
		t.Error("no resync event published")
	}
}

func TestHandleDeltaWithoutSnapshotIsDropped(t *testing.T) {
	t.Parallel()
	c := testConnector(t)
	emitted := false
	c.subs["T"] = func(context.Context, *types.NormalizedOrderBook) { emitted = true }

	c.handleDelta(context.Background(), "T", 1, 40, 10, "yes")
	if emitted {
		t.Error("delta without prior snapshot must not emit")
	}
}

func TestHealthTransitions(t *testing.T) {
	t.Parallel()
	c := testConnector(t)
	if c.Health().Status != types.HealthDisconnected {
		t.Error("initial status should be disconnected")
	}
	c.markSuccess(12 * time.Millisecond)
	h := c.Health()
	if h.Status != types.HealthHealthy || len(h.LatencyMs) != 1 {
		t.Errorf("health after success = %+v", h)
	}
	c.markFailure()
	if c.Health().Status != types.HealthDegraded {
		t.Error("failure should downgrade a healthy venue")
	}
}

func TestPlatformAndFees(t *testing.T) {
	t.Parallel()
	c := testConnector(t)
	if c.Platform() != types.VenueKalshi {
		t.Errorf("platform = %s", c.Platform())
	}
	var _ venue.Connector = c
}

func TestOrderOperationsNotImplemented(t *testing.T) {
	t.Parallel()
	c := testConnector(t)
	ctx := context.Background()

	_, err := c.SubmitOrder(ctx, types.OrderRequest{ContractID: "T", Side: types.OrderBuy})
	if !venue.IsKind(err, venue.KindNotImplemented) {
		t.Fatalf("SubmitOrder err = %v", err)
	}
	if pe := venue.AsPlatform(err); pe.Code != venue.CodeNotImplemented {
		t.Errorf("code = %d, want %d", pe.Code, venue.CodeNotImplemented)
	}
	if _, err := c.OrderState(ctx, "oid-1"); !venue.IsKind(err, venue.KindNotImplemented) {
		t.Fatalf("OrderState err = %v", err)
	}
}

func TestReportFailureEscalatesAuthRejection(t *testing.T) {
	t.Parallel()
	c := testConnector(t)
	degraded := c.events.Subscribe(bus.EventPlatformHealthDegraded, 2)

	c.reportFailure(context.Background(),
		venue.NewError(types.VenueKalshi, venue.KindUnauthorized, "rejected credentials", nil))

	select {
	case evt := <-degraded:
		if evt.Venue != types.VenueKalshi {
			t.Errorf("venue = %q", evt.Venue)
		}
		if critical, _ := evt.Payload["critical"].(bool); !critical {
			t.Error("auth rejection must escalate as critical")
		}
		if evt.Payload["reason"] != string(venue.KindUnauthorized) {
			t.Errorf("reason = %v", evt.Payload["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("no degradation signal for an auth rejection")
	}

	// Retryable transport noise stays local to the connector.
	c.reportFailure(context.Background(),
		venue.NewError(types.VenueKalshi, venue.KindNetwork, "timeout", nil))
	if len(degraded) != 0 {
		t.Error("network failure must not escalate")
	}
}

// scriptedConn is a wsConn that counts subscribe writes and blocks reads
// until closed.
type scriptedConn struct {
	mu     sync.Mutex
	subs   int
	closed bool
	readCh chan struct{}
}

func newScriptedConn() *scriptedConn { return &scriptedConn{readCh: make(chan struct{})} }

func (s *scriptedConn) WriteJSON(any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs++
	return nil
}
func (s *scriptedConn) WriteControl(int, []byte, time.Time) error { return nil }
func (s *scriptedConn) WriteMessage(int, []byte) error            { return nil }
func (s *scriptedConn) SetReadDeadline(time.Time) error           { return nil }
func (s *scriptedConn) SetPongHandler(func(string) error)         {}

func (s *scriptedConn) ReadMessage() (int, []byte, error) {
	<-s.readCh
	return 0, nil, errors.New("connection closed")
}

func (s *scriptedConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.readCh)
	}
	return nil
}

func (s *scriptedConn) subscribeWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

func TestReconnectResubscribesOnce(t *testing.T) {
	t.Parallel()
	c := testConnector(t)
	c.opts.ReconnectBase = time.Millisecond
	c.subs["T"] = func(context.Context, *types.NormalizedOrderBook) {}

	next := newScriptedConn()
	c.dialFn = func(context.Context) (wsConn, error) { return next, nil }

	first := newScriptedConn()
	first.Close() // the first read fails immediately, forcing a reconnect
	c.setConn(first)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.run(ctx, first)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for next.subscribeWrites() == 0 {
		select {
		case <-deadline:
			t.Fatal("no resubscribe after reconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := next.subscribeWrites(); n != 1 {
		t.Fatalf("subscribe commands after reconnect = %d, want exactly 1", n)
	}

	cancel()
	next.Close()
	<-done
}

func TestReconnectExhaustionSignalsDegradation(t *testing.T) {
	t.Parallel()
	c := testConnector(t)
	c.opts.ReconnectBase = time.Millisecond
	c.opts.MaxReconnects = 2
	degraded := c.events.Subscribe(bus.EventPlatformHealthDegraded, 1)

	c.dialFn = func(context.Context) (wsConn, error) { return nil, errors.New("refused") }

	if conn := c.reconnect(context.Background()); conn != nil {
		t.Fatal("reconnect must give up after the bounded attempts")
	}
	select {
	case evt := <-degraded:
		if evt.Payload["reason"] != "websocket_failure" {
			t.Errorf("reason = %v", evt.Payload["reason"])
		}
		if critical, _ := evt.Payload["critical"].(bool); !critical {
			t.Error("exhaustion must escalate as critical")
		}
	case <-time.After(time.Second):
		t.Fatal("no degradation signal after reconnect exhaustion")
	}
}
