// ws.go maintains the Kalshi trade-api WebSocket stream.
//
// The stream carries two frame types per subscribed market:
// "orderbook_snapshot" (replaces local state) and "orderbook_delta"
// (mutates one level). Deltas must arrive in strict sequence order; a gap
// discards the local book and reissues the subscription to force a fresh
// snapshot. The connection is kept alive with a ping every 30s and torn
// down when no pong arrives within 10s.
package kalshi

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"predarb/internal/book"
	"predarb/internal/bus"
	"predarb/pkg/types"
)

const (
	connectTimeout = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// wsConn is the subset of *websocket.Conn the message path uses; tests
// substitute a fake.
type wsConn interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Connect dials the WS endpoint and starts the read loop with automatic
// reconnection. The initial dial must complete within 10s.
func (c *Connector) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx, conn)
	}()
	return nil
}

// Disconnect closes the socket with a normal close code and drops all
// local book state so the next snapshot seeds cleanly.
func (c *Connector) Disconnect(ctx context.Context) error {
	if c.cancelRun != nil {
		c.cancelRun()
	}
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	c.dropAllBooks()
	c.markDisconnected()
	c.wg.Wait()
	return nil
}

func (c *Connector) dial(ctx context.Context) (wsConn, error) {
	headers, err := c.signer.Headers(http.MethodGet, wsPath)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	for k, v := range headers {
		hdr.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.WSURL, hdr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Connector) setConn(conn wsConn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

// run reads from conn until failure, then reconnects with jittered
// exponential backoff, bounded by MaxReconnects per outage.
func (c *Connector) run(ctx context.Context, conn wsConn) {
	for {
		err := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("websocket disconnected", "error", err)
		c.markDisconnected()
		c.dropAllBooks()

		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (c *Connector) reconnect(ctx context.Context) wsConn {
	delay := c.opts.ReconnectBase
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		// 0.5x-1.5x jitter on the configured base
		jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jittered):
		}

		conn, err := c.dialConn(ctx)
		if err == nil {
			// readLoop resubscribes every tracked ticker on entry.
			c.setConn(conn)
			c.logger.Info("websocket reconnected", "attempt", attempt)
			return conn
		}
		c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)

		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
	c.logger.Error("reconnect attempts exhausted", "max", c.opts.MaxReconnects)
	c.events.Publish(bus.WithCorrelation(ctx, ""), bus.Event{
		Name:  bus.EventPlatformHealthDegraded,
		Venue: c.Platform(),
		Payload: map[string]any{
			"reason":   "websocket_failure",
			"critical": true,
		},
	})
	return nil
}

// dialConn uses the injected dialer when one is set; tests substitute it.
func (c *Connector) dialConn(ctx context.Context) (wsConn, error) {
	if c.dialFn != nil {
		return c.dialFn(ctx)
	}
	return c.dial(ctx)
}

func (c *Connector) readLoop(ctx context.Context, conn wsConn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	// Send subscriptions for every tracked ticker on every (re)connect.
	c.resubscribeAll()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(ctx, data)
	}
}

func (c *Connector) pingLoop(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(pongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Connector) dispatch(ctx context.Context, data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json ws message")
		return
	}

	switch envelope.Type {
	case "orderbook_snapshot":
		var snap types.KalshiWSSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			c.logger.Error("unmarshal snapshot", "error", err)
			return
		}
		c.handleSnapshot(ctx, snap.Msg.MarketTicker, snap.Msg.Yes, snap.Msg.No, snap.Seq)

	case "orderbook_delta":
		var delta types.KalshiWSDelta
		if err := json.Unmarshal(data, &delta); err != nil {
			c.logger.Error("unmarshal delta", "error", err)
			return
		}
		c.handleDelta(ctx, delta.Msg.MarketTicker, delta.Seq, delta.Msg.Price, delta.Msg.Delta, delta.Msg.Side)

	default:
		c.logger.Debug("ignoring ws frame", "type", envelope.Type)
	}
}

// handleSnapshot replaces local state for the ticker and emits the
// normalized book.
func (c *Connector) handleSnapshot(ctx context.Context, ticker string, yes, no [][2]int64, seq int64) {
	c.mu.Lock()
	lb := newLocalBook(ticker)
	lb.applySnapshot(yes, no, seq)
	c.books[ticker] = lb
	c.mu.Unlock()

	c.emit(ctx, ticker)
}

// handleDelta applies one sequence-checked level change. A gap, or a delta
// for a ticker with no snapshot, discards local state and reissues the
// subscription to force a fresh snapshot.
func (c *Connector) handleDelta(ctx context.Context, ticker string, seq, price, qtyDelta int64, side string) {
	c.mu.Lock()
	lb, ok := c.books[ticker]
	if !ok || !lb.applyDelta(seq, price, qtyDelta, side) {
		delete(c.books, ticker)
		c.mu.Unlock()

		if ok {
			c.logger.Warn("sequence gap, resubscribing",
				"ticker", ticker, "have", lb.lastSeq, "got", seq)
			c.events.Publish(bus.WithCorrelation(ctx, ""), bus.Event{
				Name:    bus.EventProtocolResync,
				Venue:   c.Platform(),
				Payload: map[string]any{"contract_id": ticker, "have_seq": lb.lastSeq, "got_seq": seq},
			})
		}
		if err := c.sendSubscribe(ticker); err != nil {
			c.logger.Error("resubscribe failed", "ticker", ticker, "error", err)
		}
		return
	}
	c.mu.Unlock()

	c.emit(ctx, ticker)
}

// emit normalizes the ticker's ladders and invokes the subscriber
// callback. Invalid books are discarded and logged.
func (c *Connector) emit(ctx context.Context, ticker string) {
	c.mu.Lock()
	lb, ok := c.books[ticker]
	if !ok {
		c.mu.Unlock()
		return
	}
	yes, no := lb.levels()
	seq := lb.lastSeq
	fn := c.subs[ticker]
	c.mu.Unlock()

	nb, err := book.NormalizeKalshi(ticker, yes, no, seq, time.Now().UTC())
	if err != nil {
		c.logger.Warn("discarding invalid book", "ticker", ticker, "error", err)
		return
	}

	c.markSuccess(0)
	if fn != nil {
		fn(bus.WithCorrelation(ctx, ""), nb)
	}
}

func (c *Connector) resubscribeAll() {
	c.mu.Lock()
	tickers := make([]string, 0, len(c.subs))
	for t := range c.subs {
		tickers = append(tickers, t)
	}
	c.mu.Unlock()

	for _, t := range tickers {
		if err := c.sendSubscribe(t); err != nil {
			c.logger.Error("subscribe failed", "ticker", t, "error", err)
		}
	}
}

func (c *Connector) sendSubscribe(ticker string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil // sent on next connect
	}
	c.cmdID++
	cmd := types.KalshiWSCommand{
		ID:  c.cmdID,
		Cmd: "subscribe",
		Params: types.KalshiWSCommandParams{
			Channels:     []string{"orderbook_delta"},
			MarketTicker: ticker,
		},
	}
	return c.conn.WriteJSON(cmd)
}

func (c *Connector) dropAllBooks() {
	c.mu.Lock()
	c.books = make(map[string]*localBook)
	c.mu.Unlock()
}
