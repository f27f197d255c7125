// ws.go maintains the Polymarket market-channel WebSocket.
//
// Two frame types matter: "book" (full snapshot, replaces local state) and
// "price_change" (per-asset level updates applied to an existing state).
// A price_change for an asset with no prior snapshot is dropped. Books
// older than 30s at emit time are discarded with a data.stale event rather
// than propagated.
package polymarket

import (
	"context"
	"encoding/json"
	"math/rand"
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

type wsConn interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Connect dials the market WS endpoint and starts the read loop. The
// handshake sends an empty auth object; book data is public.
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
// local state.
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
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.WSURL, nil)
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
		jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jittered):
		}

		conn, err := c.dial(ctx)
		if err == nil {
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

func (c *Connector) readLoop(ctx context.Context, conn wsConn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	if err := c.sendInitialSubscription(); err != nil {
		return err
	}

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

func (c *Connector) sendInitialSubscription() error {
	c.mu.Lock()
	tokens := make([]string, 0, len(c.subs))
	for id := range c.subs {
		tokens = append(tokens, id)
	}
	c.mu.Unlock()
	return c.sendSubscribe(tokens)
}

func (c *Connector) sendSubscribe(tokens []string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil || len(tokens) == 0 {
		return nil
	}
	msg := types.PolyWSSubscribeMsg{
		Type:     "subscribe",
		Markets:  []string{},
		AssetIDs: tokens,
	}
	return c.conn.WriteJSON(msg)
}

func (c *Connector) dispatch(ctx context.Context, data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json ws message")
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.PolyWSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal book event", "error", err)
			return
		}
		c.handleBook(ctx, evt)

	case "price_change":
		var evt types.PolyWSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		c.handlePriceChange(ctx, evt)

	default:
		c.logger.Debug("ignoring ws event", "type", envelope.EventType)
	}
}

// handleBook replaces the local state for one token with a full snapshot.
func (c *Connector) handleBook(ctx context.Context, evt types.PolyWSBookEvent) {
	c.mu.Lock()
	c.books[evt.AssetID] = &localState{
		bids:       evt.Buys,
		asks:       evt.Sells,
		observedAt: parseMillis(evt.Timestamp),
	}
	c.mu.Unlock()

	c.emit(ctx, evt.AssetID)
}

// handlePriceChange applies per-asset level updates to existing states.
// Updates for assets without a prior snapshot are dropped.
func (c *Connector) handlePriceChange(ctx context.Context, evt types.PolyWSPriceChangeEvent) {
	observedAt := parseMillis(evt.Timestamp)
	touched := make([]string, 0, len(evt.PriceChanges))

	c.mu.Lock()
	for _, pc := range evt.PriceChanges {
		state, ok := c.books[pc.AssetID]
		if !ok {
			continue
		}
		if pc.Side == "BUY" {
			state.bids = applyLevel(state.bids, pc.Price, pc.Size)
		} else {
			state.asks = applyLevel(state.asks, pc.Price, pc.Size)
		}
		state.observedAt = observedAt
		touched = append(touched, pc.AssetID)
	}
	c.mu.Unlock()

	for _, id := range touched {
		c.emit(ctx, id)
	}
}

// applyLevel sets or removes one price level. Size "0" removes it.
func applyLevel(levels []types.PolyPriceLevel, price, size string) []types.PolyPriceLevel {
	for i, lvl := range levels {
		if lvl.Price == price {
			if size == "0" || size == "" {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size == "0" || size == "" {
		return levels
	}
	return append(levels, types.PolyPriceLevel{Price: price, Size: size})
}

// emit normalizes a token's state and invokes the subscriber callback,
// unless the book is stale.
func (c *Connector) emit(ctx context.Context, tokenID string) {
	c.mu.Lock()
	state, ok := c.books[tokenID]
	if !ok {
		c.mu.Unlock()
		return
	}
	bids := append([]types.PolyPriceLevel(nil), state.bids...)
	asks := append([]types.PolyPriceLevel(nil), state.asks...)
	observedAt := state.observedAt
	fn := c.subs[tokenID]
	c.mu.Unlock()

	if age := time.Since(observedAt); age > maxBookAge {
		c.events.Publish(bus.WithCorrelation(ctx, ""), bus.Event{
			Name:    bus.EventDataStale,
			Venue:   types.VenuePolymarket,
			Payload: map[string]any{"contract_id": tokenID, "stale_ms": age.Milliseconds()},
		})
		return
	}

	nb, err := book.NormalizePolymarket(tokenID, bids, asks, observedAt)
	if err != nil {
		c.logger.Warn("discarding invalid book", "token", tokenID, "error", err)
		return
	}

	c.markSuccess(0)
	if fn != nil {
		fn(bus.WithCorrelation(ctx, ""), nb)
	}
}

func (c *Connector) dropAllBooks() {
	c.mu.Lock()
	c.books = make(map[string]*localState)
	c.mu.Unlock()
}
