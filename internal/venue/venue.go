// Package venue defines the uniform connector interface both venues
// implement, plus the typed platform error taxonomy surfaced by them.
//
// Connectors own their transports, local book states, and rate limiters.
// The ingestion pipeline talks to them exclusively through this interface,
// and receives live updates through an injected callback rather than an
// import cycle.
package venue

import (
	"context"

	"predarb/pkg/types"
)

// BookUpdateFunc is invoked by a connector whenever a live book update has
// been reconstructed and normalized. Implementations must not block; slow
// work is handed off by the subscriber.
type BookUpdateFunc func(ctx context.Context, book *types.NormalizedOrderBook)

// Connector is the uniform interface over one venue's transport. The paper
// trading wrapper decorates this same interface, delegating data methods
// and simulating execution.
type Connector interface {
	// Platform returns the stable venue identifier.
	Platform() types.Venue

	// Connect establishes the WebSocket transport and starts its read
	// loop. It returns once the initial connection attempt resolves;
	// reconnection is handled internally.
	Connect(ctx context.Context) error

	// Disconnect closes the transport with a normal close code and drops
	// all local book state.
	Disconnect(ctx context.Context) error

	// OrderBook fetches the current book for a contract over REST,
	// normalized to canonical form.
	OrderBook(ctx context.Context, contractID string) (*types.NormalizedOrderBook, error)

	// SubscribeBookUpdates registers a contract for live updates. The
	// callback receives every normalized book the stream produces.
	SubscribeBookUpdates(ctx context.Context, contractID string, fn BookUpdateFunc) error

	// SubmitOrder places an order on the venue. The data-plane connectors
	// surface a not-implemented platform error; execution sits above this
	// layer.
	SubmitOrder(ctx context.Context, req types.OrderRequest) (*types.OrderState, error)

	// OrderState fetches the venue's view of a previously submitted order.
	OrderState(ctx context.Context, orderID string) (*types.OrderState, error)

	// FeeSchedule returns the venue's current trading costs.
	FeeSchedule() types.FeeSchedule

	// Health returns the connector's current health view.
	Health() types.VenueHealth
}
