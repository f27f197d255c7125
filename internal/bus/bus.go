// Package bus is the process-internal event bus.
//
// Every domain event flows through one Bus as a typed Event envelope.
// Subscribers register a dot-notation pattern ("orderbook.updated",
// "detection.*", or "*") and receive matching events on a buffered channel.
// Delivery is non-blocking: a full subscriber channel drops the event with
// a warning rather than stalling the publisher, mirroring how the venue
// feeds drop on slow consumers.
package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"predarb/pkg/types"
)

// Event names, dot-notation lowercase.
const (
	EventOrderbookUpdated       = "orderbook.updated"
	EventDataStale              = "data.stale"
	EventPlatformHealthDegraded = "platform.health.degraded"
	EventProtocolResync         = "platform.protocol.resync"
	EventPlatformRecovered      = "platform.health.recovered"
	EventDegradationActivated   = "degradation.protocol.activated"
	EventDegradationDeactivated = "degradation.protocol.deactivated"
	EventOpportunityIdentified  = "detection.opportunity.identified"
	EventOpportunityFiltered    = "detection.opportunity.filtered"
	EventDetectionCycle         = "detection.cycle.completed"
	EventSystemHealthCritical   = "system.health.critical"
	EventAuditWriteFailed       = "monitoring.audit.write_failed"
	EventTimeDriftWarning       = "time.drift.warning"
	EventTimeDriftCritical      = "time.drift.critical"
	EventTimeDriftHalt          = "time.drift.halt"
)

// Event is the envelope every published record travels in.
type Event struct {
	Name          string         `json:"name"`
	Venue         types.Venue    `json:"venue,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	At            time.Time      `json:"at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type subscriber struct {
	pattern string
	ch      chan Event
}

// Bus dispatches events to pattern subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "bus")}
}

// Subscribe registers a pattern and returns the delivery channel. Patterns
// are an exact name, a prefix wildcard like "detection.*", or "*" for all
// events.
func (b *Bus) Subscribe(pattern string, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, &subscriber{pattern: pattern, ch: ch})
	b.mu.Unlock()
	return ch
}

// Publish stamps the event with UTC time and the context's correlation id,
// then fans it out to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = CorrelationID(ctx)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !Match(s.pattern, evt.Name) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"event", evt.Name,
				"pattern", s.pattern,
			)
		}
	}
}

// Match reports whether a dot-notation pattern matches an event name.
func Match(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(name, prefix+".")
	}
	return false
}

type ctxKey struct{}

// WithCorrelation attaches a correlation id to ctx, generating a fresh
// UUIDv4 when id is empty. Each logical operation (a detection cycle, a WS
// update) calls this once at its origin.
func WithCorrelation(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationID returns the correlation id carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}
