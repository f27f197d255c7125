// Package health tracks per-venue liveness and runs the degradation
// protocol that switches a venue between HEALTHY and DEGRADED, keeps data
// flowing over REST polling while degraded, and widens the detection
// threshold for the venues that remain healthy.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"predarb/internal/bus"
	"predarb/internal/num"
	"predarb/pkg/types"
)

// State is the per-venue degradation record. Present iff the venue is
// currently degraded.
type State struct {
	Venue         types.Venue `json:"venue"`
	DegradedAt    time.Time   `json:"degraded_at"`
	Reason        string      `json:"reason"`
	PollingCycles int         `json:"polling_cycles"`
	LastDataAt    time.Time   `json:"last_data_at,omitempty"`
}

// Protocol is the process-wide degradation decision layer. It is the sole
// coupling between ops state and detection math: detection consults
// EdgeThresholdMultiplier and nothing else.
type Protocol struct {
	mu         sync.RWMutex
	states     map[types.Venue]*State
	multiplier decimal.Decimal
	events     *bus.Bus
	logger     *slog.Logger
}

// NewProtocol creates the protocol with the configured widening multiplier
// (1.5 by default at the config layer).
func NewProtocol(multiplier decimal.Decimal, events *bus.Bus, logger *slog.Logger) *Protocol {
	return &Protocol{
		states:     make(map[types.Venue]*State),
		multiplier: multiplier,
		events:     events,
		logger:     logger.With("component", "degradation"),
	}
}

// Activate marks a venue degraded. Idempotent: a second call for an
// already-degraded venue is a no-op.
func (p *Protocol) Activate(ctx context.Context, v types.Venue, reason string, lastDataAt time.Time) {
	p.mu.Lock()
	if _, ok := p.states[v]; ok {
		p.mu.Unlock()
		return
	}
	p.states[v] = &State{
		Venue:      v,
		DegradedAt: time.Now().UTC(),
		Reason:     reason,
		LastDataAt: lastDataAt,
	}
	healthy := p.healthyLocked()
	p.mu.Unlock()

	p.logger.Warn("degradation protocol activated", "venue", v, "reason", reason)
	p.events.Publish(ctx, bus.Event{
		Name:  bus.EventDegradationActivated,
		Venue: v,
		Payload: map[string]any{
			"reason":         reason,
			"healthy_venues": healthy,
		},
	})
}

// Deactivate clears a venue's degraded state. No-op if not degraded.
func (p *Protocol) Deactivate(ctx context.Context, v types.Venue) {
	p.mu.Lock()
	st, ok := p.states[v]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.states, v)
	p.mu.Unlock()

	outage := time.Since(st.DegradedAt)
	p.logger.Info("degradation protocol deactivated",
		"venue", v,
		"outage_ms", outage.Milliseconds(),
		"polling_cycles", st.PollingCycles,
	)
	p.events.Publish(ctx, bus.Event{
		Name:  bus.EventDegradationDeactivated,
		Venue: v,
		Payload: map[string]any{
			"reason":         st.Reason,
			"outage_ms":      outage.Milliseconds(),
			"polling_cycles": st.PollingCycles,
		},
	})
	p.events.Publish(ctx, bus.Event{
		Name:  bus.EventPlatformRecovered,
		Venue: v,
		Payload: map[string]any{
			"outage_ms": outage.Milliseconds(),
		},
	})
}

// IncrementPollingCycle bumps the polling counter if the venue is
// degraded.
func (p *Protocol) IncrementPollingCycle(v types.Venue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[v]; ok {
		st.PollingCycles++
	}
}

// IsDegraded reports whether the venue is currently degraded.
func (p *Protocol) IsDegraded(v types.Venue) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.states[v]
	return ok
}

// GetState returns a copy of the venue's degradation state, or nil.
func (p *Protocol) GetState(v types.Venue) *State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[v]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

// DegradedVenues returns the set of currently degraded venues.
func (p *Protocol) DegradedVenues() []types.Venue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Venue, 0, len(p.states))
	for v := range p.states {
		out = append(out, v)
	}
	return out
}

// EdgeThresholdMultiplier returns the detection threshold multiplier for
// trades whose buy leg is on v:
//
//	1.0        if v is itself degraded (its data is unreliable; do not trade it),
//	multiplier if v is healthy but any other venue is degraded,
//	1.0        if all venues are healthy.
func (p *Protocol) EdgeThresholdMultiplier(v types.Venue) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.states[v]; ok {
		return num.One
	}
	if len(p.states) > 0 {
		return p.multiplier
	}
	return num.One
}

func (p *Protocol) healthyLocked() []types.Venue {
	out := make([]types.Venue, 0, 2)
	for _, v := range types.Venues() {
		if _, ok := p.states[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
