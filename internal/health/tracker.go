// tracker.go maintains the per-venue health view fed by ingestion results
// and connector failure reports, and applies the auto-degradation rules:
// repeated protocol resyncs or repeated staleness within a window activate
// the degradation protocol for the offending venue.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"predarb/pkg/types"
)

// HealthLog is the append-only persistence sink for status changes.
type HealthLog interface {
	AppendHealth(ctx context.Context, v types.Venue, status types.HealthStatus, lastUpdate time.Time) error
}

// TrackerConfig bounds the auto-degradation rules. Threshold failures of
// one class within Window trigger activation; RecoveryThreshold successes
// in a row deactivate it again.
type TrackerConfig struct {
	ResyncThreshold   int
	StaleThreshold    int
	RecoveryThreshold int
	Window            time.Duration
}

// DefaultTrackerConfig mirrors the documented defaults: 3 events in 5m,
// 3 clean results to recover.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{ResyncThreshold: 3, StaleThreshold: 3, RecoveryThreshold: 3, Window: 5 * time.Minute}
}

type venueRecord struct {
	status    types.HealthStatus
	heartbeat time.Time
	latencies []int64
	resyncs   []time.Time
	stales    []time.Time
	successes int // consecutive successes while degraded
}

// Tracker holds health state for all venues.
type Tracker struct {
	mu       sync.Mutex
	records  map[types.Venue]*venueRecord
	cfg      TrackerConfig
	protocol *Protocol
	log      HealthLog
	logger   *slog.Logger
}

// NewTracker wires the tracker to the degradation protocol and an optional
// persistence sink (nil disables the health log).
func NewTracker(cfg TrackerConfig, protocol *Protocol, log HealthLog, logger *slog.Logger) *Tracker {
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 3
	}
	records := make(map[types.Venue]*venueRecord)
	for _, v := range types.Venues() {
		records[v] = &venueRecord{status: types.HealthDisconnected}
	}
	return &Tracker{
		records:  records,
		cfg:      cfg,
		protocol: protocol,
		log:      log,
		logger:   logger.With("component", "health"),
	}
}

// RecordSuccess notes a successful ingestion with its observed latency.
// For a degraded venue, RecoveryThreshold successes in a row clear the
// failure windows and deactivate the degradation protocol.
func (t *Tracker) RecordSuccess(ctx context.Context, v types.Venue, latency time.Duration) {
	degraded := t.protocol.IsDegraded(v)

	t.mu.Lock()
	rec := t.records[v]
	prev := rec.status
	rec.status = types.HealthHealthy
	rec.heartbeat = time.Now().UTC()
	rec.latencies = append(rec.latencies, latency.Milliseconds())
	if len(rec.latencies) > 64 {
		rec.latencies = rec.latencies[len(rec.latencies)-64:]
	}
	recovered := false
	if degraded {
		rec.successes++
		if rec.successes >= t.cfg.RecoveryThreshold {
			rec.successes = 0
			rec.resyncs = nil
			rec.stales = nil
			recovered = true
		}
	} else {
		rec.successes = 0
	}
	t.mu.Unlock()

	if prev != types.HealthHealthy {
		t.persist(ctx, v, types.HealthHealthy)
	}
	if recovered {
		t.protocol.Deactivate(ctx, v)
	}
}

// RecordTransportFailure downgrades the venue's status. Auth failures are
// critical and degrade the venue immediately.
func (t *Tracker) RecordTransportFailure(ctx context.Context, v types.Venue, critical bool, reason string) {
	t.mu.Lock()
	rec := t.records[v]
	prev := rec.status
	rec.status = types.HealthDegraded
	rec.successes = 0
	t.mu.Unlock()

	if prev != types.HealthDegraded {
		t.persist(ctx, v, types.HealthDegraded)
	}
	if critical {
		t.protocol.Activate(ctx, v, reason, time.Time{})
	}
}

// RecordResync notes a protocol resync (sequence gap or malformed frame).
// Crossing the configured threshold within the window activates the
// degradation protocol with reason protocol_resync.
func (t *Tracker) RecordResync(ctx context.Context, v types.Venue) {
	t.mu.Lock()
	rec := t.records[v]
	rec.resyncs = trim(append(rec.resyncs, time.Now()), t.cfg.Window)
	rec.successes = 0
	trip := len(rec.resyncs) >= t.cfg.ResyncThreshold
	t.mu.Unlock()

	if trip {
		t.protocol.Activate(ctx, v, "protocol_resync", time.Time{})
	}
}

// RecordStale notes a staleness discard. Repeated staleness activates
// degradation with reason data_stale.
func (t *Tracker) RecordStale(ctx context.Context, v types.Venue, lastDataAt time.Time) {
	t.mu.Lock()
	rec := t.records[v]
	rec.stales = trim(append(rec.stales, time.Now()), t.cfg.Window)
	rec.successes = 0
	trip := len(rec.stales) >= t.cfg.StaleThreshold
	t.mu.Unlock()

	if trip {
		t.protocol.Activate(ctx, v, "data_stale", lastDataAt)
	}
}

// Snapshot returns the current health view of a venue.
func (t *Tracker) Snapshot(v types.Venue) types.VenueHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.records[v]
	return types.VenueHealth{
		Venue:         v,
		Status:        rec.status,
		LastHeartbeat: rec.heartbeat,
		LatencyMs:     append([]int64(nil), rec.latencies...),
	}
}

func (t *Tracker) persist(ctx context.Context, v types.Venue, status types.HealthStatus) {
	if t.log == nil {
		return
	}
	if err := t.log.AppendHealth(ctx, v, status, time.Now().UTC()); err != nil {
		t.logger.Error("health log write failed", "venue", v, "error", err)
	}
}

func trim(events []time.Time, window time.Duration) []time.Time {
	cutoff := time.Now().Add(-window)
	i := 0
	for ; i < len(events); i++ {
		if events[i].After(cutoff) {
			break
		}
	}
	return events[i:]
}
