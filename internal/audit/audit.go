// Package audit maintains a tamper-evident operational log. Every entry
// carries the SHA-256 of its own canonical content plus the previous
// entry's hash, so any mutation of stored history breaks the chain at the
// first altered entry.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"predarb/internal/bus"
)

// GenesisHash seeds the chain before the first entry exists.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one immutable audit record.
type Entry struct {
	ID            int64          `db:"id" json:"id"`
	EventType     string         `db:"event_type" json:"event_type"`
	Module        string         `db:"module" json:"module"`
	CorrelationID string         `db:"correlation_id" json:"correlation_id,omitempty"`
	Details       map[string]any `db:"-" json:"details"`
	PreviousHash  string         `db:"previous_hash" json:"previous_hash"`
	CurrentHash   string         `db:"current_hash" json:"current_hash"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// Storage persists entries in id order. Implementations must assign ids
// monotonically so that range scans return chain order.
type Storage interface {
	// LastEntry returns the highest-id entry, or ok=false on an empty log.
	LastEntry(ctx context.Context) (Entry, bool, error)
	// Insert persists one entry and fills in its assigned id.
	Insert(ctx context.Context, e *Entry) error
	// Range returns entries with CreatedAt in [from, to], ascending by id.
	Range(ctx context.Context, from, to time.Time) ([]Entry, error)
	// EntryBefore returns the entry immediately preceding the given id,
	// or ok=false when id is the first entry.
	EntryBefore(ctx context.Context, id int64) (Entry, bool, error)
}

// VerificationResult reports the outcome of a chain scan.
type VerificationResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAtID     int64  `json:"broken_at_id,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

type appendRequest struct {
	eventType     string
	module        string
	correlationID string
	details       map[string]any
	done          chan error
}

// Log is the single-writer audit log. All appends are serialized through
// one goroutine so the in-memory chain head never races.
type Log struct {
	storage Storage
	events  *bus.Bus
	logger  *slog.Logger

	queue chan appendRequest
	wg    sync.WaitGroup

	mu       sync.Mutex
	lastHash string
	started  bool
}

// New creates an unstarted log over the given storage.
func New(storage Storage, events *bus.Bus, logger *slog.Logger) *Log {
	return &Log{
		storage: storage,
		events:  events,
		logger:  logger.With("component", "audit"),
		queue:   make(chan appendRequest, 256),
	}
}

// Start loads the chain head from storage and begins the writer loop.
func (l *Log) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	last, ok, err := l.storage.LastEntry(ctx)
	if err != nil {
		return fmt.Errorf("loading audit chain head: %w", err)
	}
	if ok {
		l.lastHash = last.CurrentHash
	} else {
		l.lastHash = GenesisHash
	}

	l.started = true
	l.wg.Add(1)
	go l.writeLoop()
	l.logger.Info("audit log started", "chain_head", l.lastHash[:12])
	return nil
}

// Close drains pending appends and stops the writer.
func (l *Log) Close() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	l.mu.Unlock()

	close(l.queue)
	l.wg.Wait()
}

// Append records one event and blocks until it is durably persisted or
// rejected. The error from a failed write is surfaced to the caller.
func (l *Log) Append(ctx context.Context, eventType, module string, details map[string]any) error {
	req := appendRequest{
		eventType:     eventType,
		module:        module,
		correlationID: bus.CorrelationID(ctx),
		details:       details,
		done:          make(chan error, 1),
	}
	// The enqueue happens under mu so it cannot race a Close that has
	// already closed the queue. The writer keeps draining until Close,
	// so holding mu across a full queue cannot deadlock.
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return fmt.Errorf("audit log not started")
	}
	select {
	case l.queue <- req:
		l.mu.Unlock()
	case <-ctx.Done():
		l.mu.Unlock()
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Log) writeLoop() {
	defer l.wg.Done()
	for req := range l.queue {
		req.done <- l.write(req)
	}
}

func (l *Log) write(req appendRequest) error {
	ctx := context.Background()
	entry := Entry{
		EventType:     req.eventType,
		Module:        req.module,
		CorrelationID: req.correlationID,
		Details:       req.details,
		PreviousHash:  l.lastHash,
		CreatedAt:     time.Now().UTC(),
	}
	hash, err := ComputeHash(entry)
	if err != nil {
		l.reportFailure(ctx, req, err)
		return err
	}
	entry.CurrentHash = hash

	if err := l.storage.Insert(ctx, &entry); err != nil {
		// One retry with the same content covers transient storage blips.
		if err = l.storage.Insert(ctx, &entry); err != nil {
			l.reportFailure(ctx, req, err)
			return err
		}
	}

	l.lastHash = entry.CurrentHash
	return nil
}

// reportFailure emits the write failure on the bus. It deliberately does
// not append the failure to the audit log itself.
func (l *Log) reportFailure(ctx context.Context, req appendRequest, err error) {
	l.logger.Error("audit write failed",
		"event_type", req.eventType,
		"module", req.module,
		"error", err,
	)
	l.events.Publish(ctx, bus.Event{
		Name: bus.EventAuditWriteFailed,
		Payload: map[string]any{
			"event_type": req.eventType,
			"module":     req.module,
			"error":      err.Error(),
		},
	})
}

// ComputeHash derives an entry's chain hash from its canonical content,
// its predecessor's hash, and its creation time.
func ComputeHash(e Entry) (string, error) {
	content, err := canonicalJSON(map[string]any{
		"event_type": e.EventType,
		"module":     e.Module,
		"details":    e.Details,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalizing audit entry: %w", err)
	}
	h := sha256.New()
	h.Write(content)
	h.Write([]byte(e.PreviousHash))
	h.Write([]byte(e.CreatedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalJSON serializes v with lexicographically sorted object keys at
// every nesting depth. The round trip through untyped maps forces struct
// and nested values into map form, which encoding/json emits key-sorted.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// VerifyRange recomputes the chain over entries created in [from, to].
// The entry immediately preceding the range anchors the first entry's
// previous-hash link; a range starting at the first entry anchors against
// the genesis hash instead.
func (l *Log) VerifyRange(ctx context.Context, from, to time.Time) (VerificationResult, error) {
	entries, err := l.storage.Range(ctx, from, to)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("loading audit range: %w", err)
	}
	if len(entries) == 0 {
		return VerificationResult{Valid: true}, nil
	}

	expectedPrev := GenesisHash
	prev, ok, err := l.storage.EntryBefore(ctx, entries[0].ID)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("loading range anchor: %w", err)
	}
	if ok {
		expectedPrev = prev.CurrentHash
	}

	result := VerificationResult{Valid: true}
	for _, e := range entries {
		result.EntriesChecked++
		if e.PreviousHash != expectedPrev {
			return VerificationResult{
				Valid:          false,
				EntriesChecked: result.EntriesChecked,
				BrokenAtID:     e.ID,
				Detail:         "previous hash does not chain",
			}, nil
		}
		recomputed, err := ComputeHash(e)
		if err != nil {
			return VerificationResult{}, err
		}
		if recomputed != e.CurrentHash {
			return VerificationResult{
				Valid:          false,
				EntriesChecked: result.EntriesChecked,
				BrokenAtID:     e.ID,
				Detail:         "recomputed hash mismatch",
			}, nil
		}
		expectedPrev = e.CurrentHash
	}
	return result, nil
}
