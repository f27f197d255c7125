package alert

import (
	"sort"
	"sync"
	"time"
)

// Message is one pending or in-flight alert.
type Message struct {
	EventType     string         `json:"event_type"`
	Severity      Severity       `json:"severity"`
	Venue         string         `json:"venue,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`

	seq uint64
}

// buffer holds undelivered messages up to a fixed capacity, evicting the
// oldest message of the lowest present severity on overflow.
type buffer struct {
	mu       sync.Mutex
	capacity int
	items    []Message
	nextSeq  uint64
}

func newBuffer(capacity int) *buffer {
	return &buffer{capacity: capacity}
}

// push appends m, evicting the oldest message of the lowest severity when
// full. The incoming message is itself an eviction candidate: at capacity
// it is dropped outright when its severity is below everything buffered.
// push reports whether any message was evicted.
func (b *buffer) push(m Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	m.seq = b.nextSeq
	b.nextSeq++

	if len(b.items) < b.capacity {
		b.items = append(b.items, m)
		return false
	}
	victim := b.lowestLocked()
	if m.Severity < b.items[victim].Severity {
		return true // incoming is the lowest priority; drop it
	}
	b.items = append(b.items[:victim], b.items[victim+1:]...)
	b.items = append(b.items, m)
	return true
}

// lowestLocked returns the index of the oldest message of the lowest
// severity present.
func (b *buffer) lowestLocked() int {
	victim := 0
	for i := 1; i < len(b.items); i++ {
		if b.items[i].Severity < b.items[victim].Severity ||
			(b.items[i].Severity == b.items[victim].Severity && b.items[i].seq < b.items[victim].seq) {
			victim = i
		}
	}
	return victim
}

// drainSorted removes and returns every buffered message, highest
// severity first and oldest first within a severity.
func (b *buffer) drainSorted() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
