// Package logbus implements the in-memory log ring that backs the
// /api/logs tail and the /api/logs/stream SSE fan-out.
package logbus

import (
	"sync"
	"time"
)

// Capacity is the number of entries the ring retains; the oldest entry is
// evicted on overflow.
const Capacity = 200

// Entry is one structured log entry.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Service   string         `json:"service,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber receives entries in append order. A subscriber that returns an
// error is removed; there is no backpressure.
type Subscriber func(Entry) error

// Bus is a bounded ring of log entries with subscriber fan-out. Append order
// is preserved across all subscribers: storage and delivery happen under one
// lock, so every subscriber observes a suffix of the append sequence.
type Bus struct {
	mu      sync.Mutex
	entries []Entry
	subs    map[uint64]Subscriber
	nextID  uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		entries: make([]Entry, 0, Capacity),
		subs:    make(map[uint64]Subscriber),
	}
}

// Append stores the entry, evicting the oldest when full, then delivers it
// to every subscriber. Failing subscribers are dropped.
func (b *Bus) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= Capacity {
		b.entries = append(b.entries[1:len(b.entries):len(b.entries)], e)
	} else {
		b.entries = append(b.entries, e)
	}

	for id, sub := range b.subs {
		if err := sub(e); err != nil {
			delete(b.subs, id)
		}
	}
}

// Subscribe registers a subscriber and returns a cancel function.
func (b *Bus) Subscribe(sub Subscriber) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Recent returns the last n entries, oldest first. n <= 0 returns the whole
// ring.
func (b *Bus) Recent(n int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]Entry, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

// Len returns the number of stored entries.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
