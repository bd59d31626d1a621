package sandbox

import (
	"sync"
)

// Event is one install progress event broadcast to SSE subscribers.
type Event struct {
	Type      string  `json:"type"`
	Component string  `json:"component,omitempty"`
	Progress  float64 `json:"progress"`
	Skipped   bool    `json:"skipped,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Event types emitted during an install.
const (
	EventStart          = "start"
	EventAttach         = "attach"
	EventComponentStart = "component_start"
	EventComponentDone  = "component_done"
	EventError          = "error"
	EventComplete       = "complete"
)

// broadcaster fans install events out to a set of subscriber channels. Slow
// subscribers drop events; the stream is best-effort.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]chan Event)}
}

// subscribe registers a channel and returns it with a cancel function.
func (b *broadcaster) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
