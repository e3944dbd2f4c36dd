package orchestrator

import (
	"sync"
	"time"
)

// EventType tags supervisor events on the SSE stream.
type EventType string

const (
	EventState    EventType = "state"
	EventDelta    EventType = "delta"
	EventQuestion EventType = "question"
	EventRule     EventType = "rule"
	EventDecision EventType = "decision"
	EventServer   EventType = "server"
)

// Event is one dashboard-visible occurrence.
type Event struct {
	Type    EventType `json:"type"`
	Session string    `json:"session"`
	Data    any       `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// Broadcaster fans events out to SSE subscribers. Slow subscribers drop
// events rather than stall the supervisor.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and its cancel func. The channel is
// closed on cancel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers an event to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
