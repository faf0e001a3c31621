// Package events is the change-notification bus. The sync orchestrator and
// the realtime channel publish discrete change events here; any interested
// consumer can subscribe without the engine knowing who is listening.
package events

import "sync"

// Kind classifies what happened to an entity.
type Kind string

const (
	KindApplied  Kind = "applied"  // remote state written to the local store
	KindPushed   Kind = "pushed"   // local mutation acknowledged by the server
	KindConflict Kind = "conflict" // divergence detected, awaiting resolution
	KindFailed   Kind = "failed"   // retries exhausted
	KindPurged   Kind = "purged"   // tombstone removed after delete ack
)

// ChangeEvent is one discrete notification about an entity.
type ChangeEvent struct {
	EntityType string
	EntityID   string
	Kind       Kind
	Version    int64
}

// Bus fans ChangeEvents out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events rather than stalling sync.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan ChangeEvent
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe registers a listener with the given buffer size and returns its
// channel plus a cancel function. Cancel is idempotent.
func (b *Bus) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ChangeEvent, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber with room in its buffer.
func (b *Bus) Publish(ev ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
