package broker

import (
	"sync"

	"github.com/sablemq/sablemq/internal/packet"
)

// Publication is an immutable message body shared across every
// subscriber it's fanned out to, so N queued copies of the same
// PUBLISH don't each hold their own payload slice. Each one gets a
// stable integer id in the arena; Go's garbage collector reclaims it
// once the id is released and its refcount reaches zero.
type Publication struct {
	ID      uint64
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
	Retain  bool

	refCount int
}

// PublicationArena hands out stable Publication ids and reference
// counts them, so the routing path can store a shared *Publication in
// a per-client queued-message record instead of copying the payload.
type PublicationArena struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*Publication
}

func NewPublicationArena() *PublicationArena {
	return &PublicationArena{entries: make(map[uint64]*Publication)}
}

// New creates a Publication with refCount 1 (the caller's own
// reference) and stores it in the arena.
func (a *PublicationArena) New(topic string, payload []byte, qos packet.QoSLevel, retain bool) *Publication {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	pub := &Publication{
		ID:       a.nextID,
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retain:   retain,
		refCount: 1,
	}
	a.entries[pub.ID] = pub
	return pub
}

// Retain increments a Publication's reference count, once per
// subscriber it's queued to.
func (a *PublicationArena) Retain(pub *Publication) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pub.refCount++
}

// Release decrements a Publication's reference count and removes it
// from the arena once no subscriber still holds it.
func (a *PublicationArena) Release(pub *Publication) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pub.refCount--
	if pub.refCount <= 0 {
		delete(a.entries, pub.ID)
	}
}

// Get looks up a Publication by its stable id.
func (a *PublicationArena) Get(id uint64) (*Publication, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pub, ok := a.entries[id]
	return pub, ok
}

// Len reports how many distinct publications are currently live in
// the arena (for diagnostics / $SYS stats).
func (a *PublicationArena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
