package protocol

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Slot identifies a replaceable document: only the newest event per slot
// is current.
type Slot struct {
	PubKey string
	Kind   int
	D      string
}

// SlotOf returns the slot ev occupies.
func SlotOf(ev *nostr.Event) Slot {
	d, _ := TagValue(ev, "d")
	return Slot{PubKey: ev.PubKey, Kind: ev.Kind, D: d}
}

// Newer reports whether a supersedes b. A greater created_at wins; on a
// tie the lexically lower id wins, so every observer picks the same event
// regardless of delivery order.
func Newer(a, b *nostr.Event) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}

// Latest tracks the current event per slot. It is safe for concurrent use
// by deliveries from several relays.
type Latest struct {
	mu  sync.Mutex
	cur map[Slot]*nostr.Event
}

func NewLatest() *Latest {
	return &Latest{cur: make(map[Slot]*nostr.Event)}
}

// Offer considers ev for its slot and reports whether it became current.
// Re-offering the current event reports false.
func (l *Latest) Offer(ev *nostr.Event) bool {
	slot := SlotOf(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !Newer(ev, l.cur[slot]) {
		return false
	}
	l.cur[slot] = ev
	return true
}

// Current returns the newest event seen for slot.
func (l *Latest) Current(slot Slot) (*nostr.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.cur[slot]
	return ev, ok
}

// Forget drops the slot.
func (l *Latest) Forget(slot Slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cur, slot)
}
