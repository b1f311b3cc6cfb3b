package pipeline

import (
	"sync"

	"github.com/verbumlabs/verbum/internal/models"
)

// Event is a typed notification published by the pipeline. The transport
// layer subscribes; no pipeline logic depends on subscriber identity.
type Event interface{ event() }

// SegmentProduced carries segments produced or updated for a session, in
// transcript order.
type SegmentProduced struct {
	SessionID string                     `json:"session_id"`
	Segments  []models.TranscriptSegment `json:"segments"`
}

// SessionStateChanged reports a session lifecycle transition.
type SessionStateChanged struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

func (SegmentProduced) event()     {}
func (SessionStateChanged) event() {}

// Bus is an in-process publish/subscribe fanout. Publish never blocks; a
// subscriber that falls behind loses events rather than stalling sessions.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel func. buffer bounds the
// per-subscriber backlog.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
