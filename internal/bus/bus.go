// Package bus is the in-process publish/subscribe channel that decouples
// the read-state reconciler from its observers (directory list, global
// unread badge) and the transcript from view code.
package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus fans events out to subscribers by kind prefix. Delivery is
// non-blocking: a subscriber that does not drain its channel loses
// events rather than stalling publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// A zero Timestamp is filled in with the current time.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
				// Slow subscriber; drop rather than block.
			}
		}
	}
}

// Subscribe registers interest in all kinds starting with prefix. The
// empty prefix matches everything. Returns the delivery channel and an
// unsubscribe function; unsubscribe is idempotent.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}
