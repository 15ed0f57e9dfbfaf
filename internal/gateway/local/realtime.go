package local

import (
	"context"
	"sync"

	"chatsync/internal/gateway"
)

// subscriberBuffer sizes each change feed channel. Events arriving
// while a transcript is still bulk-loading queue here.
const subscriberBuffer = 256

// Subscribe implements gateway.Gateway.
func (l *Local) Subscribe(table string, cond *gateway.Cond) (<-chan gateway.Event, func(), error) {
	if err := checkTable(table); err != nil {
		return nil, nil, err
	}

	ch := make(chan gateway.Event, subscriberBuffer)
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = &subscriber{table: table, cond: cond, ch: ch}
	l.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
	return ch, stop, nil
}

// Broadcast implements gateway.Gateway. Handlers run on the caller's
// goroutine; the payload is shared, handlers must not mutate it.
func (l *Local) Broadcast(_ context.Context, channel, event string, payload []byte) error {
	l.mu.RLock()
	var fns []func([]byte)
	for _, h := range l.handlers {
		if h.channel == channel && h.event == event {
			fns = append(fns, h.fn)
		}
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(payload)
	}
	return nil
}

// OnBroadcast implements gateway.Gateway.
func (l *Local) OnBroadcast(channel, event string, fn func(payload []byte)) (func(), error) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.handlers[id] = &broadcastHandler{channel: channel, event: event, fn: fn}
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.handlers, id)
			l.mu.Unlock()
		})
	}, nil
}
