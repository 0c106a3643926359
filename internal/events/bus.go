// Package events fans domain events out to subscribers.
package events

import (
	"sync"

	"github.com/samber/lo"
	"github.com/vburojevic/rtckeep/internal/domain"
)

// Handler receives events synchronously on the publisher's goroutine.
// Handlers must not block.
type Handler func(domain.Event)

// Bus is a publish/subscribe hub for domain.Event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id      int
	types   []domain.EventType // empty means all
	handler Handler
}

func (s subscription) wants(t domain.EventType) bool {
	return len(s.types) == 0 || lo.Contains(s.types, t)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for the given event types, or for all events when
// none are given. The returned func removes the subscription.
func (b *Bus) Subscribe(h Handler, types ...domain.EventType) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, types: types, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs = lo.Reject(b.subs, func(s subscription, _ int) bool { return s.id == id })
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every matching subscriber in subscription order.
// Subscribers added or removed during delivery take effect on the next event.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		if s.wants(ev.Type) {
			s.handler(ev)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
