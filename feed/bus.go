// Package feed publishes session events to GUI clients over a websocket and
// accepts their commands over a small HTTP API.
package feed

import (
	"sync"

	"github.com/rigado/shieldlink"
)

const subscriberQueue = 64

type subscriber struct {
	ch chan shieldlink.Event
}

// Bus fans events out to all subscribers. Slow subscribers miss events
// instead of stalling the session loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe returns a receive channel and a function that unsubscribes and
// closes it.
func (b *Bus) Subscribe() (<-chan shieldlink.Event, func()) {
	s := &subscriber{ch: make(chan shieldlink.Event, subscriberQueue)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish implements shieldlink.EventHandler.
func (b *Bus) Publish(e shieldlink.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
