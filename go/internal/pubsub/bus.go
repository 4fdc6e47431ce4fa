package pubsub

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Bus is a typed in-process fan-out. Publish calls every subscriber
// synchronously, in subscription order.
type Bus[T any] struct {
	name string

	mu   sync.RWMutex
	subs []subscriber[T]
	next uint64
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// NewBus creates a bus; name only appears in logs
func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{name: name}
}

// Subscribe registers fn. The returned func removes it and may be called more than once.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers v to every current subscriber. A panicking subscriber is
// logged and does not stop delivery to the rest.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, v)
	}
}

func (b *Bus[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Err(fmt.Errorf("%v", r)).Str("bus", b.name).Msg("subscriber panicked")
		}
	}()
	s.fn(v)
}

// Len returns the number of subscribers
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
