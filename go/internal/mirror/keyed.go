package mirror

import (
	"context"
	"errors"
	"sync"
)

// UpdateFunc receives the current value (nil when absent) and returns the new
// one. Returning a nil value deletes the entry.
type UpdateFunc func(current []byte) ([]byte, error)

// Updater is a Store with its own atomic read-modify-write
type Updater interface {
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Keyed serializes read-modify-write cycles per key so concurrent writers to
// the same entry do not clobber each other. Writers to different keys proceed
// in parallel.
type Keyed struct {
	store Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed(store Store) *Keyed {
	return &Keyed{store: store, locks: make(map[string]*keyLock)}
}

// Store returns the underlying store
func (k *Keyed) Store() Store { return k.store }

// Get reads a key without taking the write lock
func (k *Keyed) Get(ctx context.Context, key string) ([]byte, error) {
	return k.store.Get(ctx, key)
}

// Update runs fn against the full entry under the key's lock and writes the result
func (k *Keyed) Update(ctx context.Context, key string, fn UpdateFunc) error {
	unlock := k.lock(key)
	defer unlock()

	if u, ok := k.store.(Updater); ok {
		return u.Update(ctx, key, fn)
	}

	current, err := k.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		if current == nil {
			return nil
		}
		return k.store.Delete(ctx, key)
	}
	return k.store.Put(ctx, key, next)
}

func (k *Keyed) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
