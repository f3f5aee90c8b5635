// Package watch provides a small replay-latest observable value. It is
// the channel-based equivalent of a state flow: observers always see
// the most recent value immediately on subscription, and intermediate
// values may be coalesced if an observer falls behind.
package watch

import (
	"context"
	"sync"
)

// Value holds a current value of type T and broadcasts updates to any
// number of watchers. The zero value is not usable; construct with
// NewValue.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	subs   map[int]chan T
	nextID int
}

// NewValue creates a Value seeded with initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		cur:  initial,
		subs: make(map[int]chan T),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set replaces the current value and notifies all watchers. A watcher
// that has not consumed the previous update sees only the newest value.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cur = val
	for _, ch := range v.subs {
		select {
		case ch <- val:
		default:
			// Watcher is behind: drop the stale value and replace
			// it with the latest. Sends are serialized by v.mu, so
			// after the drain there is room in the buffer.
			select {
			case <-ch:
			default:
			}
			ch <- val
		}
	}
}

// Update applies fn to the current value under the lock and broadcasts
// the result.
func (v *Value[T]) Update(fn func(T) T) {
	v.mu.Lock()
	val := fn(v.cur)
	v.cur = val
	subs := make([]chan T, 0, len(v.subs))
	for _, ch := range v.subs {
		subs = append(subs, ch)
	}
	for _, ch := range subs {
		select {
		case ch <- val:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- val
		}
	}
	v.mu.Unlock()
}

// Watch subscribes to the value. The returned channel immediately
// yields the current value, then every subsequent update (coalesced to
// the latest if the receiver lags). The subscription ends when ctx is
// cancelled; the channel is not closed, matching the semantics of a
// never-ending state stream.
func (v *Value[T]) Watch(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	ch <- v.cur
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}()

	return ch
}
