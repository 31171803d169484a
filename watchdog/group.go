package watchdog

import (
	"context"
	"sync"
	"time"
)

// SubscribeFunc installs the subscription backing one condition key. It
// must call resolve (or reject) once the condition holds, possibly before
// returning, and return the function that tears the subscription down.
type SubscribeFunc[T any] func(resolve func(T), reject func(error)) (release func(), err error)

// Group de-duplicates waiters by condition key.
type Group[K comparable, T any] struct {
	mu      sync.Mutex
	entries map[K]*entry[T]
}

type entry[T any] struct {
	cell    *Cell[T]
	waiters int
	release func()
	closed  bool
}

// Wait joins the waiters of key and blocks like Wait. subscribe is only
// called by the first waiter of a key; later waiters share its cell and
// receive the identical value.
//
// A waiter leaving because of its own timeout or context does not affect
// the others. The subscription is released when the cell settles or when
// the last waiter leaves, whichever comes first. Once settled, the key is
// forgotten and the next waiter starts over.
func (g *Group[K, T]) Wait(
	ctx context.Context, key K, timeout time.Duration, subscribe SubscribeFunc[T],
) (T, error) {
	e, first := g.join(key)
	if first {
		release, err := subscribe(
			func(v T) {
				if e.cell.Resolve(v) {
					g.settled(key, e)
				}
			},
			func(err error) {
				if e.cell.Reject(err) {
					g.settled(key, e)
				}
			},
		)
		if err != nil {
			if e.cell.Reject(err) {
				g.settled(key, e)
			}
		}
		g.installRelease(e, release)
	}

	v, err := Wait(ctx, e.cell, timeout)
	g.leave(key, e)

	return v, err
}

// Waiters returns the number of waiters currently blocked on key.
func (g *Group[K, T]) Waiters(key K) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[key]; ok {
		return e.waiters
	}
	return 0
}

func (g *Group[K, T]) join(key K) (*entry[T], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.entries == nil {
		g.entries = make(map[K]*entry[T])
	}
	if e, ok := g.entries[key]; ok {
		e.waiters++
		return e, false
	}
	e := &entry[T]{cell: NewCell[T](), waiters: 1}
	g.entries[key] = e

	return e, true
}

// installRelease stores release, or calls it right away if the entry was
// closed while the subscription was being installed.
func (g *Group[K, T]) installRelease(e *entry[T], release func()) {
	if release == nil {
		return
	}
	g.mu.Lock()
	if e.closed {
		g.mu.Unlock()
		release()
		return
	}
	e.release = release
	g.mu.Unlock()
}

func (g *Group[K, T]) settled(key K, e *entry[T]) {
	g.mu.Lock()
	if g.entries[key] == e {
		delete(g.entries, key)
	}
	release := g.closeLocked(e)
	g.mu.Unlock()

	if release != nil {
		release()
	}
}

func (g *Group[K, T]) leave(key K, e *entry[T]) {
	g.mu.Lock()
	e.waiters--
	var release func()
	if e.waiters == 0 {
		if g.entries[key] == e {
			delete(g.entries, key)
		}
		release = g.closeLocked(e)
	}
	g.mu.Unlock()

	if release != nil {
		release()
	}
}

func (g *Group[K, T]) closeLocked(e *entry[T]) func() {
	e.closed = true
	release := e.release
	e.release = nil
	return release
}
