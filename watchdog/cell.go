// Package watchdog implements promise-like waits on protocol conditions.
//
// A Cell is settled at most once and observed by any number of waiters. A
// Group de-duplicates waiters by condition key so that everybody waiting
// for the same condition shares one Cell and one underlying subscription.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Wait when the timeout elapsed before the cell
// was settled.
var ErrTimeout = errors.New("timed out")

// Cell is a broadcast-once value.
type Cell[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewCell returns an unsettled cell.
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

// Resolve settles the cell with v. It reports whether this call settled it.
func (c *Cell[T]) Resolve(v T) bool {
	return c.settle(v, nil)
}

// Reject settles the cell with err. It reports whether this call settled it.
func (c *Cell[T]) Reject(err error) bool {
	var zero T
	return c.settle(zero, err)
}

func (c *Cell[T]) settle(v T, err error) bool {
	settled := false
	c.once.Do(func() {
		c.val, c.err = v, err
		close(c.done)
		settled = true
	})
	return settled
}

// Done is closed once the cell is settled.
func (c *Cell[T]) Done() <-chan struct{} {
	return c.done
}

// Settled reports whether the cell has a value or an error.
func (c *Cell[T]) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value. It must only be called after Done is
// closed.
func (c *Cell[T]) Result() (T, error) {
	return c.val, c.err
}

// Wait blocks until c is settled, ctx is done or timeout elapses.
// A zero timeout waits indefinitely.
func Wait[T any](ctx context.Context, c *Cell[T], timeout time.Duration) (T, error) {
	var zero T

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timeoutCh:
		// settling and timing out at the same instant favours the value
		if c.Settled() {
			return c.Result()
		}
		return zero, ErrTimeout
	}
}
