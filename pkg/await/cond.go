package await

import (
	"context"
	"errors"
	"sync"
)

// ErrSettleTimeout indicates a wait was abandoned before the condition held.
var ErrSettleTimeout = errors.New("timed out waiting for property to settle")

// Cond holds a value of type T and lets goroutines block until it satisfies
// a predicate. The zero value is not usable; use NewCond.
type Cond[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value T
}

// NewCond creates a Cond holding initial.
func NewCond[T any](initial T) *Cond[T] {
	c := &Cond[T]{value: initial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Set stores v and wakes every waiter.
func (c *Cond[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Update applies fn to the value under the lock and wakes every waiter.
func (c *Cond[T]) Update(fn func(T) T) {
	c.mu.Lock()
	c.value = fn(c.value)
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Get returns the current value.
func (c *Cond[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Await blocks until pred returns true for the current value, or ctx is done.
// On success the value that satisfied pred is returned. When consume is not
// nil it is applied to the value before the lock is released, which lets
// callers reset one-shot flags atomically with observing them.
func (c *Cond[T]) Await(ctx context.Context, pred func(T) bool, consume func(T) T) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		// Taking the lock guarantees the waiter is either parked in Wait or
		// has not yet checked ctx, so the broadcast cannot be lost.
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for !pred(c.value) {
		if err := ctx.Err(); err != nil {
			var zero T
			if errors.Is(err, context.DeadlineExceeded) {
				return zero, ErrSettleTimeout
			}
			return zero, err
		}
		c.cond.Wait()
	}

	v := c.value
	if consume != nil {
		c.value = consume(c.value)
	}
	return v, nil
}
