package engine

import (
	"context"
	"sync"
)

// Completion signals that a requested transition has been fulfilled.
//
// It follows the context.Context shape: Done is closed once, after which Err
// reports nil (fulfilled), ErrCleared (dropped by Clear) or the error the
// scheduler was closed with.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) Done() <-chan struct{} { return c.done }

func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the completion resolves or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolved reports whether Done is closed.
func (c *Completion) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Completion) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *Completion) fulfil() { c.resolve(nil) }
