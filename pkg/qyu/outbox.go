package qyu

import (
	"runtime/debug"
	"sync"

	logx "qyu/pkg/logx"
)

// outbox decouples notification production (scheduler loop) from delivery
// (dispatcher goroutine). It is unbounded so the loop never blocks on a slow
// sink; order is preserved.
type outbox struct {
	mu     sync.Mutex
	items  []Notification
	closed bool
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) Notify(n Notification) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.items = append(o.items, n)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// close stops accepting notifications. Queued ones are still delivered.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) take() ([]Notification, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	batch := o.items
	o.items = nil
	return batch, o.closed
}

// run delivers until the outbox is closed and empty.
func (o *outbox) run(sink Notifier, log logx.Logger) {
	for {
		batch, closed := o.take()
		if len(batch) == 0 {
			if closed {
				return
			}
			<-o.wake
			continue
		}
		for _, n := range batch {
			deliver(sink, n, log)
		}
	}
}

func deliver(sink Notifier, n Notification, log logx.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("notifier panicked", logx.String("kind", string(n.Kind)), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	sink.Notify(n)
}
