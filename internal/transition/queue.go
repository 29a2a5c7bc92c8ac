// Package transition tracks requested RUNNING/PAUSED changes.
//
// Requests are kept in a FIFO so a pause asked for while a start is still
// being serviced (or the other way round) is never lost. The head of the
// queue is the current state. Advance is the whole pause/resume protocol:
//   - Suspend at the head blocks pulls until nothing is in flight.
//   - Activate at the head permits pulls.
//   - Each transition's callbacks fire exactly once, when it is fulfilled.
//
// Queue is not safe for concurrent use.
package transition

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Activate Kind = iota + 1
	Suspend
)

func (k Kind) String() string {
	switch k {
	case Activate:
		return "activate"
	case Suspend:
		return "suspend"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) valid() bool { return k == Activate || k == Suspend }

var (
	ErrUnknownKind = errors.New("unknown transition kind")
	ErrNilCallback = errors.New("transition callback is nil")
	ErrDebounced   = errors.New("transition already requested")
)

type entry struct {
	kind        Kind
	onFulfilled func()
	onEnter     func()
	fulfilled   bool
}

// holds reports whether the entry's condition is met for the in-flight count.
func (e *entry) holds(running int) bool {
	if e.kind == Suspend {
		return running == 0
	}
	return running > 0
}

type Queue struct {
	items []*entry
}

// Check validates a request without queueing it.
func (q *Queue) Check(kind Kind) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
	if n := len(q.items); n > 0 && q.items[n-1].kind == kind {
		return fmt.Errorf("%w: %v", ErrDebounced, kind)
	}
	return nil
}

// Request appends a transition. onFulfilled signals completion to the caller;
// onEnter is the state's side effect. Both run once, in that order.
func (q *Queue) Request(kind Kind, onFulfilled, onEnter func()) (Kind, error) {
	if err := q.Check(kind); err != nil {
		return 0, err
	}
	if onFulfilled == nil || onEnter == nil {
		return 0, ErrNilCallback
	}
	q.items = append(q.items, &entry{kind: kind, onFulfilled: onFulfilled, onEnter: onEnter})
	return kind, nil
}

func (q *Queue) Clear() { q.items = nil }

func (q *Queue) Len() int { return len(q.items) }

// Current returns the head kind and whether it has been fulfilled.
// ok is false when no transition was ever requested (or after Clear).
func (q *Queue) Current() (kind Kind, fulfilled bool, ok bool) {
	if len(q.items) == 0 {
		return 0, false, false
	}
	h := q.items[0]
	return h.kind, h.fulfilled, true
}

// Pending lists the queued kinds, head first.
func (q *Queue) Pending() []Kind {
	out := make([]Kind, len(q.items))
	for i, e := range q.items {
		out[i] = e.kind
	}
	return out
}

// Advance updates the queue for the current in-flight count and reports
// whether new jobs may be pulled.
//
// A fulfilled head is dropped as soon as a successor exists; the successor
// is then evaluated in the same call.
func (q *Queue) Advance(running int) bool {
	for {
		if len(q.items) == 0 {
			return false
		}
		cur := q.items[0]
		if cur.kind == Suspend && running > 0 {
			return false
		}
		// An Activate superseded before any job ran counts as fulfilled,
		// otherwise a Suspend queued behind it could never be reached.
		superseded := cur.kind == Activate && len(q.items) > 1
		if !cur.fulfilled && (cur.holds(running) || superseded) {
			cur.fulfilled = true
			cur.onFulfilled()
			cur.onEnter()
		}
		if cur.fulfilled && len(q.items) > 1 {
			q.items[0] = nil
			q.items = q.items[1:]
			continue
		}
		return cur.kind == Activate
	}
}
