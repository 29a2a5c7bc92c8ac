package transition

import (
	"errors"
	"testing"
)

type counter struct {
	fulfilled int
	entered   int
}

func (c *counter) fulfil() { c.fulfilled++ }
func (c *counter) enter()  { c.entered++ }

func TestRequestValidation(t *testing.T) {
	t.Parallel()
	var q Queue
	nop := func() {}

	for _, k := range []Kind{0, 3, -1} {
		if _, err := q.Request(k, nop, nop); !errors.Is(err, ErrUnknownKind) {
			t.Fatalf("Request(%v) err = %v, want ErrUnknownKind", k, err)
		}
	}
	if _, err := q.Request(Activate, nil, nop); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("nil onFulfilled: err = %v", err)
	}
	if _, err := q.Request(Activate, nop, nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("nil onEnter: err = %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d after rejected requests", q.Len())
	}
}

func TestRequestDebounce(t *testing.T) {
	t.Parallel()
	var q Queue
	nop := func() {}

	if k, err := q.Request(Activate, nop, nop); err != nil || k != Activate {
		t.Fatalf("first Activate = (%v, %v)", k, err)
	}
	if _, err := q.Request(Activate, nop, nop); !errors.Is(err, ErrDebounced) {
		t.Fatalf("second Activate err = %v, want ErrDebounced", err)
	}
	for _, k := range []Kind{Suspend, Activate, Suspend} {
		if _, err := q.Request(k, nop, nop); err != nil {
			t.Fatalf("Request(%v): %v", k, err)
		}
	}
	if err := q.Check(Suspend); !errors.Is(err, ErrDebounced) {
		t.Fatalf("Check(Suspend) = %v, want ErrDebounced", err)
	}
	got := q.Pending()
	want := []Kind{Activate, Suspend, Activate, Suspend}
	if len(got) != len(want) {
		t.Fatalf("Pending = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Pending = %v, want %v", got, want)
		}
	}
}

func TestAdvanceEmptyDeniesPull(t *testing.T) {
	t.Parallel()
	var q Queue
	if q.Advance(0) {
		t.Fatal("Advance on empty queue permitted a pull")
	}
}

func TestActivateFulfilsOnceJobsRun(t *testing.T) {
	t.Parallel()
	var q Queue
	var c counter
	_, _ = q.Request(Activate, c.fulfil, c.enter)

	if !q.Advance(0) {
		t.Fatal("Activate head should permit pulls while idle")
	}
	if c.fulfilled != 0 {
		t.Fatalf("Activate fulfilled with nothing in flight")
	}
	if !q.Advance(2) {
		t.Fatal("Activate head should permit pulls")
	}
	if !q.Advance(1) {
		t.Fatal("Activate head should permit pulls")
	}
	if c.fulfilled != 1 || c.entered != 1 {
		t.Fatalf("callbacks = %+v, want once each", c)
	}
	if k, done, ok := q.Current(); !ok || k != Activate || !done {
		t.Fatalf("Current = (%v, %v, %v)", k, done, ok)
	}
}

func TestSuspendWaitsForDrain(t *testing.T) {
	t.Parallel()
	var q Queue
	var start, pause counter
	_, _ = q.Request(Activate, start.fulfil, start.enter)
	q.Advance(3)
	_, _ = q.Request(Suspend, pause.fulfil, pause.enter)

	if q.Advance(3) {
		t.Fatal("pull permitted while pause is draining")
	}
	if q.Advance(1) {
		t.Fatal("pull permitted while pause is draining")
	}
	if pause.fulfilled != 0 {
		t.Fatal("pause fulfilled before drain")
	}
	if q.Advance(0) {
		t.Fatal("pull permitted while paused")
	}
	if pause.fulfilled != 1 || pause.entered != 1 {
		t.Fatalf("pause callbacks = %+v", pause)
	}
	q.Advance(0)
	if pause.fulfilled != 1 {
		t.Fatal("pause fulfilled twice")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (fulfilled Activate dropped)", q.Len())
	}
}

func TestSuspendWhileIdleFulfilsImmediately(t *testing.T) {
	t.Parallel()
	var q Queue
	var start, pause counter
	_, _ = q.Request(Activate, start.fulfil, start.enter)
	q.Advance(1)
	_, _ = q.Request(Suspend, pause.fulfil, pause.enter)

	if q.Advance(0) {
		t.Fatal("pull permitted after pause")
	}
	if pause.fulfilled != 1 {
		t.Fatalf("pause not fulfilled in the same Advance")
	}
}

func TestPauseThenResumeQueued(t *testing.T) {
	t.Parallel()
	var q Queue
	var a1, s, a2 counter
	_, _ = q.Request(Activate, a1.fulfil, a1.enter)
	q.Advance(2)
	_, _ = q.Request(Suspend, s.fulfil, s.enter)
	_, _ = q.Request(Activate, a2.fulfil, a2.enter)

	if q.Advance(1) {
		t.Fatal("resume must wait for the pause to drain")
	}
	if !q.Advance(0) {
		t.Fatal("after drain the queued resume should permit pulls")
	}
	if s.fulfilled != 1 {
		t.Fatal("pause not fulfilled")
	}
	if a2.fulfilled != 0 {
		t.Fatal("resume fulfilled with nothing in flight")
	}
	q.Advance(1)
	if a2.fulfilled != 1 || a2.entered != 1 {
		t.Fatalf("resume callbacks = %+v", a2)
	}
	if a1.fulfilled != 1 || s.entered != 1 {
		t.Fatalf("callbacks fired more than once: a1=%+v s=%+v", a1, s)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	var q Queue
	nop := func() {}
	_, _ = q.Request(Activate, nop, nop)
	_, _ = q.Request(Suspend, nop, nop)
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("Len = %d after Clear", q.Len())
	}
	if _, _, ok := q.Current(); ok {
		t.Fatal("Current ok after Clear")
	}
	if _, err := q.Request(Suspend, nop, nop); err != nil {
		t.Fatalf("Request after Clear: %v", err)
	}
}

func TestPendingActivateSupersededBySuspend(t *testing.T) {
	t.Parallel()
	var q Queue
	var start, pause counter
	_, _ = q.Request(Activate, start.fulfil, start.enter)
	if !q.Advance(0) {
		t.Fatal("pending Activate should permit pulls")
	}
	_, _ = q.Request(Suspend, pause.fulfil, pause.enter)

	if q.Advance(0) {
		t.Fatal("pull permitted after pause")
	}
	if start.fulfilled != 1 || pause.fulfilled != 1 {
		t.Fatalf("start=%+v pause=%+v, want both fulfilled", start, pause)
	}
	if k, done, _ := q.Current(); k != Suspend || !done {
		t.Fatalf("Current = (%v, %v)", k, done)
	}
}
