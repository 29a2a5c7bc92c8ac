package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	stats, unsubStats := b.Subscribe(4, "queue.stats")
	defer unsubStats()

	b.Publish(Event{Type: "job.succeeded", Data: "a"})
	b.Publish(Event{Type: "queue.stats", Data: 3})

	if got := (<-all).Type; got != "job.succeeded" {
		t.Fatalf("all[0] = %q", got)
	}
	if got := (<-all).Type; got != "queue.stats" {
		t.Fatalf("all[1] = %q", got)
	}
	e := <-stats
	if e.Type != "queue.stats" || e.Data != 3 || e.Time.IsZero() {
		t.Fatalf("stats event = %+v", e)
	}
	select {
	case e := <-stats:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 {
			b.Publish(Event{Type: "queue.drain"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open")
	}
	b.Publish(Event{Type: "queue.drain"})
}
