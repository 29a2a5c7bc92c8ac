package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoCancelsOnFirstError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failer", func(context.Context) error { return boom })

	if err := s.Wait(waitCtx(t)); !errors.Is(err, boom) {
		t.Fatalf("Wait = %v, want boom", err)
	}
	snap := s.Snapshot()
	if snap.Counters.Started != 2 || snap.Counters.Active != 0 {
		t.Fatalf("counters = %+v", snap.Counters)
	}
	if snap.FirstError == "" {
		t.Fatalf("first error not reported")
	}
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return context.Canceled
	})
	s.Cancel()
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("job", func(context.Context) { panic("kaboom") })
	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatalf("panic not recorded")
	}
	names := s.Snapshot().Names
	if len(names) != 1 || names[0].Panics != 1 || names[0].LastPanic != "kaboom" {
		t.Fatalf("names = %+v", names)
	}
	if s.Context().Err() != nil {
		t.Fatalf("context canceled without WithCancelOnError")
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	for _, n := range s.Snapshot().Names {
		if n.Name == "flaky" && n.Restarts != 2 {
			t.Fatalf("restarts = %d, want 2", n.Restarts)
		}
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatalf("give-up not recorded")
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
}

func TestWaitHonoursDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	s := New(context.Background())
	s.Go0("stuck", func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want DeadlineExceeded", err)
	}
	close(release)
	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait after release = %v", err)
	}
}
