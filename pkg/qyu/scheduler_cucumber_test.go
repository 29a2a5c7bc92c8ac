//go:build cucumber

package qyu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
)

// TestSchedulerFeatures runs the scheduler scenarios via godog.
func TestSchedulerFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "scheduler",
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"testdata/scheduler.feature"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatalf("non-zero godog status")
	}
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	state := &schedulerState{}
	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		state.reset()
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		return ctx, state.close()
	})

	ctx.Step(`^a scheduler with max concurrency (\d+)$`, state.givenScheduler)
	ctx.Step(`^jobs pushed with priorities "([^"]+)"$`, state.pushPriorities)
	ctx.Step(`^(\d+) blocked jobs$`, state.blockedJobs)
	ctx.Step(`^I push a job with priority (\d+)$`, state.pushWithPriority)
	ctx.Step(`^I start the scheduler$`, state.start)
	ctx.Step(`^I pause the scheduler$`, state.requestPause)
	ctx.Step(`^I clear the scheduler$`, state.clear)
	ctx.Step(`^the blocked jobs are released$`, state.release)
	ctx.Step(`^the queue drains$`, state.drains)
	ctx.Step(`^the jobs ran in order "([^"]+)"$`, state.ranInOrder)
	ctx.Step(`^the pause completes$`, state.pauseCompletes)
	ctx.Step(`^the pause has already completed$`, state.pauseAlreadyCompleted)
	ctx.Step(`^starting again is rejected as debounced$`, state.startDebounced)
	ctx.Step(`^the snapshot shows (\d+) queued and (\d+) running$`, state.snapshotShows)
	ctx.Step(`^(\d+) stale outcomes are reported$`, state.staleOutcomes)
}

type schedulerState struct {
	s      *Scheduler
	notes  chan Notification
	gate   chan struct{}
	pushed int
	pause  *Completion

	mu  sync.Mutex
	ran []string
}

func (st *schedulerState) reset() {
	st.s = nil
	st.notes = make(chan Notification, 1024)
	st.gate = make(chan struct{})
	close(st.gate)
	st.pushed = 0
	st.pause = nil
	st.ran = nil
}

func (st *schedulerState) close() error {
	if st.s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return st.s.Close(ctx)
}

func (st *schedulerState) givenScheduler(max int) error {
	s, err := New(Config{MaxConcurrency: max},
		WithIDGenerator(seqIDs()),
		WithNotifier(NotifierFunc(func(n Notification) { st.notes <- n })))
	st.s = s
	return err
}

func (st *schedulerState) op() Operation {
	st.pushed++
	id := fmt.Sprintf("j%d", st.pushed)
	gate := st.gate
	return func(context.Context) (any, error) {
		<-gate
		st.mu.Lock()
		st.ran = append(st.ran, id)
		st.mu.Unlock()
		return id, nil
	}
}

func (st *schedulerState) pushPriorities(list string) error {
	for _, f := range strings.Split(list, ",") {
		var opts []PushOption
		if f = strings.TrimSpace(f); f != "default" {
			p, err := strconv.Atoi(f)
			if err != nil {
				return err
			}
			opts = append(opts, WithPriority(p))
		}
		if _, err := st.s.Push(st.op(), opts...); err != nil {
			return err
		}
	}
	return nil
}

func (st *schedulerState) blockedJobs(n int) error {
	st.gate = make(chan struct{})
	for range n {
		if _, err := st.s.Push(st.op()); err != nil {
			return err
		}
	}
	return nil
}

func (st *schedulerState) pushWithPriority(p int) error {
	_, err := st.s.Push(st.op(), WithPriority(p))
	return err
}

func (st *schedulerState) start() error {
	_, err := st.s.Start()
	return err
}

func (st *schedulerState) requestPause() error {
	c, err := st.s.Pause()
	st.pause = c
	return err
}

func (st *schedulerState) clear() error { return st.s.Clear() }

func (st *schedulerState) release() error {
	select {
	case <-st.gate:
	default:
		close(st.gate)
	}
	return nil
}

func (st *schedulerState) await(kind EventKind, match func(Notification) bool, n int) error {
	deadline := time.After(waitTimeout)
	for got := 0; got < n; {
		select {
		case note := <-st.notes:
			if note.Kind == kind && (match == nil || match(note)) {
				got++
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for %d %s notifications (got %d)", n, kind, got)
		}
	}
	return nil
}

func (st *schedulerState) drains() error { return st.await(EventDrain, nil, 1) }

func (st *schedulerState) ranInOrder(list string) error {
	want := strings.Split(list, ",")
	st.mu.Lock()
	got := append([]string(nil), st.ran...)
	st.mu.Unlock()
	if !equalStrings(got, want) {
		return fmt.Errorf("ran %v, want %v", got, want)
	}
	return nil
}

func (st *schedulerState) pauseCompletes() error {
	if st.pause == nil {
		return errors.New("no pause requested")
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return st.pause.Wait(ctx)
}

func (st *schedulerState) pauseAlreadyCompleted() error {
	if st.pause == nil || !st.pause.Resolved() {
		return errors.New("pause not completed on return")
	}
	return st.pause.Err()
}

func (st *schedulerState) startDebounced() error {
	if _, err := st.s.Start(); !errors.Is(err, ErrDebounced) {
		return fmt.Errorf("second start: %v, want ErrDebounced", err)
	}
	return nil
}

func (st *schedulerState) snapshotShows(queued, running int) error {
	snap := st.s.Snapshot()
	if got := snap.Queued + snap.Buffered; got != queued || snap.Running != running {
		return fmt.Errorf("snapshot queued=%d running=%d", got, snap.Running)
	}
	return nil
}

func (st *schedulerState) staleOutcomes(n int) error {
	return st.await(EventJobSucceeded, func(n Notification) bool { return n.Stale }, n)
}
