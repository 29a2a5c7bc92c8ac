package qyu

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"qyu/internal/engine"
	"qyu/internal/job"
	"qyu/internal/queue"
	"qyu/internal/runtime/supervisor"
	logx "qyu/pkg/logx"
)

const jobGoroutine = "qyu.job"

// Scheduler is safe for concurrent use. All of its state is owned by a
// single loop goroutine; public methods post work to the loop and wait.
type Scheduler struct {
	log logx.Logger
	sup *supervisor.Supervisor

	// Loop-owned.
	store *queue.Store
	eng   *engine.Engine
	stats *statsTicker
	quit  bool

	calls    chan func()
	settled  chan engine.Outcome
	loopDone chan struct{}
	out      *outbox

	closeOnce sync.Once
}

// New creates an idle scheduler. It owns two goroutines (the loop and the
// notification dispatcher) until Close.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	o := options{ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.notifier == nil {
		o.notifier = NotifierFunc(func(Notification) {})
	}
	log := o.log.With(logx.String("comp", "qyu"))

	s := &Scheduler{
		log:      log,
		sup:      supervisor.New(o.ctx, supervisor.WithLogger(log), supervisor.WithQuiet(jobGoroutine)),
		store:    queue.New(cfg.PriorityLevels, o.ids),
		stats:    &statsTicker{interval: cfg.StatsInterval},
		calls:    make(chan func()),
		settled:  make(chan engine.Outcome, cfg.MaxConcurrency),
		loopDone: make(chan struct{}),
		out:      newOutbox(),
	}
	s.eng = engine.New(engine.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		StatsInterval:  cfg.StatsInterval,
	}, engine.Deps{
		Launch:   s.launch,
		Stats:    s.stats,
		Notifier: s.out,
		Log:      log,
	})

	s.sup.Go0("qyu.notify", func(context.Context) { s.out.run(o.notifier, log) })
	s.sup.Go0("qyu.loop", s.loop)

	log.Debug("scheduler created",
		logx.Int("max_concurrency", cfg.MaxConcurrency),
		logx.Duration("stats_interval", cfg.StatsInterval),
		logx.Int("priority_levels", cfg.PriorityLevels))
	return s, nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer func() {
		s.stats.Stop()
		s.out.close()
		close(s.loopDone)
	}()
	for !s.quit {
		select {
		case <-ctx.Done():
			s.eng.Abandon(ErrClosed)
			return
		case fn := <-s.calls:
			fn()
		case o := <-s.settled:
			s.eng.Settle(o, s.store)
		case <-s.stats.C():
			s.eng.Tick()
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Scheduler) do(fn func()) error {
	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn()
	}
	select {
	case s.calls <- call:
	case <-s.loopDone:
		return ErrClosed
	}
	<-done
	return nil
}

func (s *Scheduler) launch(j job.Job, generation uint64) {
	s.sup.Go0(jobGoroutine, func(ctx context.Context) {
		started := time.Now()
		res, err := run(ctx, j.Op)
		o := engine.Outcome{
			Job:        job.Job{ID: j.ID, Priority: j.Priority, PushedAt: j.PushedAt},
			Result:     res,
			Err:        err,
			Duration:   time.Since(started),
			Generation: generation,
		}
		select {
		case s.settled <- o:
		case <-s.loopDone:
		}
	})
}

func run(ctx context.Context, op Operation) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &engine.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return op(ctx)
}

// Push queues op and returns its id. The job does not run before Start.
func (s *Scheduler) Push(op Operation, opts ...PushOption) (string, error) {
	var po pushOptions
	for _, o := range opts {
		o(&po)
	}
	var (
		id  string
		err error
	)
	if derr := s.do(func() {
		p := po.priority
		if !po.set {
			p = s.store.DefaultPriority()
		}
		id, err = s.store.Push(op, p)
		if err == nil && s.store.Len() == 1 {
			s.eng.Pull(s.store)
		}
	}); derr != nil {
		return "", derr
	}
	if err != nil {
		return "", fmt.Errorf("push: %w", err)
	}
	return id, nil
}

// Start requests the running state. The returned completion resolves once
// a job is in flight; on an empty queue that is the first dispatch after a
// later Push (or a Pause, whichever comes first). Calling Start twice in a
// row fails with ErrDebounced.
func (s *Scheduler) Start() (*Completion, error) {
	c := engine.NewCompletion()
	var err error
	if derr := s.do(func() {
		if err = s.eng.Start(c); err != nil {
			return
		}
		s.eng.Pull(s.store)
	}); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return c, nil
}

// Pause stops dispatching. Queued jobs are set aside in order and run first
// after the next Start. The completion resolves once nothing is in flight.
func (s *Scheduler) Pause() (*Completion, error) {
	c := engine.NewCompletion()
	var err error
	if derr := s.do(func() {
		if err = s.eng.CanPause(); err != nil {
			return
		}
		snapshot, _ := s.store.PullAll()
		if err = s.eng.Pause(snapshot, c); err != nil {
			return
		}
		s.eng.Pull(s.store)
	}); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, fmt.Errorf("pause: %w", err)
	}
	return c, nil
}

// Clear drops every queued job and pending transition and returns the
// scheduler to idle. Running jobs are not cancelled. Outstanding completions
// resolve with ErrCleared.
func (s *Scheduler) Clear() error {
	return s.do(func() {
		s.store.Clear()
		s.eng.Clear()
	})
}

func (s *Scheduler) SetMaxConcurrency(n int) error {
	var err error
	if derr := s.do(func() {
		if err = s.eng.SetMaxConcurrency(n); err != nil {
			return
		}
		s.eng.Pull(s.store)
	}); derr != nil {
		return derr
	}
	return err
}

func (s *Scheduler) SetStatsInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}
	return s.do(func() {
		s.stats.Reset(d)
		s.eng.SetStatsInterval(d)
	})
}

func (s *Scheduler) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.do(func() {
		snap = Snapshot{
			Snapshot:         s.eng.Snapshot(),
			Queued:           s.store.Len(),
			QueuedByPriority: s.store.LenByPriority(),
			StatsInterval:    s.stats.interval,
		}
	}); err != nil {
		return Snapshot{Closed: true}
	}
	return snap
}

// Done is closed once the scheduler loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.loopDone }

// Close stops the scheduler. Queued jobs are dropped, the context of running
// operations is cancelled, and Close waits for them and for pending
// notifications until ctx ends. Outstanding completions resolve with
// ErrClosed.
func (s *Scheduler) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		_ = s.do(func() {
			s.eng.Abandon(ErrClosed)
			s.quit = true
			s.log.Debug("scheduler closing", logx.Int("queued", s.store.Len()))
		})
	})
	return s.sup.Stop(ctx)
}

// statsTicker is the loop-owned stats window timer.
type statsTicker struct {
	interval time.Duration
	t        *time.Ticker
}

func (st *statsTicker) Start() {
	if st.t == nil {
		st.t = time.NewTicker(st.interval)
	}
}

func (st *statsTicker) Stop() {
	if st.t != nil {
		st.t.Stop()
		st.t = nil
	}
}

// C is nil while stopped, which blocks forever in a select.
func (st *statsTicker) C() <-chan time.Time {
	if st.t == nil {
		return nil
	}
	return st.t.C
}

func (st *statsTicker) Reset(d time.Duration) {
	st.interval = d
	if st.t != nil {
		st.t.Reset(d)
	}
}
