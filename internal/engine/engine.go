// Package engine owns the concurrency budget and drives the pull loop.
//
// An Engine is a single-owner state machine: every method must be called
// from the same goroutine (the scheduler loop). Job operations run
// elsewhere; their results come back through Settle.
package engine

import (
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"qyu/internal/job"
	"qyu/internal/transition"
	logx "qyu/pkg/logx"
)

// Deps are the collaborators of an Engine. Nil fields get no-op defaults,
// except Launch which is required for dispatching.
type Deps struct {
	Launch   Launcher
	Stats    StatsTimer
	Notifier Notifier
	Log      logx.Logger
}

type Engine struct {
	cfg Config

	running   int
	processed int
	buffered  []job.Job

	transitions transition.Queue
	outstanding []*Completion
	generation  uint64

	succeeded uint64
	failed    uint64
	drains    uint64

	launch Launcher
	stats  StatsTimer
	notify Notifier
	log    logx.Logger

	// Failure logs are throttled; notifications are not.
	failLog    *rate.Limiter
	suppressed int

	now func() time.Time
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if deps.Stats == nil {
		deps.Stats = nopTimer{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Launch == nil {
		deps.Launch = func(job.Job, uint64) {}
	}
	return &Engine{
		cfg:     cfg,
		launch:  deps.Launch,
		stats:   deps.Stats,
		notify:  deps.Notifier,
		log:     deps.Log,
		failLog: rate.NewLimiter(rate.Every(time.Second), 5),
		now:     time.Now,
	}
}

// Start requests the RUNNING state. c resolves once a job is in flight, or
// when a later Pause supersedes the request.
func (e *Engine) Start(c *Completion) error {
	onEnter := func() {
		e.log.Debug("state entered", logx.String("state", string(StateRunning)))
		e.stats.Start()
	}
	if _, err := e.transitions.Request(transition.Activate, c.fulfil, onEnter); err != nil {
		return err
	}
	e.track(c)
	return nil
}

// CanPause reports whether a pause request would be accepted.
func (e *Engine) CanPause() error {
	return e.transitions.Check(transition.Suspend)
}

// Pause buffers snapshot (the store's content at the time of the request)
// and requests the PAUSED state. c resolves once nothing is in flight.
//
// Jobs still buffered from an earlier pause stay ahead of the snapshot.
func (e *Engine) Pause(snapshot []job.Job, c *Completion) error {
	onEnter := func() {
		e.log.Debug("state entered", logx.String("state", string(StatePaused)), logx.Int("buffered", len(e.buffered)))
		e.stats.Stop()
	}
	if _, err := e.transitions.Request(transition.Suspend, c.fulfil, onEnter); err != nil {
		return err
	}
	e.buffered = append(e.buffered, snapshot...)
	e.track(c)
	return nil
}

// Clear resets bookkeeping. Jobs already in flight keep running and still
// settle against the running count; they no longer count toward stats.
func (e *Engine) Clear() {
	e.transitions.Clear()
	e.buffered = nil
	e.processed = 0
	e.stats.Stop()
	e.generation++
	e.Abandon(ErrCleared)
	e.log.Debug("engine cleared", logx.Int("running", e.running), logx.Uint64("generation", e.generation))
}

// Abandon resolves every unresolved completion with err.
func (e *Engine) Abandon(err error) {
	for _, c := range e.outstanding {
		c.resolve(err)
	}
	e.outstanding = nil
}

func (e *Engine) SetMaxConcurrency(n int) error {
	if n <= 0 {
		return ErrInvalidConcurrency
	}
	e.cfg.MaxConcurrency = n
	return nil
}

func (e *Engine) SetStatsInterval(d time.Duration) { e.cfg.StatsInterval = d }

// Pull dispatches as many jobs as the concurrency budget and the current
// transition allow. Buffered jobs are served before the source.
func (e *Engine) Pull(src Source) {
	canPull := e.transitions.Advance(e.running)
	slots := e.cfg.MaxConcurrency - e.running
	if !canPull || slots <= 0 {
		return
	}
	if len(e.buffered) > 0 {
		n := min(slots, len(e.buffered))
		jobs := make([]job.Job, n)
		copy(jobs, e.buffered[:n])
		for i := 0; i < n; i++ {
			e.buffered[i] = job.Job{}
		}
		e.buffered = e.buffered[n:]
		if len(e.buffered) == 0 {
			e.buffered = nil
		}
		e.OnPulled(jobs, len(e.buffered))
		return
	}
	jobs, remaining := src.Pull(slots)
	e.OnPulled(jobs, remaining)
}

// OnPulled reports a drain when nothing is queued or in flight, otherwise
// dispatches jobs.
func (e *Engine) OnPulled(jobs []job.Job, remaining int) {
	if len(jobs) == 0 && remaining == 0 && e.running == 0 {
		e.drains++
		e.log.Debug("queue drained")
		e.notify.Notify(Notification{Kind: EventDrain, At: e.now()})
	}
	if len(jobs) > 0 {
		e.dispatch(jobs)
	}
}

func (e *Engine) dispatch(jobs []job.Job) {
	e.running += len(jobs)
	if e.running > e.cfg.MaxConcurrency {
		e.violation("running count exceeds max concurrency",
			logx.Int("running", e.running), logx.Int("max", e.cfg.MaxConcurrency))
	}
	// Let a pending Activate observe the jobs now in flight.
	e.transitions.Advance(e.running)

	gen := e.generation
	for _, j := range jobs {
		e.log.Debug("job.dispatched", logx.String("id", j.ID), logx.Int("priority", j.Priority), logx.Int("running", e.running))
		e.launch(j, gen)
	}
}

// Settle records a finished job, reports it and pulls again.
func (e *Engine) Settle(o Outcome, src Source) {
	e.running--
	if e.running < 0 {
		e.violation("running count went negative", logx.String("id", o.Job.ID))
		e.running = 0
	}
	stale := o.Generation != e.generation
	if !stale {
		e.processed++
	}

	n := Notification{
		At:       e.now(),
		JobID:    o.Job.ID,
		Priority: o.Job.Priority,
		Duration: o.Duration,
		Stale:    stale,
	}
	if o.Err != nil {
		e.failed++
		n.Kind = EventJobFailed
		n.Err = o.Err
		e.logFailure(o)
	} else {
		e.succeeded++
		n.Kind = EventJobSucceeded
		n.Result = o.Result
		e.log.Debug("job.succeeded", logx.String("id", o.Job.ID), logx.Duration("dur", o.Duration))
	}
	e.notify.Notify(n)

	e.Pull(src)
}

// Tick closes the current stats window.
func (e *Engine) Tick() {
	n := Notification{
		Kind:      EventStats,
		At:        e.now(),
		Processed: e.processed,
		Interval:  e.cfg.StatsInterval,
	}
	e.processed = 0
	e.notify.Notify(n)
}

func (e *Engine) Snapshot() Snapshot {
	pending := e.transitions.Pending()
	names := make([]string, len(pending))
	for i, k := range pending {
		names[i] = k.String()
	}
	return Snapshot{
		State:             e.state(),
		Pending:           names,
		MaxConcurrency:    e.cfg.MaxConcurrency,
		Running:           e.running,
		Buffered:          len(e.buffered),
		ProcessedInWindow: e.processed,
		Generation:        e.generation,
		Succeeded:         e.succeeded,
		Failed:            e.failed,
		Drains:            e.drains,
	}
}

func (e *Engine) state() State {
	kind, fulfilled, ok := e.transitions.Current()
	switch {
	case !ok:
		return StateIdle
	case kind == transition.Activate && fulfilled:
		return StateRunning
	case kind == transition.Activate:
		return StateStarting
	case fulfilled:
		return StatePaused
	default:
		return StatePausing
	}
}

func (e *Engine) track(c *Completion) {
	live := e.outstanding[:0]
	for _, o := range e.outstanding {
		if !o.Resolved() {
			live = append(live, o)
		}
	}
	for i := len(live); i < len(e.outstanding); i++ {
		e.outstanding[i] = nil
	}
	e.outstanding = append(live, c)
}

func (e *Engine) logFailure(o Outcome) {
	if !e.failLog.AllowN(e.now(), 1) {
		e.suppressed++
		return
	}
	fields := []logx.Field{
		logx.String("id", o.Job.ID),
		logx.Int("priority", o.Job.Priority),
		logx.Duration("dur", o.Duration),
		logx.Err(o.Err),
	}
	if e.suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", e.suppressed))
		e.suppressed = 0
	}
	e.log.Warn("job.failed", fields...)
}

// violation reports a broken internal invariant. It never panics.
func (e *Engine) violation(msg string, fields ...logx.Field) {
	fields = append(fields, logx.Stack(string(debug.Stack())))
	e.log.Error("invariant violation: "+msg, fields...)
}
