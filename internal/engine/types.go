package engine

import (
	"time"

	"qyu/internal/job"
)

// Config controls the execution engine.
type Config struct {
	// MaxConcurrency bounds the number of dispatched jobs in flight.
	MaxConcurrency int

	// StatsInterval is reported alongside stats notifications.
	// The engine does not own the timer; see StatsTimer.
	StatsInterval time.Duration
}

const DefaultMaxConcurrency = 5

// Source hands out queued jobs on demand.
type Source interface {
	Pull(n int) (jobs []job.Job, remaining int)
}

// Launcher starts a job's operation asynchronously. The engine expects a
// matching Settle call (with the same generation) once the operation returns.
type Launcher func(j job.Job, generation uint64)

// StatsTimer toggles the periodic stats window. While started, the owner
// calls Engine.Tick once per interval.
type StatsTimer interface {
	Start()
	Stop()
}

// Notifier receives scheduler notifications.
//
// The engine calls Notify from the scheduler loop; implementations must not
// block for long and must not call back into the engine synchronously.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

type nopTimer struct{}

func (nopTimer) Start() {}
func (nopTimer) Stop()  {}

type EventKind string

const (
	EventJobSucceeded EventKind = "job.succeeded"
	EventJobFailed    EventKind = "job.failed"
	EventDrain        EventKind = "queue.drain"
	EventStats        EventKind = "queue.stats"
)

// Notification is one scheduler signal. Only the fields relevant to Kind
// are set.
type Notification struct {
	Kind EventKind
	At   time.Time

	// Job outcome fields.
	JobID    string
	Priority int
	Result   any
	Err      error
	Duration time.Duration
	// Stale marks a job that was dispatched before the last Clear.
	Stale bool

	// Stats fields.
	Processed int
	Interval  time.Duration
}

// Outcome is the settlement of one dispatched job.
type Outcome struct {
	Job        job.Job
	Result     any
	Err        error
	Duration   time.Duration
	Generation uint64
}

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePausing  State = "pausing"
	StatePaused   State = "paused"
)

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	State             State
	Pending           []string
	MaxConcurrency    int
	Running           int
	Buffered          int
	ProcessedInWindow int
	Generation        uint64

	Succeeded uint64
	Failed    uint64
	Drains    uint64
}
