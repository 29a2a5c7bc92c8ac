// Package qyu is an in-process priority job scheduler.
//
// Jobs are pushed with a priority in [1, PriorityLevels] (1 is the highest)
// and run with at most MaxConcurrency in flight. A scheduler starts idle:
// nothing runs until Start. Pause lets in-flight jobs finish and keeps the
// pending ones, in order, for the next Start.
//
//	s, _ := qyu.New(qyu.Config{MaxConcurrency: 2},
//		qyu.WithNotifier(qyu.NotifierFunc(func(n qyu.Notification) { ... })))
//	defer s.Close(context.Background())
//	id, _ := s.Push(op, qyu.WithPriority(1))
//	started, _ := s.Start()
//	_ = started.Wait(ctx)
package qyu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qyu/internal/engine"
	"qyu/internal/job"
	"qyu/internal/queue"
	"qyu/internal/transition"
	logx "qyu/pkg/logx"
)

type (
	Operation    = job.Operation
	IDFunc       = job.IDFunc
	Completion   = engine.Completion
	Notification = engine.Notification
	Notifier     = engine.Notifier
	NotifierFunc = engine.NotifierFunc
	EventKind    = engine.EventKind
	State        = engine.State
	PanicError   = engine.PanicError
)

const (
	EventJobSucceeded = engine.EventJobSucceeded
	EventJobFailed    = engine.EventJobFailed
	EventDrain        = engine.EventDrain
	EventStats        = engine.EventStats
)

const (
	DefaultMaxConcurrency = engine.DefaultMaxConcurrency
	DefaultStatsInterval  = 500 * time.Millisecond
	DefaultPriorityLevels = queue.DefaultLevels
)

var (
	ErrClosed             = errors.New("scheduler closed")
	ErrInvalidConfig      = errors.New("invalid scheduler config")
	ErrInvalidInterval    = errors.New("stats interval must be > 0")
	ErrCleared            = engine.ErrCleared
	ErrDebounced          = transition.ErrDebounced
	ErrNilOperation       = queue.ErrNilOperation
	ErrPriorityOutOfRange = queue.ErrPriorityOutOfRange
	ErrInvalidConcurrency = engine.ErrInvalidConcurrency
)

// Config holds the scheduler knobs. Zero fields take their defaults.
type Config struct {
	MaxConcurrency int
	StatsInterval  time.Duration
	PriorityLevels int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency: DefaultMaxConcurrency,
		StatsInterval:  DefaultStatsInterval,
		PriorityLevels: DefaultPriorityLevels,
	}
}

func (c Config) normalize() (Config, error) {
	if c.MaxConcurrency < 0 {
		return c, fmt.Errorf("%w: max_concurrency %d", ErrInvalidConfig, c.MaxConcurrency)
	}
	if c.StatsInterval < 0 {
		return c, fmt.Errorf("%w: stats_interval %s", ErrInvalidConfig, c.StatsInterval)
	}
	if c.PriorityLevels < 0 {
		return c, fmt.Errorf("%w: priority_levels %d", ErrInvalidConfig, c.PriorityLevels)
	}
	d := DefaultConfig()
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = d.StatsInterval
	}
	if c.PriorityLevels == 0 {
		c.PriorityLevels = d.PriorityLevels
	}
	return c, nil
}

type Option func(*options)

type options struct {
	ctx      context.Context
	log      logx.Logger
	notifier Notifier
	ids      IDFunc
}

func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithNotifier sets the notification sink. Notifications are delivered in
// order from a dedicated goroutine, so the sink may call back into the
// scheduler (but must not call Close).
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithIDGenerator replaces the default UUID job ids.
func WithIDGenerator(ids IDFunc) Option {
	return func(o *options) { o.ids = ids }
}

// WithContext sets the parent of the context passed to operations.
// Cancelling it shuts the scheduler down as if Close was called.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

type PushOption func(*pushOptions)

type pushOptions struct {
	priority int
	set      bool
}

// WithPriority pushes at p instead of the default (middle) priority.
func WithPriority(p int) PushOption {
	return func(o *pushOptions) { o.priority, o.set = p, true }
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	engine.Snapshot

	Queued           int
	QueuedByPriority []int
	StatsInterval    time.Duration
	Closed           bool
}
