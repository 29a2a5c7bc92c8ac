// Package notify adapts scheduler notifications to their consumers.
package notify

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"qyu/internal/eventbus"
	"qyu/internal/storage"
	logx "qyu/pkg/logx"
	"qyu/pkg/qyu"

	"golang.org/x/time/rate"
)

// Funcs dispatches each notification kind to its callback. Nil callbacks
// are skipped.
type Funcs struct {
	OnSuccess func(id string, result any)
	OnFailure func(id string, err error)
	OnDrain   func()
	OnStats   func(processed int)
}

func (f Funcs) Notify(n qyu.Notification) {
	switch n.Kind {
	case qyu.EventJobSucceeded:
		if f.OnSuccess != nil {
			f.OnSuccess(n.JobID, n.Result)
		}
	case qyu.EventJobFailed:
		if f.OnFailure != nil {
			f.OnFailure(n.JobID, n.Err)
		}
	case qyu.EventDrain:
		if f.OnDrain != nil {
			f.OnDrain()
		}
	case qyu.EventStats:
		if f.OnStats != nil {
			f.OnStats(n.Processed)
		}
	}
}

// Bus publishes every notification on an event bus. The event Type is the
// notification kind and Data the Notification itself.
type Bus struct {
	bus eventbus.Bus
}

func NewBus(b eventbus.Bus) Bus { return Bus{bus: b} }

func (b Bus) Notify(n qyu.Notification) {
	b.bus.Publish(eventbus.Event{Type: string(n.Kind), Time: n.At, Data: n})
}

// Fanout delivers to each sink in order. A sink that panics is logged and
// skipped so the rest still receive the notification.
type Fanout struct {
	sinks []qyu.Notifier
	log   logx.Logger
}

func NewFanout(log logx.Logger, sinks ...qyu.Notifier) *Fanout {
	f := &Fanout{log: log}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Notify(n qyu.Notification) {
	for i, s := range f.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.log.Error("notification sink panicked",
						logx.Int("sink", i),
						logx.String("kind", string(n.Kind)),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
			}()
			s.Notify(n)
		}()
	}
}

const recordTimeout = 2 * time.Second

// Recorder journals job outcomes and stats windows. Drain notifications
// are not recorded.
type Recorder struct {
	store storage.Store
	log   logx.Logger

	failed  atomic.Uint64
	warnLog rate.Sometimes
}

func NewRecorder(store storage.Store, log logx.Logger) *Recorder {
	return &Recorder{
		store:   store,
		log:     log.With(logx.String("comp", "recorder")),
		warnLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

func (r *Recorder) Notify(n qyu.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	var err error
	switch n.Kind {
	case qyu.EventJobSucceeded, qyu.EventJobFailed:
		o := storage.Outcome{
			At:       n.At,
			JobID:    n.JobID,
			Priority: n.Priority,
			OK:       n.Kind == qyu.EventJobSucceeded,
			TookMS:   n.Duration.Milliseconds(),
			Stale:    n.Stale,
		}
		if n.Err != nil {
			o.Error = n.Err.Error()
		}
		err = r.store.AppendOutcome(ctx, o)
	case qyu.EventStats:
		err = r.store.AppendWindow(ctx, storage.Window{
			At:         n.At,
			Processed:  n.Processed,
			IntervalMS: n.Interval.Milliseconds(),
		})
	default:
		return
	}
	if err != nil {
		total := r.failed.Add(1)
		r.warnLog.Do(func() {
			r.log.Warn("journal write failed",
				logx.String("kind", string(n.Kind)),
				logx.Uint64("failures", total),
				logx.Err(err))
		})
	}
}

// Failures reports how many writes the journal rejected.
func (r *Recorder) Failures() uint64 { return r.failed.Load() }
