// Package job holds the unit of work shared by the store, the engine and the
// public scheduler.
package job

import (
	"context"
	"time"
)

// Operation is a unit of asynchronous work.
//
// The context is cancelled only when the owning scheduler is closed.
// Pause and Clear never cancel an operation that is already running.
type Operation func(ctx context.Context) (any, error)

// IDFunc generates a job id. It is called once per accepted push.
type IDFunc func() string

// Job is a submitted operation waiting for (or undergoing) dispatch.
type Job struct {
	ID       string
	Priority int
	Op       Operation
	PushedAt time.Time
}
