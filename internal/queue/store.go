// Package queue implements the priority store: N FIFO bands of jobs that have
// not been dispatched yet. Band 0 holds priority 1 (the highest).
//
// Store is a plain data structure. It owns no goroutines and is not safe for
// concurrent use; the scheduler loop serializes all access.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qyu/internal/job"
)

const DefaultLevels = 10

var (
	ErrNilOperation       = errors.New("job operation is nil")
	ErrPriorityOutOfRange = errors.New("job priority out of range")
)

type band struct {
	items []job.Job
}

func (b *band) push(j job.Job) { b.items = append(b.items, j) }

// take removes up to n jobs from the front of the band.
func (b *band) take(n int) []job.Job {
	if n > len(b.items) {
		n = len(b.items)
	}
	if n <= 0 {
		return nil
	}
	out := make([]job.Job, n)
	copy(out, b.items[:n])
	// Drop references so operations can be collected once dispatched.
	for i := 0; i < n; i++ {
		b.items[i] = job.Job{}
	}
	b.items = b.items[n:]
	if len(b.items) == 0 {
		b.items = nil
	}
	return out
}

type Store struct {
	bands []band
	count int
	ids   job.IDFunc
	now   func() time.Time
}

// New creates a store with the given number of priority levels.
// levels <= 0 falls back to a single band. A nil ids uses random UUIDs.
func New(levels int, ids job.IDFunc) *Store {
	if levels <= 0 {
		levels = 1
	}
	if ids == nil {
		ids = uuid.NewString
	}
	return &Store{
		bands: make([]band, levels),
		ids:   ids,
		now:   time.Now,
	}
}

func (s *Store) Levels() int { return len(s.bands) }

// DefaultPriority is the middle band, ceil(N/2).
func (s *Store) DefaultPriority() int { return (len(s.bands) + 1) / 2 }

// Len is the total number of queued jobs.
func (s *Store) Len() int { return s.count }

// LenByPriority returns the queue length of each band, index 0 = priority 1.
func (s *Store) LenByPriority() []int {
	out := make([]int, len(s.bands))
	for i := range s.bands {
		out[i] = len(s.bands[i].items)
	}
	return out
}

// Push appends op to the band for priority and returns the assigned id.
func (s *Store) Push(op job.Operation, priority int) (string, error) {
	if op == nil {
		return "", ErrNilOperation
	}
	if priority < 1 || priority > len(s.bands) {
		return "", fmt.Errorf("%w: %d not in [1,%d]", ErrPriorityOutOfRange, priority, len(s.bands))
	}
	j := job.Job{
		ID:       s.ids(),
		Priority: priority,
		Op:       op,
		PushedAt: s.now(),
	}
	s.bands[priority-1].push(j)
	s.count++
	return j.ID, nil
}

// Pull removes up to n jobs, highest priority first and FIFO within a band.
// It returns the jobs and the number still queued.
func (s *Store) Pull(n int) ([]job.Job, int) {
	if n <= 0 || s.count == 0 {
		return nil, s.count
	}
	var out []job.Job
	for i := range s.bands {
		need := n - len(out)
		if need <= 0 {
			break
		}
		out = append(out, s.bands[i].take(need)...)
	}
	s.count -= len(out)
	return out, s.count
}

// PullAll drains every band in priority order.
func (s *Store) PullAll() ([]job.Job, int) {
	if s.count == 0 {
		return nil, 0
	}
	out := make([]job.Job, 0, s.count)
	for i := range s.bands {
		out = append(out, s.bands[i].take(len(s.bands[i].items))...)
	}
	s.count = 0
	return out, 0
}

func (s *Store) Clear() {
	for i := range s.bands {
		s.bands[i] = band{}
	}
	s.count = 0
}
