// Package feeder pushes synthetic jobs into a scheduler on cron or interval
// schedules. It drives the demo workload of the run command and exercises
// hot reload of producer definitions.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "qyu/pkg/logx"
	"qyu/pkg/qyu"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownProducer = errors.New("unknown producer")
	ErrThrottled       = errors.New("push throttled")
)

// Pusher is the slice of the scheduler API the feeder needs.
type Pusher interface {
	Push(op qyu.Operation, opts ...qyu.PushOption) (string, error)
}

type Config struct {
	Enabled   bool
	Timezone  string
	PushRate  float64 // pushes per second; 0 disables the cap
	PushBurst int
	Producers []Producer
}

type Producer struct {
	Name      string
	Schedule  string
	Priority  int // 0 means the scheduler default
	Batch     int // 0 means 1
	Work      time.Duration
	FailEvery int
}

// ProducerSnapshot is a diagnostic view of one registered producer.
type ProducerSnapshot struct {
	Name     string
	Schedule string
	Kind     string
	Next     time.Time
	Fired    uint64
	Pushed   uint64
	Rejected uint64
}

type producer struct {
	def     Producer
	spec    ParsedSpec
	entryID cron.EntryID

	fired    atomic.Uint64
	pushed   atomic.Uint64
	rejected atomic.Uint64
	seq      atomic.Uint64
}

type Service struct {
	log    logx.Logger
	pusher Pusher
	parser cron.Parser

	mu        sync.Mutex
	cfg       Config
	c         *cron.Cron
	loc       *time.Location
	producers map[string]*producer
	unwatch   func() bool
	ended     bool

	// limiter is read by cron triggers without taking mu, since Apply may
	// hold mu while waiting for a running trigger.
	limiter atomic.Pointer[rate.Limiter]
}

func New(cfg Config, p Pusher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:       log.With(logx.String("comp", "feeder")),
		pusher:    p,
		parser:    newParser(),
		cfg:       cfg,
		producers: map[string]*producer{},
	}
	s.limiter.Store(newLimiter(cfg))
	return s
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.PushRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.PushBurst
	if burst <= 0 {
		burst = max(1, int(cfg.PushRate))
	}
	return rate.NewLimiter(rate.Limit(cfg.PushRate), burst)
}

// Validate checks that every producer schedule parses and names are unique.
func Validate(cfg Config) error {
	var errs []error
	seen := map[string]struct{}{}
	for _, p := range cfg.Producers {
		name := strings.TrimSpace(p.Name)
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("producer %q: duplicate name", name))
		}
		seen[name] = struct{}{}
		if _, err := ParseSchedule(p.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("producer %q: %w", name, err))
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Start begins triggering. It is a no-op when already started or disabled.
// Triggering ends when ctx is done; a later Apply does not revive it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || ctx.Err() != nil {
		return ctx.Err()
	}
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	if err := Validate(s.cfg); err != nil {
		return err
	}
	s.startLocked()
	if s.unwatch == nil {
		s.unwatch = context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.ended = true
			s.mu.Unlock()
			s.Stop(context.Background())
		})
	}
	return nil
}

func (s *Service) startLocked() {
	s.loc = loadLocation(s.cfg.Timezone)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	s.producers = map[string]*producer{}
	for _, def := range s.cfg.Producers {
		s.addLocked(def)
	}
	s.c.Start()
	s.log.Info("feeder started", logx.String("tz", s.loc.String()), logx.Int("producers", len(s.producers)))
}

// Stop halts triggering and waits for a running trigger to return.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("feeder stopped")
}

// Apply swaps in a new config. Producers whose definition is unchanged keep
// their schedule and counters; a timezone change re-registers everything.
func (s *Service) Apply(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	if old.PushRate != cfg.PushRate || old.PushBurst != cfg.PushBurst {
		s.limiter.Store(newLimiter(cfg))
	}

	switch {
	case s.c == nil && cfg.Enabled && !s.ended:
		s.startLocked()
		return nil
	case s.c == nil:
		return nil
	case !cfg.Enabled:
		c := s.c
		s.c = nil
		<-c.Stop().Done()
		s.log.Info("feeder disabled")
		return nil
	case strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone):
		<-s.c.Stop().Done()
		s.startLocked()
		return nil
	}

	want := make(map[string]Producer, len(cfg.Producers))
	for _, def := range cfg.Producers {
		want[strings.TrimSpace(def.Name)] = def
	}
	for name, p := range s.producers {
		if def, ok := want[name]; !ok || def != p.def {
			s.c.Remove(p.entryID)
			delete(s.producers, name)
			s.log.Debug("producer removed", logx.String("producer", name))
		}
	}
	for name, def := range want {
		if _, ok := s.producers[name]; !ok {
			s.addLocked(def)
		}
	}
	return nil
}

func (s *Service) addLocked(def Producer) {
	name := strings.TrimSpace(def.Name)
	spec, err := ParseSchedule(def.Schedule)
	if err != nil {
		s.log.Warn("producer skipped", logx.String("producer", name), logx.Err(err))
		return
	}
	p := &producer{def: def, spec: spec}
	job := cron.FuncJob(func() { _, _ = s.fire(p) })

	if spec.Kind == SpecInterval {
		sched, jitter := intervalSchedule(spec.Every, time.Now().In(s.loc), name)
		p.entryID = s.c.Schedule(sched, job)
		s.log.Debug("producer added", logx.String("producer", name),
			logx.String("schedule", spec.String()), logx.Duration("spread", jitter))
	} else {
		id, err := s.c.AddJob(spec.Cron, job)
		if err != nil {
			s.log.Warn("producer skipped", logx.String("producer", name), logx.Err(err))
			return
		}
		p.entryID = id
		s.log.Debug("producer added", logx.String("producer", name), logx.String("schedule", spec.String()))
	}
	s.producers[name] = p
}

// Fire pushes one batch for the named producer immediately, as if its
// schedule had triggered. It needs the service started.
func (s *Service) Fire(name string) (int, error) {
	s.mu.Lock()
	p, ok := s.producers[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProducer, name)
	}
	return s.fire(p)
}

func (s *Service) fire(p *producer) (int, error) {
	p.fired.Add(1)
	limiter := s.limiter.Load()

	batch := max(1, p.def.Batch)
	var opts []qyu.PushOption
	if p.def.Priority > 0 {
		opts = append(opts, qyu.WithPriority(p.def.Priority))
	}

	pushed := 0
	var errs []error
	for range batch {
		// Never block the cron goroutine; excess pushes are dropped.
		if !limiter.Allow() {
			p.rejected.Add(1)
			errs = append(errs, ErrThrottled)
			continue
		}
		n := p.seq.Add(1)
		if _, err := s.pusher.Push(syntheticOp(p.def, n), opts...); err != nil {
			p.rejected.Add(1)
			errs = append(errs, err)
			continue
		}
		pushed++
	}
	p.pushed.Add(uint64(pushed))

	err := errors.Join(errs...)
	if err != nil {
		s.log.Warn("producer push rejected", logx.String("producer", p.def.Name),
			logx.Int("pushed", pushed), logx.Int("rejected", batch-pushed), logx.Err(err))
	} else {
		s.log.Debug("producer fired", logx.String("producer", p.def.Name), logx.Int("pushed", pushed))
	}
	return pushed, err
}

// syntheticOp sleeps for def.Work (or until the scheduler shuts down) and
// fails every FailEvery-th job.
func syntheticOp(def Producer, n uint64) qyu.Operation {
	label := fmt.Sprintf("%s#%d", def.Name, n)
	return func(ctx context.Context) (any, error) {
		if def.Work > 0 {
			t := time.NewTimer(def.Work)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		if def.FailEvery > 0 && n%uint64(def.FailEvery) == 0 {
			return nil, fmt.Errorf("%s: synthetic failure", label)
		}
		return label, nil
	}
}

func (s *Service) Snapshot() []ProducerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProducerSnapshot, 0, len(s.producers))
	for name, p := range s.producers {
		ps := ProducerSnapshot{
			Name:     name,
			Schedule: p.spec.String(),
			Kind:     p.spec.Kind.String(),
			Fired:    p.fired.Load(),
			Pushed:   p.pushed.Load(),
			Rejected: p.rejected.Load(),
		}
		if s.c != nil {
			ps.Next = s.c.Entry(p.entryID).Next
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
