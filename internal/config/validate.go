package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "qyu/pkg/logx"
	"qyu/pkg/qyu"
)

const DefaultShutdownTimeout = 10 * time.Second

var ErrInvalid = errors.New("invalid config")

// Scheduler is SchedulerConfig with durations parsed and defaults applied.
type Scheduler struct {
	Queue           qyu.Config
	ShutdownTimeout time.Duration
	AutoStart       bool
}

func (c SchedulerConfig) Resolve() (Scheduler, error) {
	sched, errs := c.resolve()
	if len(errs) > 0 {
		return Scheduler{}, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return sched, nil
}

func (c SchedulerConfig) resolve() (Scheduler, []error) {
	var errs []error
	if c.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrency: must be >= 0"))
	}
	if c.PriorityLevels < 0 {
		errs = append(errs, fmt.Errorf("scheduler.priority_levels: must be >= 0"))
	}
	stats, err := ParseDurationOrDefault("scheduler.stats_interval", c.StatsInterval, qyu.DefaultStatsInterval)
	if err != nil {
		errs = append(errs, err)
	}
	shutdown, err := ParseDurationOrDefault("scheduler.shutdown_timeout", c.ShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Scheduler{}, errs
	}

	q := qyu.DefaultConfig()
	if c.MaxConcurrency > 0 {
		q.MaxConcurrency = c.MaxConcurrency
	}
	if c.PriorityLevels > 0 {
		q.PriorityLevels = c.PriorityLevels
	}
	q.StatsInterval = stats
	return Scheduler{
		Queue:           q,
		ShutdownTimeout: shutdown,
		AutoStart:       c.AutoStart == nil || *c.AutoStart,
	}, nil
}

// Logx converts the logging section into the logger service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// Validate checks every section and reports all problems at once. Schedule
// syntax is left to the feeder, which owns the parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	sched, errs := cfg.Scheduler.resolve()
	schedOK := len(errs) == 0

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if strings.TrimSpace(s.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required"))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if f := cfg.Feeder; f != nil {
		if tz := strings.TrimSpace(f.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("feeder.timezone: %w", err))
			}
		}
		if f.PushRate < 0 {
			errs = append(errs, fmt.Errorf("feeder.push_rate: must be >= 0"))
		}
		if f.PushBurst < 0 {
			errs = append(errs, fmt.Errorf("feeder.push_burst: must be >= 0"))
		}
		levels := qyu.DefaultPriorityLevels
		if schedOK {
			levels = sched.Queue.PriorityLevels
		}
		seen := make(map[string]struct{}, len(f.Producers))
		for i, p := range f.Producers {
			at := fmt.Sprintf("feeder.producers[%d]", i)
			name := strings.TrimSpace(p.Name)
			if name == "" {
				errs = append(errs, fmt.Errorf("%s.name: required", at))
			} else if _, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("%s.name: duplicate %q", at, name))
			}
			seen[name] = struct{}{}
			if strings.TrimSpace(p.Schedule) == "" {
				errs = append(errs, fmt.Errorf("%s.schedule: required", at))
			}
			if p.Priority < 0 || p.Priority > levels {
				errs = append(errs, fmt.Errorf("%s.priority: %d not in [1,%d]", at, p.Priority, levels))
			}
			if p.Batch < 0 {
				errs = append(errs, fmt.Errorf("%s.batch: must be >= 0", at))
			}
			if p.FailEvery < 0 {
				errs = append(errs, fmt.Errorf("%s.fail_every: must be >= 0", at))
			}
			if _, err := ParseDurationField(at+".work", p.Work); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if a := cfg.Admin; a != nil {
		if addr := strings.TrimSpace(a.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("admin.addr: %w", err))
			}
		}
		for _, f := range [...]struct{ name, v string }{
			{"admin.read_timeout", a.ReadTimeout},
			{"admin.write_timeout", a.WriteTimeout},
			{"admin.idle_timeout", a.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.name, f.v); err != nil {
				errs = append(errs, err)
			}
		}
		if a.MutexProfileFraction < 0 || a.BlockProfileRate < 0 {
			errs = append(errs, fmt.Errorf("admin: profile rates must be >= 0"))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
