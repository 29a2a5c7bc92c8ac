package config

type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`

	// Storage enables the outcome journal. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Feeder runs the schedule-driven producers. Nil means no producers.
	Feeder *FeederConfig `json:"feeder,omitempty"`

	// Admin serves /healthz, /status and optionally pprof. Nil means off.
	Admin *AdminConfig `json:"admin,omitempty"`
}

// SchedulerConfig controls the job scheduler.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_concurrency: 5
//   - stats_interval: "500ms"
//   - priority_levels: 10
//   - shutdown_timeout: "10s"
//
// priority_levels is read at startup only; changing it requires a restart.
type SchedulerConfig struct {
	MaxConcurrency  int    `json:"max_concurrency,omitempty"`
	StatsInterval   string `json:"stats_interval,omitempty"`
	PriorityLevels  int    `json:"priority_levels,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// AutoStart starts the scheduler right after boot.
	AutoStart *bool `json:"auto_start,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// StorageConfig controls the outcome journal.
//
// driver: "file" (JSONL) or "sqlite".
// path: for file driver this is a path prefix; for sqlite it's the DB file.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FeederConfig describes synthetic job producers. Each producer pushes
// Batch jobs on its schedule.
type FeederConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name used for cron schedules. Empty means local.
	Timezone string `json:"timezone,omitempty"`
	// PushRate caps pushes per second across all producers. 0 disables the cap.
	PushRate  float64          `json:"push_rate,omitempty"`
	PushBurst int              `json:"push_burst,omitempty"`
	Producers []ProducerConfig `json:"producers"`
}

// ProducerConfig: schedule accepts the same forms as the feeder parser
// ("every:5s", "cron:*/10 * * * * *", "08:30", "1m").
type ProducerConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Priority int    `json:"priority,omitempty"`
	Batch    int    `json:"batch,omitempty"`
	// Work is how long each synthetic job runs.
	Work string `json:"work,omitempty"`
	// FailEvery makes every Nth job of this producer fail. 0 never fails.
	FailEvery int `json:"fail_every,omitempty"`
}

// AdminConfig controls the operator HTTP server.
//
// addr defaults to 127.0.0.1:6060. Binding to a non-loopback address
// requires token unless allow_insecure is set.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
