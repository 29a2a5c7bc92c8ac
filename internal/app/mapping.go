package app

import (
	"fmt"
	"strings"
	"time"

	"qyu/internal/config"
	"qyu/internal/feeder"
	"qyu/internal/observability/admin"
	"qyu/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapFeederConfig returns a disabled config when the section is omitted.
func mapFeederConfig(cfg *config.Config) (feeder.Config, error) {
	if cfg == nil || cfg.Feeder == nil {
		return feeder.Config{}, nil
	}
	fc := cfg.Feeder
	out := feeder.Config{
		Enabled:   fc.Enabled,
		Timezone:  fc.Timezone,
		PushRate:  fc.PushRate,
		PushBurst: fc.PushBurst,
		Producers: make([]feeder.Producer, 0, len(fc.Producers)),
	}
	for i, p := range fc.Producers {
		work, err := config.ParseDurationField(fmt.Sprintf("feeder.producers[%d].work", i), p.Work)
		if err != nil {
			return feeder.Config{}, err
		}
		out.Producers = append(out.Producers, feeder.Producer{
			Name:      strings.TrimSpace(p.Name),
			Schedule:  p.Schedule,
			Priority:  p.Priority,
			Batch:     p.Batch,
			Work:      work,
			FailEvery: p.FailEvery,
		})
	}
	return out, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	if cfg == nil || cfg.Admin == nil {
		return admin.Config{}, nil
	}
	ac := cfg.Admin
	out := admin.Config{
		Enabled:              ac.Enabled,
		Addr:                 strings.TrimSpace(ac.Addr),
		Token:                strings.TrimSpace(ac.Token),
		AllowInsecure:        ac.AllowInsecure,
		Pprof:                ac.Pprof,
		MutexProfileFraction: ac.MutexProfileFraction,
		BlockProfileRate:     ac.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 5*time.Second); err != nil {
		return admin.Config{}, err
	}
	// pprof profile and trace stream for their ?seconds= window.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("admin.write_timeout", ac.WriteTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", ac.IdleTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}

// validate is installed on the config manager so a hot reload is rejected
// before anything is applied.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAdminConfig(cfg); err != nil {
		return err
	}
	fc, err := mapFeederConfig(cfg)
	if err != nil {
		return err
	}
	return feeder.Validate(fc)
}
