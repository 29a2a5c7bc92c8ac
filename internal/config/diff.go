package config

import (
	"reflect"
	"sort"
	"strings"

	logx "qyu/pkg/logx"
)

// SummarizeChange returns (1) the sorted list of changed sections,
// (2) structured attrs describing the new values for logging, and
// (3) the names of producers that were added, removed or modified.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	oSched, nSched := oldCfg.Scheduler, newCfg.Scheduler
	if oSched.MaxConcurrency != nSched.MaxConcurrency ||
		strings.TrimSpace(oSched.StatsInterval) != strings.TrimSpace(nSched.StatsInterval) ||
		oSched.PriorityLevels != nSched.PriorityLevels ||
		strings.TrimSpace(oSched.ShutdownTimeout) != strings.TrimSpace(nSched.ShutdownTimeout) ||
		!reflect.DeepEqual(oSched.AutoStart, nSched.AutoStart) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_concurrency", nSched.MaxConcurrency),
			logx.String("scheduler.stats_interval", strings.TrimSpace(nSched.StatsInterval)),
			logx.Bool("scheduler.priority_levels_changed", oSched.PriorityLevels != nSched.PriorityLevels),
		)
	}

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) || oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.enabled", newCfg.Storage != nil),
			logx.String("storage.driver", nDriver),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	of, nf := derefFeeder(oldCfg.Feeder), derefFeeder(newCfg.Feeder)
	producers := diffProducers(of.Producers, nf.Producers)
	if of.Enabled != nf.Enabled ||
		strings.TrimSpace(of.Timezone) != strings.TrimSpace(nf.Timezone) ||
		of.PushRate != nf.PushRate ||
		of.PushBurst != nf.PushBurst ||
		len(producers) > 0 {
		changed = append(changed, "feeder")
		attrs = append(attrs,
			logx.Bool("feeder.enabled", nf.Enabled),
			logx.String("feeder.timezone", strings.TrimSpace(nf.Timezone)),
			logx.Any("feeder.push_rate", nf.PushRate),
			logx.Int("feeder.producer_count", len(nf.Producers)),
			logx.Int("feeder.changed_count", len(producers)),
		)
	}

	oa, na := derefAdmin(oldCfg.Admin), derefAdmin(newCfg.Admin)
	if oa != na {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("admin.pprof", na.Pprof),
			logx.Bool("admin.token_set", na.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs, producers
}

func derefFeeder(f *FeederConfig) FeederConfig {
	if f == nil {
		return FeederConfig{}
	}
	return *f
}

func derefAdmin(a *AdminConfig) AdminConfig {
	if a == nil {
		return AdminConfig{}
	}
	return *a
}

func diffProducers(oldP, newP []ProducerConfig) []string {
	index := func(ps []ProducerConfig) map[string]ProducerConfig {
		m := make(map[string]ProducerConfig, len(ps))
		for _, p := range ps {
			m[strings.TrimSpace(p.Name)] = p
		}
		return m
	}
	om, nm := index(oldP), index(newP)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := om[name]
		n, inNew := nm[name]
		if inOld != inNew || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
