package config

import (
	"reflect"
	"strings"

	logx "scmbridge/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes DSNs), and
// (3) the sections that changed but only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)
	restart := make([]string, 0, 3)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Bool("scheduler.trigger_now_bypass", newCfg.Scheduler.TriggerNowBypassOrDefault()),
		)
	}

	if oldCfg.Probe.Timeout != newCfg.Probe.Timeout {
		changed = append(changed, "probe")
		attrs = append(attrs, logx.Duration("probe.timeout", newCfg.ProbeTimeout()))
	}

	if !reflect.DeepEqual(oldCfg.Stores, newCfg.Stores) || oldCfg.DefaultStore != newCfg.DefaultStore {
		changed = append(changed, "stores")
		restart = append(restart, "stores")
		names := make([]string, 0, len(newCfg.Stores))
		for _, s := range newCfg.Stores {
			names = append(names, s.Name)
		}
		attrs = append(attrs, logx.String("stores.names", strings.Join(names, ",")))
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		restart = append(restart, "task_engine")
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.AddrOrDefault()),
		)
	}
	if !reflect.DeepEqual(oldCfg.Upstream, newCfg.Upstream) || !reflect.DeepEqual(oldCfg.Registry, newCfg.Registry) {
		changed = append(changed, "upstream/registry")
		restart = append(restart, "upstream/registry")
	}

	return changed, attrs, restart
}
