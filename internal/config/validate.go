package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultStoreName       = "SPD"
	DefaultProbeTimeout    = 2 * time.Second
	DefaultStartupDelay    = 3 * time.Second
	DefaultCronSchedule    = "0 0/5 * * * ?"
	DefaultHTTPAddr        = "127.0.0.1:8089"
	DefaultUpstreamPrefix  = "his.jdbc"
	DefaultUpstreamWindow  = 72 * time.Hour
	defaultEngineWorkers   = 4
	defaultEngineQueueSize = 256
	defaultEngineHistory   = 200
)

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks structural problems that would make startup meaningless.
// Store connectivity is NOT checked here: a down store is a runtime condition.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(cfg.Stores))
	for i, s := range cfg.Stores {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("%w: stores[%d].name is empty", ErrInvalidConfig, i)
		}
		key := strings.ToUpper(name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate store %q", ErrInvalidConfig, name)
		}
		seen[key] = struct{}{}
		for field, raw := range map[string]string{
			"busy_timeout":       s.BusyTimeout,
			"conn_max_lifetime":  s.ConnMaxLifetime,
			"conn_max_idle_time": s.ConnMaxIdleTime,
		} {
			if _, err := ParseDurationField(fmt.Sprintf("stores[%d].%s", i, field), raw); err != nil {
				return err
			}
		}
	}
	for path, raw := range map[string]string{
		"probe.timeout":           cfg.Probe.Timeout,
		"scheduler.startup_delay": cfg.Scheduler.StartupDelay,
		"scheduler.job_timeout":   cfg.Scheduler.JobTimeout,
		"upstream.recent_window":  cfg.Upstream.RecentWindow,
		"http.read_timeout":       cfg.HTTP.ReadTimeout,
		"http.write_timeout":      cfg.HTTP.WriteTimeout,
		"http.idle_timeout":       cfg.HTTP.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if cfg.TaskEngine != nil {
		if _, err := ParseDurationField("task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%w: scheduler.timezone %q: %v", ErrInvalidConfig, tz, err)
		}
	}
	return nil
}

// DefaultStoreOrFallback returns the configured default store marker.
func (c *Config) DefaultStoreOrFallback() string {
	if s := strings.TrimSpace(c.DefaultStore); s != "" {
		return s
	}
	return DefaultStoreName
}

func (c *Config) ProbeTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("probe.timeout", c.Probe.Timeout, DefaultProbeTimeout)
	return d
}

func (c *Config) AutoMigrate() bool {
	return c.Registry.AutoMigrate == nil || *c.Registry.AutoMigrate
}

func (s SchedulerConfig) StartupDelayOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.startup_delay", s.StartupDelay, DefaultStartupDelay)
	return d
}

func (s SchedulerConfig) DefaultScheduleOrFallback() string {
	if v := strings.TrimSpace(s.DefaultSchedule); v != "" {
		return v
	}
	return DefaultCronSchedule
}

func (s SchedulerConfig) TriggerNowBypassOrDefault() bool {
	return s.TriggerNowBypass == nil || *s.TriggerNowBypass
}

func (s SchedulerConfig) JobTimeoutOrZero() time.Duration {
	d, _ := ParseDurationField("scheduler.job_timeout", s.JobTimeout)
	return d
}

// EngineSettings resolves task_engine with defaults applied.
type EngineSettings struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
}

func (c *Config) EngineSettings() EngineSettings {
	out := EngineSettings{
		Workers:     defaultEngineWorkers,
		QueueSize:   defaultEngineQueueSize,
		HistorySize: defaultEngineHistory,
	}
	if te := c.TaskEngine; te != nil {
		if te.Workers > 0 {
			out.Workers = te.Workers
		}
		if te.QueueSize > 0 {
			out.QueueSize = te.QueueSize
		}
		if te.HistorySize > 0 {
			out.HistorySize = te.HistorySize
		}
		out.DefaultTimeout, _ = ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	}
	return out
}

func (u UpstreamConfig) KeyPrefixOrDefault() string {
	if p := strings.TrimSpace(u.KeyPrefix); p != "" {
		return strings.TrimSuffix(p, ".")
	}
	return DefaultUpstreamPrefix
}

func (u UpstreamConfig) RecentWindowOrDefault() time.Duration {
	d, _ := ParseDurationOrDefault("upstream.recent_window", u.RecentWindow, DefaultUpstreamWindow)
	return d
}

func (h HTTPConfig) AddrOrDefault() string {
	if a := strings.TrimSpace(h.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}
