package config

// Config is the root of the service configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Stores lists the backing data stores in declaration order. The order is
	// also the order of availability reports and the default fallback order.
	Stores []StoreConfig `json:"stores"`

	// DefaultStore names the store used for the unset marker. Default: "SPD".
	DefaultStore string `json:"default_store,omitempty"`

	Probe      ProbeConfig       `json:"probe,omitempty"`
	Registry   RegistryConfig    `json:"registry,omitempty"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Upstream   UpstreamConfig    `json:"upstream,omitempty"`
	HTTP       HTTPConfig        `json:"http,omitempty"`
}

// StoreConfig describes one named connection pool.
//
// Example:
//
//	"stores": [
//	  { "name": "SPD", "driver": "sqlite", "dsn": "./data/spd.db" },
//	  { "name": "SCM", "driver": "postgres", "dsn": "host=db user=scm dbname=scm sslmode=disable" }
//	]
type StoreConfig struct {
	Name   string `json:"name"`
	Driver string `json:"driver"` // sqlite | postgres
	DSN    string `json:"dsn"`    // never logged

	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	MaxOpenConns    int    `json:"max_open_conns,omitempty"`
	MaxIdleConns    int    `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `json:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime string `json:"conn_max_idle_time,omitempty"`
}

// ProbeConfig controls the availability prober.
type ProbeConfig struct {
	// Timeout bounds a single store probe. Default: "2s".
	Timeout string `json:"timeout,omitempty"`
}

// RegistryConfig selects where job definitions and system config live.
type RegistryConfig struct {
	// Store is the marker of the store holding scheduled_task and sys_config.
	// Empty means the default store.
	Store string `json:"store,omitempty"`
	// AutoMigrate creates/updates the tables at startup. Default: true.
	AutoMigrate *bool `json:"auto_migrate,omitempty"`
}

// SchedulerConfig controls the live job scheduler.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Trigger timezone (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	// StartupDelay defers the first refresh after start. Default: "3s".
	StartupDelay string `json:"startup_delay,omitempty"`

	// DefaultSchedule is used for definitions with an empty expression.
	// Default: "0 0/5 * * * ?".
	DefaultSchedule string `json:"default_schedule,omitempty"`

	// TriggerNowBypass makes manual triggers skip the enabled/cap re-check.
	// Default: true.
	TriggerNowBypass *bool `json:"trigger_now_bypass,omitempty"`

	// SkipIfRunning drops a fire while the previous run of the same job is
	// still executing. Default: false (overlap allowed).
	SkipIfRunning bool `json:"skip_if_running,omitempty"`

	// SpreadIntervals staggers the first run of interval schedules ("55m", "02:30")
	// by a per-job offset of up to 30s.
	SpreadIntervals bool `json:"spread_intervals,omitempty"`

	// JobTimeout bounds a single handler execution. "0s" disables it.
	JobTimeout string `json:"job_timeout,omitempty"`
}

// TaskEngineConfig controls the shared worker pool executing fires.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// UpstreamConfig controls the remote upstream connection used by sync handlers.
// Connection details are read from system config at run time.
type UpstreamConfig struct {
	// KeyPrefix of the system config keys. Default: "his.jdbc".
	KeyPrefix string `json:"key_prefix,omitempty"`
	// RecentWindow limits incremental charge-detail syncs. Default: "72h".
	RecentWindow string `json:"recent_window,omitempty"`
}

// HTTPConfig controls the management API server.
//
// Prefer binding to localhost; the API carries no authentication of its own.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Pprof   bool   `json:"pprof,omitempty"`

	// AllowInsecure permits a non-loopback bind.
	AllowInsecure bool `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
