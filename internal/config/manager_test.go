package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
default_store: SPD
stores:
  - name: SPD
    driver: sqlite
    dsn: ./spd.db
    busy_timeout: 5s
  - name: SCM
    driver: postgres
    dsn: host=localhost user=scm dbname=scm
probe:
  timeout: 1500ms
scheduler:
  enabled: true
  timezone: UTC
  trigger_now_bypass: false
`

func TestParseBytesYAML(t *testing.T) {
	t.Parallel()

	cfg, err := ParseBytes("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Stores, 2)
	assert.Equal(t, "SPD", cfg.Stores[0].Name)
	assert.Equal(t, "postgres", cfg.Stores[1].Driver)
	assert.Equal(t, 1500*time.Millisecond, cfg.ProbeTimeout())
	assert.False(t, cfg.Scheduler.TriggerNowBypassOrDefault())
	assert.Equal(t, DefaultStartupDelay, cfg.Scheduler.StartupDelayOrDefault())
	assert.Equal(t, DefaultCronSchedule, cfg.Scheduler.DefaultScheduleOrFallback())
	assert.True(t, cfg.AutoMigrate())
}

func TestParseBytesRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		doc  string
	}{
		{name: "unknown field", file: "c.json", doc: `{"scheduler":{"enabled":true},"bogus":1}`},
		{name: "trailing data", file: "c.json", doc: `{"scheduler":{}} {}`},
		{name: "duplicate store", file: "c.json", doc: `{"scheduler":{},"stores":[{"name":"SPD"},{"name":"spd"}]}`},
		{name: "empty store name", file: "c.json", doc: `{"scheduler":{},"stores":[{"name":" "}]}`},
		{name: "bad duration", file: "c.json", doc: `{"scheduler":{},"probe":{"timeout":"soon"}}`},
		{name: "bad timezone", file: "c.json", doc: `{"scheduler":{"timezone":"Mars/Olympus"}}`},
		{name: "bad yaml", file: "c.yaml", doc: "stores: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseBytes(tt.file, []byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestManagerLoadAndSubscribe(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	m.publish(cfg)
	select {
	case got := <-ch:
		assert.Same(t, cfg, got)
	default:
		t.Fatal("expected published config")
	}
	m.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg, err := ParseBytes("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := ParseBytes("b.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	newCfg.Logging.Level = "info"
	newCfg.Stores = newCfg.Stores[:1]

	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Contains(t, changed, "logging")
	assert.Contains(t, changed, "stores")
	assert.Equal(t, []string{"stores"}, restart)
}

func TestReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	m := NewConfigManager(path)
	first, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	published, err := m.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, published, "same bytes are not republished")

	changed := strings.Replace(sampleYAML, "level: debug", "level: info", 1)
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))
	published, err = m.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, published)
	got := <-ch
	assert.Equal(t, "info", got.Logging.Level)
	assert.NotSame(t, first, m.Get())

	require.NoError(t, os.WriteFile(path, []byte("stores: [\n"), 0o644))
	_, err = m.Reload(ctx)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, "info", m.Get().Logging.Level, "a broken file keeps the current config")

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	_, err = m.Reload(ctx)
	require.ErrorContains(t, err, "config rejected")
	assert.Equal(t, "info", m.Get().Logging.Level)
}

func TestWatchPublishesFileChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	changed := strings.Replace(sampleYAML, "timeout: 1500ms", "timeout: 3s", 1)
	require.Eventually(t, func() bool {
		// Rewrite until the watcher is up and has seen it.
		_ = os.WriteFile(path, []byte(changed), 0o644)
		select {
		case got := <-ch:
			return got.ProbeTimeout() == 3*time.Second
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
}

func TestExpandEnvInDSN(t *testing.T) {
	t.Setenv("SCMBRIDGE_TEST_PG_PASS", "s3cret")
	doc := `{"scheduler":{},"stores":[{"name":"SCM","driver":"postgres","dsn":"user=scm password=${SCMBRIDGE_TEST_PG_PASS} host=${SCMBRIDGE_TEST_UNSET}"}]}`
	cfg, err := ParseBytes("c.json", []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "user=scm password=s3cret host=${SCMBRIDGE_TEST_UNSET}", cfg.Stores[0].DSN)
}

func TestFormatSniffing(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("config", []byte("scheduler:\n  enabled: true\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.Enabled)

	cfg, err = ParseBytes("config", []byte(`{"scheduler":{"enabled":true}}`))
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{"90s", 90 * time.Second, true},
		{"3d", 72 * time.Hour, true},
		{" 1h30m ", 90 * time.Minute, true},
		{"-1s", 0, false},
		{"xd", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if !tt.ok {
			assert.ErrorIs(t, err, ErrInvalidConfig, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
