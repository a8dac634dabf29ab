package config

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	logx "scmbridge/pkg/logx"
)

const validateTimeout = 5 * time.Second

// ConfigManager holds the current config and republishes it when the file
// changes. Subscribers only ever see validated configs.
type ConfigManager struct {
	path string

	mu   sync.RWMutex
	cfg  *Config
	hash uint64 // of the raw file bytes last committed

	subs subscribers

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	m := &ConfigManager{path: path}
	m.SetLogger(logx.Nop())
	return m
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
	m.subs.log = log
}

// SetValidator installs an extra check run by Reload before a config is
// committed. Structural validation always runs.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *ConfigManager) read() (*Config, uint64, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, err
	}
	cfg, err := ParseBytes(m.path, b)
	if err != nil {
		return nil, 0, err
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return cfg, h.Sum64(), nil
}

// Parse reads and validates the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	cfg, _, err := m.read()
	return cfg, err
}

// Load reads the file and makes it current. Nothing is published.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, h, err := m.read()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, h)
	return cfg, nil
}

func (m *ConfigManager) commit(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and publishes it when the content changed and
// validation passes. It reports whether a new config was published. A
// rejected file leaves the current config in place.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, h, err := m.read()
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	unchanged := h == m.hash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false, nil
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.commit(cfg, h)
	m.subs.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return true, nil
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config { return m.subs.add(buffer) }

func (m *ConfigManager) Unsubscribe(ch chan *Config) { m.subs.remove(ch) }

func (m *ConfigManager) publish(cfg *Config) { m.subs.publish(cfg) }

// subscribers fans configs out latest-wins: a slow subscriber loses the
// oldest queued config, never the newest.
type subscribers struct {
	mu  sync.Mutex
	chs []chan *Config
	log logx.Logger
}

func (s *subscribers) add(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	s.mu.Lock()
	s.chs = append(s.chs, ch)
	s.mu.Unlock()
	return ch
}

func (s *subscribers) remove(ch chan *Config) {
	if ch == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.chs {
		if c == ch {
			s.chs = append(s.chs[:i], s.chs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish holds the lock while sending so remove never closes a channel
// mid-send.
func (s *subscribers) publish(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Full: drop the oldest and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			s.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}
