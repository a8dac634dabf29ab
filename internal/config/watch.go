package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "scmbridge/pkg/logx"
)

const (
	reloadDebounce    = 250 * time.Millisecond
	watchBackoffMin   = 250 * time.Millisecond
	watchBackoffMax   = 5 * time.Second
	watchHealthyAfter = time.Minute
)

// Watch reloads the config whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
// A broken watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	backoff := watchBackoffMin
	for ctx.Err() == nil {
		started := time.Now()
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		if time.Since(started) > watchHealthyAfter {
			backoff = watchBackoffMin
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		m.log.Warn("config watcher stopped; restarting",
			logx.String("path", m.path),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

func (m *ConfigManager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("init watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events may be lost; reload once to catch up.
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				debounce.Reset(reloadDebounce)
				continue
			}
			m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
		case <-debounce.C:
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload failed; keeping current", logx.String("path", m.path), logx.Err(err))
			}
		}
	}
}
