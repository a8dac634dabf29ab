package scheduler

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"scmbridge/internal/task/engine"
	"scmbridge/pkg/logx"
)

const enqueueWarnEvery = 30 * time.Second

// enqueueReporter throttles per-job enqueue warnings so a saturated engine
// does not flood the log with one line per fire.
type enqueueReporter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	log      logx.Logger
}

func newEnqueueReporter(log logx.Logger) *enqueueReporter {
	return &enqueueReporter{limiters: map[string]*rate.Limiter{}, log: log}
}

func (r *enqueueReporter) report(key string, err error) {
	if err == nil {
		return
	}
	// Overlap skips are expected under skip_if_running.
	if errors.Is(err, engine.ErrOverlapSkip) {
		r.log.Debug("fire skipped, previous run still active", logx.String("job", key))
		return
	}
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		r.log.Debug("fire dropped, engine stopping", logx.String("job", key))
		return
	}
	if !r.allow(key) {
		return
	}
	r.log.Warn("enqueue failed", logx.String("job", key), logx.Err(err))
}

func (r *enqueueReporter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(enqueueWarnEvery), 1)
		r.limiters[key] = l
	}
	return l.Allow()
}

// forget drops the limiter of a job that is no longer armed.
func (r *enqueueReporter) forget(key string) {
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}
