// Package supervisor runs the long-lived goroutines of the service under one
// cancellable context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	logx "scmbridge/pkg/logx"
)

// Supervisor tracks named goroutines. Panics are recovered and turned into
// errors; the first error is kept and, with WithCancelOnError, cancels the
// shared context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool
	first       atomic.Pointer[error]

	wg      sync.WaitGroup
	started atomic.Uint64
	active  atomic.Int64
	done    func() <-chan struct{}

	statsMu  sync.Mutex
	restarts map[string]uint64
	panics   map[string]uint64
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context when any goroutine fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		log:      logx.Nop(),
		restarts: make(map[string]uint64),
		panics:   make(map[string]uint64),
	}
	s.done = sync.OnceValue(func() <-chan struct{} {
		ch := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(ch)
		}()
		return ch
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context; it does not wait.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	if p := s.first.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) record(err error) {
	if err != nil {
		s.first.CompareAndSwap(nil, &err)
	}
}

// Counters is a point-in-time snapshot for diagnostics.
type Counters struct {
	Active   int64             `json:"active"`
	Started  uint64            `json:"started"`
	Restarts map[string]uint64 `json:"restarts,omitempty"`
	Panics   map[string]uint64 `json:"panics,omitempty"`
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	c := Counters{Active: s.active.Load(), Started: s.started.Load()}
	if len(s.restarts) > 0 {
		c.Restarts = maps.Clone(s.restarts)
	}
	if len(s.panics) > 0 {
		c.Panics = maps.Clone(s.panics)
	}
	return c
}

// Names lists goroutines that restarted at least once.
func (c Counters) Names() []string {
	return slices.Sorted(maps.Keys(c.Restarts))
}

func (s *Supervisor) bump(m map[string]uint64, name string) {
	s.statsMu.Lock()
	m[name]++
	s.statsMu.Unlock()
}

// Go runs fn once on its own goroutine. A context.Canceled result is a clean
// exit; anything else is recorded as "<name>: <err>".
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer func() {
			s.active.Add(-1)
			s.wg.Done()
		}()
		if err := s.call(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.record(fmt.Errorf("%s: %w", name, err))
			if s.cancelOnErr {
				s.cancel()
			}
		}
	}()
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.bump(s.panics, name)
		s.log.Error("goroutine panicked",
			logx.String("name", name),
			logx.Any("panic", r),
			logx.Stack(string(debug.Stack())),
		)
		err = fmt.Errorf("panic: %v", r)
	}()
	return fn(s.ctx)
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceiling time.Duration
	healthy        time.Duration
	publish        bool
}

// WithRestartBackoff bounds the delay between restarts. Zero keeps the default.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.floor = min
		}
		if max > 0 {
			p.ceiling = max
		}
	}
}

// WithPublishFirstError records the first failure of a restarting goroutine
// in Err, without cancelling anything.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// GoRestart keeps fn running until the context ends or fn returns nil.
// Failures and panics are retried with jittered exponential backoff, which
// resets after a run that lasted at least 30s.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{floor: 250 * time.Millisecond, ceiling: 30 * time.Second, healthy: 30 * time.Second}
	for _, opt := range opts {
		opt(&pol)
	}
	pol.ceiling = max(pol.ceiling, pol.floor)

	s.Go(name+".restart", func(ctx context.Context) error {
		delay := pol.floor
		for {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if pol.publish {
				s.record(fmt.Errorf("%s: %w", name, err))
			}
			s.bump(s.restarts, name)
			if time.Since(began) >= pol.healthy {
				delay = pol.floor
			}

			wait := delay + rand.N(delay/5+1)
			s.log.Warn("goroutine restarting",
				logx.String("name", name),
				logx.Duration("backoff", wait),
				logx.Err(err),
			)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			delay = min(delay*2, pol.ceiling)
		}
	})
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until all goroutines exit or ctx ends, returning Err in the
// first case and ctx.Err in the second.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.done():
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
