// Package engine executes job fires on a bounded queue drained by a fixed
// number of supervised workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	rtsup "scmbridge/internal/runtime/supervisor"
	logx "scmbridge/pkg/logx"
)

// slowRun promotes a completed run's log line from debug to info.
const slowRun = 750 * time.Millisecond

type Service struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	pool *pool

	busy    busySet
	history *ring

	inFlight atomic.Int32
	dropped  atomic.Uint64
	skipped  atomic.Uint64

	fullWarn rate.Sometimes
}

// pool is one Start/Stop generation of workers.
type pool struct {
	queue    chan job
	quit     chan struct{}
	sup      *rtsup.Supervisor
	stopping bool
	drained  chan struct{}
}

type job struct {
	Task
	queuedAt time.Time
	claimed  bool
}

func New(cfg Config, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		history:  newRing(cfg.HistorySize),
		fullWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Start launches the workers under ctx. Calling it on a running engine does
// nothing.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return
	}
	p := &pool{
		queue:   make(chan job, s.cfg.QueueSize),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
		sup:     rtsup.New(ctx, rtsup.WithLogger(s.log)),
	}
	for i := range s.cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.work(c, p)
		}, rtsup.WithPublishFirstError(true))
	}
	s.pool = p
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new work and waits, at most until ctx ends, for running fires
// to finish. Fires still queued are discarded. In-flight runs keep a live
// context until they return.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.pool
	if p == nil {
		s.mu.Unlock()
		return
	}
	if !p.stopping {
		p.stopping = true
		close(p.quit)
		go s.retire(p)
	}
	s.mu.Unlock()

	select {
	case <-p.drained:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) retire(p *pool) {
	_ = p.sup.Wait(context.Background())
	p.sup.Cancel()
drain:
	for {
		select {
		case j := <-p.queue:
			s.unclaim(j)
		default:
			break drain
		}
	}
	s.mu.Lock()
	if s.pool == p {
		s.pool = nil
	}
	s.mu.Unlock()
	close(p.drained)
}

// Enqueue hands t to the pool without blocking. A full queue drops it with
// ErrQueueFull; a busy skip-if-running name returns ErrOverlapSkip.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timeout <= 0 {
		t.Timeout = s.cfg.DefaultTimeout
	}

	s.mu.Lock()
	p := s.pool
	stopping := p != nil && p.stopping
	s.mu.Unlock()
	switch {
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	j := job{Task: t, queuedAt: time.Now()}
	if t.Overlap == OverlapSkipIfRunning {
		if !s.busy.claim(t.Name) {
			s.skipped.Add(1)
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
		j.claimed = true
	}

	select {
	case p.queue <- j:
		return nil
	default:
	}
	s.unclaim(j)
	n := s.dropped.Add(1)
	s.fullWarn.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(p.queue)),
			logx.Int64("dropped", int64(n)),
		)
	})
	return ErrQueueFull
}

func (s *Service) unclaim(j job) {
	if j.claimed {
		s.busy.free(j.Name)
	}
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Workers:  s.cfg.Workers,
		InFlight: int(s.inFlight.Load()),
		Dropped:  s.dropped.Load(),
		Skipped:  s.skipped.Load(),
		History:  s.history.items(),
	}
	s.mu.Lock()
	if p := s.pool; p != nil {
		snap.Running = !p.stopping
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	s.mu.Unlock()
	return snap
}

// work drains the queue until quit closes. A closed quit channel takes
// priority over queued fires.
func (s *Service) work(ctx context.Context, p *pool) error {
	for {
		select {
		case <-p.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		select {
		case <-p.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case j := <-p.queue:
			s.inFlight.Add(1)
			s.execute(ctx, j)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execute(ctx context.Context, j job) {
	defer s.unclaim(j)

	start := time.Now()
	item := HistoryItem{ID: j.ID, Name: j.Name, Started: start, QueueDelay: max(start.Sub(j.queuedAt), 0)}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if j.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
	}
	err := s.guard(runCtx, j)
	cancel()

	item.Duration = time.Since(start)
	fields := []logx.Field{
		logx.String("task", j.Name),
		logx.Duration("queue_delay", item.QueueDelay),
		logx.Duration("dur", item.Duration),
	}
	switch {
	case err != nil:
		item.Error = err.Error()
		s.log.Warn("task.failed", append(fields, logx.Err(err))...)
	case item.Duration >= slowRun:
		s.log.Info("task.completed", fields...)
	default:
		s.log.Debug("task.completed", fields...)
	}
	s.history.add(item)
}

// guard runs the task, converting a panic into an error so the worker lives.
func (s *Service) guard(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic",
				logx.String("task", j.Name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return j.Run(ctx)
}
