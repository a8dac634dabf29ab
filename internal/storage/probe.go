package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"scmbridge/internal/eventbus"
	logx "scmbridge/pkg/logx"
)

// Status is the reachability of one store at CheckedAt.
type Status struct {
	Name      string        `json:"name"`
	Driver    string        `json:"driver"`
	Available bool          `json:"available"`
	Error     string        `json:"error,omitempty"`
	Took      time.Duration `json:"took"`
	CheckedAt time.Time     `json:"checked_at"`
}

// PingFunc checks one pool. It must honor ctx but is not trusted to.
type PingFunc func(ctx context.Context, p *Pool) error

// Prober checks every store in parallel, each under its own hard timeout.
type Prober struct {
	reg     *Registry
	timeout atomic.Int64
	log     logx.Logger
	bus     eventbus.Bus
	ping    PingFunc
}

type ProberOption func(*Prober)

func WithProbeLogger(l logx.Logger) ProberOption { return func(p *Prober) { p.log = l } }
func WithProbeBus(b eventbus.Bus) ProberOption   { return func(p *Prober) { p.bus = b } }

// WithPing replaces the connection check (tests use it to simulate hangs).
func WithPing(fn PingFunc) ProberOption { return func(p *Prober) { p.ping = fn } }

func NewProber(reg *Registry, timeout time.Duration, opts ...ProberOption) *Prober {
	p := &Prober{reg: reg, log: logx.Nop(), bus: eventbus.Nop(), ping: pingPool}
	p.SetTimeout(timeout)
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetTimeout changes the per-store budget for later probes.
func (p *Prober) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = 2 * time.Second
	}
	p.timeout.Store(int64(d))
}

// ProbeAll returns one Status per configured store, in declaration order.
// It never fails: errors and timeouts become Available=false. Total latency
// is bounded by the probe timeout because probes run concurrently.
func (p *Prober) ProbeAll(ctx context.Context) []Status {
	pools := p.reg.Pools()
	out := make([]Status, len(pools))

	var wg sync.WaitGroup
	wg.Add(len(pools))
	for i, pool := range pools {
		go func(i int, pool *Pool) {
			defer wg.Done()
			out[i] = p.Probe(ctx, pool)
		}(i, pool)
	}
	wg.Wait()
	return out
}

// Probe checks a single pool under the prober's timeout.
func (p *Prober) Probe(ctx context.Context, pool *Pool) Status {
	start := time.Now()
	st := Status{Name: pool.Name(), Driver: pool.Driver()}

	err := pool.Err()
	if err == nil {
		err = p.pingWithDeadline(ctx, pool)
	}

	st.Took = time.Since(start)
	st.CheckedAt = time.Now()
	st.Available = err == nil
	if err != nil {
		st.Error = err.Error()
		p.log.Debug("store probe failed",
			logx.String("store", st.Name),
			logx.Duration("took", st.Took),
			logx.Err(err),
		)
	}
	pool.remember(st)
	p.bus.Publish(eventbus.Event{Type: eventbus.StoreProbed, Time: st.CheckedAt, Data: st})
	return st
}

// pingWithDeadline returns when the ping does or the deadline passes,
// whichever is first. A ping that ignores ctx is abandoned, not awaited.
func (p *Prober) pingWithDeadline(ctx context.Context, pool *Pool) error {
	pctx, cancel := context.WithTimeout(ctx, time.Duration(p.timeout.Load()))
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.ping(pctx, pool) }()

	select {
	case err := <-done:
		return err
	case <-pctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrProbeTimeout
	}
}

// pingPool acquires a dedicated connection, pings it, and releases it.
func pingPool(ctx context.Context, pool *Pool) error {
	sqlDB, err := pool.SQL()
	if err != nil {
		return err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.PingContext(ctx)
}
