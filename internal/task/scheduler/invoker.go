package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"scmbridge/internal/eventbus"
	"scmbridge/internal/jobstore"
	"scmbridge/internal/task/handler"
	"scmbridge/pkg/logx"
)

// Invoker executes one job fire. It never returns an error: every result,
// including handler panics, is folded into an Outcome and logged.
type Invoker struct {
	registry jobstore.Registry
	handlers *handler.Registry
	log      logx.Logger
	bus      eventbus.Bus
	timeout  atomic.Int64
	now      func() time.Time

	// capped jobs run one fire at a time; identity key -> chan struct{} (cap 1)
	slots sync.Map
}

type InvokerOption func(*Invoker)

func WithInvokerLogger(l logx.Logger) InvokerOption { return func(iv *Invoker) { iv.log = l } }
func WithInvokerBus(b eventbus.Bus) InvokerOption   { return func(iv *Invoker) { iv.bus = b } }

// WithJobTimeout bounds every handler run. 0 disables it.
func WithJobTimeout(d time.Duration) InvokerOption { return func(iv *Invoker) { iv.SetTimeout(d) } }

func NewInvoker(reg jobstore.Registry, handlers *handler.Registry, opts ...InvokerOption) *Invoker {
	iv := &Invoker{
		registry: reg,
		handlers: handlers,
		log:      logx.Nop(),
		bus:      eventbus.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(iv)
	}
	iv.log = iv.log.With(logx.String("comp", "invoker"))
	return iv
}

func (iv *Invoker) SetTimeout(d time.Duration) { iv.timeout.Store(int64(d)) }

// Resolve returns the handler function a definition executes. Legacy
// definitions fall back to their default handler by name.
func (iv *Invoker) Resolve(def jobstore.Definition) (handler.Func, jobstore.Identity, error) {
	target := handlerTarget(def)
	fn, err := iv.handlers.Lookup(target.Handler, target.Method)
	if err != nil {
		return nil, target, fmt.Errorf("%w: %s: %w", ErrJobResolution, def.Identity().Key(), err)
	}
	return fn, target, nil
}

// Invoke is the scheduled path: the definition is re-read and must still be
// enabled and below its execution cap.
func (iv *Invoker) Invoke(ctx context.Context, id jobstore.Identity) Outcome {
	return iv.run(ctx, id, false, false)
}

// InvokeManual is the trigger-now path. With bypass set the enabled flag and
// execution cap are not checked.
func (iv *Invoker) InvokeManual(ctx context.Context, id jobstore.Identity, bypass bool) Outcome {
	return iv.run(ctx, id, true, bypass)
}

func (iv *Invoker) run(ctx context.Context, id jobstore.Identity, manual, bypass bool) (out Outcome) {
	out = Outcome{Key: id.Key(), Manual: manual, Started: iv.now()}
	defer func() {
		out.Duration = time.Since(out.Started)
		iv.report(out)
	}()

	def, found, err := iv.load(ctx, id)
	if err == nil && found && !bypass && def.Enabled && !def.Unbounded() && !def.CapReached() {
		release, lerr := iv.acquire(ctx, id)
		if lerr != nil {
			return skipped(out, "cancelled waiting for previous run")
		}
		defer release()
		// An overlapping fire may have used the last slot while we waited.
		def, found, err = iv.load(ctx, id)
	}
	if err != nil {
		out.Status = StatusFailed
		out.err = err
		out.Detail = err.Error()
		return out
	}

	var fn handler.Func
	var target jobstore.Identity
	switch {
	case found:
		if !bypass {
			if !def.Enabled {
				return skipped(out, "disabled")
			}
			if def.CapReached() {
				return skipped(out, fmt.Sprintf("execution cap reached (%d/%d)", def.CurrentExecCount, def.MaxExecCount))
			}
		}
		fn, target, err = iv.Resolve(def)
	case bypass && !id.IsLegacy():
		// Manual trigger of a handler with no stored definition.
		target = id
		fn, err = iv.handlers.Lookup(id.Handler, id.Method)
	default:
		return skipped(out, "definition not found")
	}
	out.Handler = target.Key()
	if err != nil {
		return skipped(out, err.Error())
	}

	if err := iv.exec(ctx, fn); err != nil {
		out.Status = StatusFailed
		out.err = &InvocationError{Key: out.Key, Err: err}
		out.Detail = err.Error()
		return out
	}
	out.Status = StatusSucceeded
	if found {
		// Count only after success so a failed run can be retried on the next fire.
		switch err := iv.registry.IncrementExecCount(ctx, id); {
		case err == nil:
		case errors.Is(err, jobstore.ErrCapReached):
			out.Detail = "execution cap reached, run not counted"
		default:
			out.Detail = "execution count not persisted: " + err.Error()
			iv.log.Warn("increment exec count failed", logx.String("job", out.Key), logx.Err(err))
		}
	}
	return out
}

func (iv *Invoker) load(ctx context.Context, id jobstore.Identity) (jobstore.Definition, bool, error) {
	def, err := iv.registry.Get(ctx, id)
	switch {
	case err == nil:
		return def, true, nil
	case errors.Is(err, jobstore.ErrNotFound):
		return jobstore.Definition{}, false, nil
	default:
		return jobstore.Definition{}, false, fmt.Errorf("load %s: %w", id.Key(), err)
	}
}

// acquire takes the run slot of a capped job, waiting for an in-flight fire
// of the same job to finish.
func (iv *Invoker) acquire(ctx context.Context, id jobstore.Identity) (func(), error) {
	v, _ := iv.slots.LoadOrStore(id.Key(), make(chan struct{}, 1))
	slot := v.(chan struct{})
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (iv *Invoker) exec(ctx context.Context, fn handler.Func) (err error) {
	if d := time.Duration(iv.timeout.Load()); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			iv.log.Error("job panic", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (iv *Invoker) report(out Outcome) {
	fields := []logx.Field{
		logx.String("job", out.Key),
		logx.String("status", string(out.Status)),
		logx.Bool("manual", out.Manual),
		logx.Duration("took", out.Duration),
	}
	if out.Handler != "" {
		fields = append(fields, logx.String("handler", out.Handler))
	}
	switch out.Status {
	case StatusFailed:
		iv.log.Error("job failed", append(fields, logx.Err(out.err))...)
	case StatusSkipped:
		iv.log.Info("job skipped", append(fields, logx.String("reason", out.Detail))...)
	default:
		iv.log.Info("job finished", fields...)
	}
	iv.bus.Publish(eventbus.Event{Type: eventbus.JobInvoked, Time: out.Started.Add(out.Duration), Data: out})
}

func skipped(out Outcome, reason string) Outcome {
	out.Status = StatusSkipped
	out.Detail = reason
	return out
}
