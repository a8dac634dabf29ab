package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scmbridge/internal/eventbus"
	"scmbridge/internal/jobstore"
	"scmbridge/internal/task/handler"
)

type counter struct{ n atomic.Int32 }

func (c *counter) fn(err error) handler.Func {
	return func(context.Context) error {
		c.n.Add(1)
		return err
	}
}

func newTestInvoker(t *testing.T, defs ...jobstore.Definition) (*Invoker, *jobstore.MemoryRegistry, *handler.Registry) {
	t.Helper()
	reg := jobstore.NewMemoryRegistry(defs...)
	h := handler.NewRegistry(handler.DefaultNamespace)
	return NewInvoker(reg, h), reg, h
}

func TestInvokeSuccessIncrementsCount(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("Sync", "Run")
	iv, reg, h := newTestInvoker(t, jobstore.NewDefinition(id, "", "@every 1m"))
	var c counter
	h.MustRegister("Sync", "Run", c.fn(nil))

	out := iv.Invoke(context.Background(), id)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.NoError(t, out.Err())
	assert.EqualValues(t, 1, c.n.Load())

	def, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, def.CurrentExecCount)
	assert.NotNil(t, def.LastExecAt)
}

func TestInvokeSkipsDisabledAndCapped(t *testing.T) {
	t.Parallel()
	disabled := jobstore.NewDefinition(jobstore.ByHandler("A", "Run"), "", "")
	disabled.Enabled = false
	capped := jobstore.NewDefinition(jobstore.ByHandler("B", "Run"), "", "")
	capped.MaxExecCount = 2
	capped.CurrentExecCount = 2

	iv, reg, h := newTestInvoker(t, disabled, capped)
	var c counter
	h.MustRegister("A", "Run", c.fn(nil))
	h.MustRegister("B", "Run", c.fn(nil))

	out := iv.Invoke(context.Background(), disabled.Identity())
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, "disabled", out.Detail)

	out = iv.Invoke(context.Background(), capped.Identity())
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Contains(t, out.Detail, "cap reached")

	assert.Zero(t, c.n.Load())
	def, err := reg.Get(context.Background(), capped.Identity())
	require.NoError(t, err)
	assert.Equal(t, 2, def.CurrentExecCount)
}

func TestConcurrentFiresNeverExceedCap(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("Slow", "Run")
	def := jobstore.NewDefinition(id, "", "@every 1s")
	def.MaxExecCount = 3
	def.CurrentExecCount = 2
	iv, reg, h := newTestInvoker(t, def)

	var running, peak, ran atomic.Int32
	h.MustRegister("Slow", "Run", func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		ran.Add(1)
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	outs := make([]Outcome, 3)
	var wg sync.WaitGroup
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = iv.Invoke(context.Background(), id)
		}(i)
	}
	wg.Wait()

	var succeeded, skippedN int
	for _, o := range outs {
		switch o.Status {
		case StatusSucceeded:
			succeeded++
		case StatusSkipped:
			skippedN++
			assert.Contains(t, o.Detail, "cap reached")
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, skippedN)
	assert.EqualValues(t, 1, ran.Load())
	assert.EqualValues(t, 1, peak.Load())

	got, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentExecCount)
}

func TestCappedFireWaitHonorsContext(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("Slow", "Run")
	def := jobstore.NewDefinition(id, "", "@every 1s")
	def.MaxExecCount = 5
	iv, _, h := newTestInvoker(t, def)

	started := make(chan struct{})
	release := make(chan struct{})
	h.MustRegister("Slow", "Run", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan Outcome, 1)
	go func() { done <- iv.Invoke(context.Background(), id) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := iv.Invoke(ctx, id)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Contains(t, out.Detail, "cancelled")

	close(release)
	assert.Equal(t, StatusSucceeded, (<-done).Status)
}

func TestInvokeZeroCapNeverRuns(t *testing.T) {
	t.Parallel()
	def := jobstore.NewDefinition(jobstore.ByHandler("A", "Run"), "", "")
	def.MaxExecCount = 0
	iv, _, h := newTestInvoker(t, def)
	var c counter
	h.MustRegister("A", "Run", c.fn(nil))

	out := iv.Invoke(context.Background(), def.Identity())
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Zero(t, c.n.Load())
}

func TestInvokeFailureDoesNotCount(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("A", "Run")
	iv, reg, h := newTestInvoker(t, jobstore.NewDefinition(id, "", ""))
	boom := errors.New("boom")
	h.MustRegister("A", "Run", func(context.Context) error { return boom })

	out := iv.Invoke(context.Background(), id)
	assert.Equal(t, StatusFailed, out.Status)
	var ie *InvocationError
	require.ErrorAs(t, out.Err(), &ie)
	assert.ErrorIs(t, out.Err(), boom)

	def, err := reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, def.CurrentExecCount)
}

func TestInvokeRecoversPanic(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("A", "Run")
	iv, _, h := newTestInvoker(t, jobstore.NewDefinition(id, "", ""))
	h.MustRegister("A", "Run", func(context.Context) error { panic("kaboom") })

	out := iv.Invoke(context.Background(), id)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.Detail, "kaboom")
}

func TestInvokeAppliesTimeout(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("A", "Run")
	iv, _, h := newTestInvoker(t, jobstore.NewDefinition(id, "", ""))
	iv.SetTimeout(20 * time.Millisecond)
	h.MustRegister("A", "Run", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	out := iv.Invoke(context.Background(), id)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err(), context.DeadlineExceeded)
}

func TestInvokeLegacyFallsBackByName(t *testing.T) {
	t.Parallel()
	scm := jobstore.NewDefinition(jobstore.ByName(LegacySCMTaskName), "", "")
	spd := jobstore.NewDefinition(jobstore.ByName(LegacySPDTaskName), "", "")
	other := jobstore.NewDefinition(jobstore.ByName("nightly"), "", "")
	iv, _, h := newTestInvoker(t, scm, spd, other)
	var scmRuns, spdRuns counter
	h.MustRegister(SCMDefaultHandler, DefaultMethod, scmRuns.fn(nil))
	h.MustRegister(SPDDefaultHandler, DefaultMethod, spdRuns.fn(nil))

	out := iv.Invoke(context.Background(), scm.Identity())
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, SCMDefaultHandler+"#"+DefaultMethod, out.Handler)

	iv.Invoke(context.Background(), spd.Identity())
	iv.Invoke(context.Background(), other.Identity())

	assert.EqualValues(t, 1, scmRuns.n.Load())
	assert.EqualValues(t, 2, spdRuns.n.Load())
}

func TestInvokeUnknownHandlerSkips(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("Missing", "Run")
	iv, _, _ := newTestInvoker(t, jobstore.NewDefinition(id, "", ""))

	out := iv.Invoke(context.Background(), id)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Contains(t, out.Detail, "unknown handler")
}

func TestInvokeMissingDefinitionSkips(t *testing.T) {
	t.Parallel()
	iv, _, h := newTestInvoker(t)
	var c counter
	h.MustRegister("A", "Run", c.fn(nil))

	out := iv.Invoke(context.Background(), jobstore.ByHandler("A", "Run"))
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Zero(t, c.n.Load())
}

func TestInvokeManualBypass(t *testing.T) {
	t.Parallel()
	def := jobstore.NewDefinition(jobstore.ByHandler("A", "Run"), "", "")
	def.Enabled = false
	def.MaxExecCount = 1
	def.CurrentExecCount = 1
	iv, reg, h := newTestInvoker(t, def)
	var c counter
	h.MustRegister("A", "Run", c.fn(nil))
	h.MustRegister("Free", "Run", c.fn(nil))

	out := iv.InvokeManual(context.Background(), def.Identity(), false)
	assert.Equal(t, StatusSkipped, out.Status)

	out = iv.InvokeManual(context.Background(), def.Identity(), true)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.True(t, out.Manual)
	got, err := reg.Get(context.Background(), def.Identity())
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentExecCount, "the count never passes the cap")

	// No stored definition: the handler still runs when bypassing.
	out = iv.InvokeManual(context.Background(), jobstore.ByHandler("Free", "Run"), true)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.EqualValues(t, 2, c.n.Load())
}

func TestInvokePublishesOutcome(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	id := jobstore.ByHandler("A", "Run")
	reg := jobstore.NewMemoryRegistry(jobstore.NewDefinition(id, "", ""))
	h := handler.NewRegistry(handler.DefaultNamespace)
	h.MustRegister("A", "Run", func(context.Context) error { return nil })
	iv := NewInvoker(reg, h, WithInvokerBus(bus))

	iv.Invoke(context.Background(), id)
	select {
	case ev := <-ch:
		assert.Equal(t, eventbus.JobInvoked, ev.Type)
		out, ok := ev.Data.(Outcome)
		require.True(t, ok)
		assert.Equal(t, id.Key(), out.Key)
		assert.Equal(t, StatusSucceeded, out.Status)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
