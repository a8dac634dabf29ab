package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scmbridge/internal/eventbus"
	"scmbridge/internal/jobstore"
	"scmbridge/internal/task/engine"
	"scmbridge/internal/task/handler"
	logx "scmbridge/pkg/logx"
)

// flakyRegistry fails ListAll while failing is set.
type flakyRegistry struct {
	*jobstore.MemoryRegistry
	failing atomic.Bool
	lists   atomic.Int32
}

func (f *flakyRegistry) ListAll(ctx context.Context) ([]jobstore.Definition, error) {
	f.lists.Add(1)
	if f.failing.Load() {
		return nil, errors.New("store unavailable")
	}
	return f.MemoryRegistry.ListAll(ctx)
}

type fixture struct {
	svc      *Service
	reg      *flakyRegistry
	handlers *handler.Registry
	engine   *engine.Service
}

func newFixture(t *testing.T, cfg Config, defs ...jobstore.Definition) *fixture {
	t.Helper()
	reg := &flakyRegistry{MemoryRegistry: jobstore.NewMemoryRegistry(defs...)}
	h := handler.NewRegistry(handler.DefaultNamespace)
	eng := engine.New(engine.Config{Workers: 2, QueueSize: 16}, logx.Nop())
	eng.Start(context.Background())
	svc := New(cfg, reg, NewInvoker(reg, h), eng, logx.Nop(), eventbus.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
		eng.Stop(ctx)
	})
	return &fixture{svc: svc, reg: reg, handlers: h, engine: eng}
}

func noop(context.Context) error { return nil }

// fire hands one scheduled fire of id to the engine, as the cron loop does.
func (f *fixture) fire(id jobstore.Identity) { f.svc.fireJob(id).Run() }

// waitEngine blocks until the engine has finished n tasks.
func (f *fixture) waitEngine(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.engine.Snapshot().History) >= n
	}, 3*time.Second, 10*time.Millisecond)
}

func keys(ts []TriggerInfo) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Key)
	}
	return out
}

func TestRefreshArmsEnabledResolvableJobs(t *testing.T) {
	t.Parallel()
	disabled := jobstore.NewDefinition(jobstore.ByHandler("B", "Run"), "", "")
	disabled.Enabled = false
	f := newFixture(t, Config{DefaultSchedule: "0 0/5 * * * ?"},
		jobstore.NewDefinition(jobstore.ByHandler("A", "Run"), "", "@every 1h"),
		disabled,
		jobstore.NewDefinition(jobstore.ByHandler("Missing", "Run"), "", ""),
		jobstore.NewDefinition(jobstore.ByHandler("C", "Run"), "", "bogus cron expr"),
		jobstore.NewDefinition(jobstore.ByName(LegacySPDTaskName), "", ""),
	)
	for _, h := range []string{"A", "B", "C"} {
		f.handlers.MustRegister(h, "Run", noop)
	}
	f.handlers.MustRegister(SPDDefaultHandler, DefaultMethod, noop)

	rep, err := f.svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Armed)
	assert.Equal(t, 1, rep.Disabled)
	assert.Len(t, rep.Skipped, 2)

	armed := f.svc.Armed()
	assert.Equal(t, []string{"A#Run", "name:" + LegacySPDTaskName}, keys(armed))
	for _, tr := range armed {
		assert.False(t, tr.Next.IsZero(), "next fire for %s", tr.Key)
	}
	assert.Equal(t, "0 0/5 * * * ?", armed[1].Spec, "empty expression uses the default")
}

func TestRefreshReplacesLiveSet(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("A", "Run")
	f := newFixture(t, Config{}, jobstore.NewDefinition(id, "", "@every 1h"))
	f.handlers.MustRegister("A", "Run", noop)

	_, err := f.svc.Refresh(context.Background())
	require.NoError(t, err)
	rep, err := f.svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Len(t, f.svc.Armed(), 1)

	require.NoError(t, f.reg.Delete(context.Background(), id))
	_, err = f.svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.svc.Armed())
}

func TestRefreshRegistryFailureLeavesNothingArmed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, jobstore.NewDefinition(jobstore.ByHandler("A", "Run"), "", "@every 1h"))
	f.handlers.MustRegister("A", "Run", noop)

	_, err := f.svc.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, f.svc.Armed(), 1)

	f.reg.failing.Store(true)
	rep, err := f.svc.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, rep.Cancelled)
	assert.NotEmpty(t, rep.Error)
	assert.Empty(t, f.svc.Armed())
}

func TestConcurrentRefreshKeepsOneTriggerPerJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{},
		jobstore.NewDefinition(jobstore.ByHandler("A", "Run"), "", "@every 1h"),
		jobstore.NewDefinition(jobstore.ByHandler("B", "Run"), "", "@every 1h"),
	)
	f.handlers.MustRegister("A", "Run", noop)
	f.handlers.MustRegister("B", "Run", noop)
	f.svc.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Refresh(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"A#Run", "B#Run"}, keys(f.svc.Armed()))
}

func TestManualOperationsRefresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{TriggerNowBypass: true})
	var runs atomic.Int32
	f.handlers.MustRegister("A", "Run", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	ctx := context.Background()
	id := jobstore.ByHandler("A", "Run")

	_, _, err := f.svc.AddJob(ctx, jobstore.NewDefinition(id, "", "not a cron at all"))
	require.ErrorIs(t, err, jobstore.ErrInvalid)

	def := jobstore.NewDefinition(id, "", "@every 1h")
	def.MaxExecCount = 1
	_, rep, err := f.svc.AddJob(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Armed)
	assert.True(t, f.svc.IsArmed(id))

	_, _, err = f.svc.AddJob(ctx, def)
	require.ErrorIs(t, err, jobstore.ErrDuplicate)

	disabled := false
	_, rep, err = f.svc.UpdateJob(ctx, id, jobstore.Patch{Enabled: &disabled})
	require.NoError(t, err)
	assert.Zero(t, rep.Armed)
	assert.False(t, f.svc.IsArmed(id))

	out := f.svc.TriggerNow(ctx, id)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.EqualValues(t, 1, runs.Load())

	stored, ok, err := f.svc.Definition(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, stored.CurrentExecCount)

	_, err = f.svc.ResetExecCount(ctx, id)
	require.NoError(t, err)
	stored, _, _ = f.svc.Definition(ctx, id)
	assert.Zero(t, stored.CurrentExecCount)

	_, err = f.svc.DeleteJob(ctx, id)
	require.NoError(t, err)
	_, ok, err = f.svc.Definition(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.DeleteJob(ctx, id)
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestTriggerNowRespectsChecksWithoutBypass(t *testing.T) {
	t.Parallel()
	def := jobstore.NewDefinition(jobstore.ByHandler("A", "Run"), "", "")
	def.Enabled = false
	f := newFixture(t, Config{TriggerNowBypass: false}, def)
	f.handlers.MustRegister("A", "Run", noop)

	out := f.svc.TriggerNow(context.Background(), def.Identity())
	assert.Equal(t, StatusSkipped, out.Status)
}

func TestScheduledFireRunsOnEngine(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("A", "Run")
	f := newFixture(t, Config{}, jobstore.NewDefinition(id, "", "@every 1s"))
	fired := make(chan struct{}, 4)
	f.handlers.MustRegister("A", "Run", func(context.Context) error {
		fired <- struct{}{}
		return nil
	})

	_, err := f.svc.Refresh(context.Background())
	require.NoError(t, err)
	f.svc.Start(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
	require.Eventually(t, func() bool {
		def, _, _ := f.svc.Definition(context.Background(), id)
		return def.CurrentExecCount >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStartupRefreshIsDeferred(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{StartupDelay: 50 * time.Millisecond},
		jobstore.NewDefinition(jobstore.ByHandler("A", "Run"), "", "@every 1h"))
	f.handlers.MustRegister("A", "Run", noop)

	f.svc.Start(context.Background())
	assert.Empty(t, f.svc.Armed(), "nothing armed before the startup delay")
	require.Eventually(t, func() bool { return len(f.svc.Armed()) == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestApplyTimezoneRearms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Timezone: "UTC"},
		jobstore.NewDefinition(jobstore.ByHandler("A", "Run"), "", "0 0 1 * * ?"))
	f.handlers.MustRegister("A", "Run", noop)
	_, err := f.svc.Refresh(context.Background())
	require.NoError(t, err)

	f.svc.Apply(context.Background(), Config{Timezone: "Asia/Shanghai"})
	assert.Equal(t, "Asia/Shanghai", f.svc.Location().String())
	armed := f.svc.Armed()
	require.Len(t, armed, 1)
	next := armed[0].Next.In(f.svc.Location())
	assert.Equal(t, 1, next.Hour())
}

func TestDeletingOneMethodKeepsSiblingArmed(t *testing.T) {
	t.Parallel()
	run := jobstore.ByHandler("ChargeSyncTask", "SyncChargeItem")
	other := jobstore.ByHandler("ChargeSyncTask", "SyncInpatientCharge")
	f := newFixture(t, Config{},
		jobstore.NewDefinition(run, "", "@every 1h"),
		jobstore.NewDefinition(other, "", "0 0 2 * * ?"),
	)
	f.handlers.MustRegister("ChargeSyncTask", "SyncChargeItem", noop)
	f.handlers.MustRegister("ChargeSyncTask", "SyncInpatientCharge", noop)
	ctx := context.Background()

	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, f.svc.Armed(), 2)

	_, err = f.svc.DeleteJob(ctx, run)
	require.NoError(t, err)
	assert.False(t, f.svc.IsArmed(run))
	assert.True(t, f.svc.IsArmed(other))

	_, err = f.svc.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{other.Key()}, keys(f.svc.Armed()))
}

func TestDisableStopsFutureFiresButLetsRunningFinish(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("A", "Run")
	f := newFixture(t, Config{StartupDelay: time.Hour}, jobstore.NewDefinition(id, "", "@every 1s"))

	var runs atomic.Int32
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	f.handlers.MustRegister("A", "Run", func(context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)
	f.svc.Start(ctx)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}

	disabled := false
	_, rep, err := f.svc.UpdateJob(ctx, id, jobstore.Patch{Enabled: &disabled})
	require.NoError(t, err)
	assert.Zero(t, rep.Armed)
	assert.False(t, f.svc.IsArmed(id))

	close(release)
	require.Eventually(t, func() bool {
		def, _, _ := f.svc.Definition(ctx, id)
		return def.CurrentExecCount == 1
	}, 2*time.Second, 10*time.Millisecond, "in-flight run completes and counts")

	time.Sleep(1500 * time.Millisecond)
	assert.EqualValues(t, 1, runs.Load(), "no fires after disable")
}

func TestRefreshRacingMutationsKeepsOneTriggerPerJob(t *testing.T) {
	t.Parallel()
	a := jobstore.ByHandler("A", "Run")
	b := jobstore.ByHandler("B", "Run")
	c := jobstore.ByHandler("C", "Run")
	f := newFixture(t, Config{},
		jobstore.NewDefinition(a, "", "@every 1h"),
		jobstore.NewDefinition(c, "", "@every 1h"),
	)
	for _, h := range []string{"A", "B", "C"} {
		f.handlers.MustRegister(h, "Run", noop)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Refresh(ctx)
		}()
	}
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, _, err := f.svc.AddJob(ctx, jobstore.NewDefinition(b, "", "@every 30m"))
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		sched := "0 0/5 * * * ?"
		_, _, err := f.svc.UpdateJob(ctx, a, jobstore.Patch{Schedule: &sched})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := f.svc.DeleteJob(ctx, c)
		assert.NoError(t, err)
	}()
	wg.Wait()

	armed := f.svc.Armed()
	assert.Equal(t, []string{a.Key(), b.Key()}, keys(armed))
	assert.Equal(t, "0 0/5 * * * ?", armed[0].Spec)
	f.svc.mu.Lock()
	entries := len(f.svc.c.Entries())
	f.svc.mu.Unlock()
	assert.Equal(t, 2, entries, "no orphaned cron entries")
}

func TestFiresStopAtCap(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("A", "Run")
	def := jobstore.NewDefinition(id, "", "@every 1h")
	def.MaxExecCount = 3
	f := newFixture(t, Config{}, def)
	var runs atomic.Int32
	f.handlers.MustRegister("A", "Run", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		f.fire(id)
		f.waitEngine(t, i)
	}
	assert.EqualValues(t, 3, runs.Load())

	f.fire(id)
	f.waitEngine(t, 4)
	assert.EqualValues(t, 3, runs.Load(), "fourth fire is a no-op")
	stored, _, err := f.svc.Definition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CurrentExecCount)
}

func TestResetExecCountAllowsFiringUpToCapAgain(t *testing.T) {
	t.Parallel()
	id := jobstore.ByHandler("A", "Run")
	def := jobstore.NewDefinition(id, "", "@every 1h")
	def.MaxExecCount = 2
	def.CurrentExecCount = 2
	f := newFixture(t, Config{}, def)
	var runs atomic.Int32
	f.handlers.MustRegister("A", "Run", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	ctx := context.Background()
	_, err := f.svc.Refresh(ctx)
	require.NoError(t, err)

	f.fire(id)
	f.waitEngine(t, 1)
	assert.Zero(t, runs.Load())

	rep, err := f.svc.ResetExecCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Armed)
	require.True(t, f.svc.IsArmed(id))

	for i := 2; i <= 4; i++ {
		f.fire(id)
		f.waitEngine(t, i)
	}
	assert.EqualValues(t, 2, runs.Load())
	stored, _, err := f.svc.Definition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentExecCount)
}

func TestStartupRefreshRetriesAfterRegistryFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{StartupDelay: 10 * time.Millisecond, StartupRetryBackoff: 20 * time.Millisecond},
		jobstore.NewDefinition(jobstore.ByHandler("A", "Run"), "", "@every 1h"))
	f.handlers.MustRegister("A", "Run", noop)
	f.reg.failing.Store(true)

	f.svc.Start(context.Background())
	require.Eventually(t, func() bool { return f.reg.lists.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.svc.Armed())

	f.reg.failing.Store(false)
	require.Eventually(t, func() bool { return len(f.svc.Armed()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestStartupRefreshRetriesAreBounded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{StartupRetries: 2, StartupRetryBackoff: 10 * time.Millisecond})
	f.reg.failing.Store(true)

	f.svc.Start(context.Background())
	require.Eventually(t, func() bool { return f.reg.lists.Load() == 3 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 3, f.reg.lists.Load(), "initial attempt plus two retries")
}
