package jobstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scmbridge/internal/storage"
	logx "scmbridge/pkg/logx"
)

func newGormRegistry(t *testing.T) *GormRegistry {
	t.Helper()
	stores, err := storage.Open([]storage.Config{
		{Name: "SPD", Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "spd.db")},
	}, storage.MarkerSPD, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })

	reg := NewGormRegistry(stores, storage.MarkerUnset)
	require.NoError(t, reg.Migrate(context.Background()))
	return reg
}

// registries runs fn against every Registry implementation.
func registries(t *testing.T, fn func(t *testing.T, reg Registry)) {
	t.Run("gorm", func(t *testing.T) {
		t.Parallel()
		fn(t, newGormRegistry(t))
	})
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemoryRegistry())
	})
}

func TestRegistryCRUD(t *testing.T) {
	t.Parallel()
	registries(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()
		id := ByHandler("ChargeSyncTask", "SyncChargeItem")

		def := NewDefinition(id, "", "0 */10 * * * ?")
		require.NoError(t, reg.Insert(ctx, &def))
		assert.NotZero(t, def.ID)

		dup := NewDefinition(id, "again", "@hourly")
		require.ErrorIs(t, reg.Insert(ctx, &dup), ErrDuplicate)

		got, err := reg.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "ChargeSyncTask.SyncChargeItem", got.TaskName)
		assert.True(t, got.Enabled)
		assert.Equal(t, Unlimited, got.MaxExecCount)
		assert.Equal(t, id, got.Identity())

		disabled := false
		limit := 3
		sched := "@every 1m"
		upd, err := reg.Update(ctx, id, Patch{Enabled: &disabled, MaxExecCount: &limit, Schedule: &sched})
		require.NoError(t, err)
		assert.False(t, upd.Enabled)
		assert.Equal(t, 3, upd.MaxExecCount)
		assert.Equal(t, "@every 1m", upd.Schedule)

		bad := -5
		_, err = reg.Update(ctx, id, Patch{MaxExecCount: &bad})
		require.ErrorIs(t, err, ErrInvalid)

		require.NoError(t, reg.IncrementExecCount(ctx, id))
		require.NoError(t, reg.IncrementExecCount(ctx, id))
		got, err = reg.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, got.CurrentExecCount)
		require.NotNil(t, got.LastExecAt)

		require.NoError(t, reg.ResetExecCount(ctx, id))
		got, err = reg.Get(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, got.CurrentExecCount)

		require.NoError(t, reg.Delete(ctx, id))
		_, err = reg.Get(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, reg.Delete(ctx, id), ErrNotFound)
		require.ErrorIs(t, reg.IncrementExecCount(ctx, id), ErrNotFound)
	})
}

func TestRegistryLegacyAndNewCoexist(t *testing.T) {
	t.Parallel()
	registries(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()

		legacy := NewDefinition(ByName("SPD定时任务"), "", "")
		require.NoError(t, reg.Insert(ctx, &legacy))
		scm := NewDefinition(ByName("SCM定时任务"), "", "0 0 1 * * ?")
		require.NoError(t, reg.Insert(ctx, &scm))
		modern := NewDefinition(ByHandler("SpdScheduledTask", "Execute"), "SPD定时任务", "@hourly")
		require.NoError(t, reg.Insert(ctx, &modern))

		all, err := reg.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.True(t, all[0].Identity().IsLegacy())
		assert.False(t, all[2].Identity().IsLegacy())

		// the legacy lookup by name must not match the handler-bound row sharing the name
		got, err := reg.Get(ctx, ByName("SPD定时任务"))
		require.NoError(t, err)
		assert.Equal(t, legacy.ID, got.ID)

		name := "renamed"
		_, err = reg.Update(ctx, ByName("SCM定时任务"), Patch{TaskName: &name})
		require.ErrorIs(t, err, ErrInvalid)
	})
}

func TestIncrementStopsAtCap(t *testing.T) {
	t.Parallel()
	registries(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()
		id := ByHandler("ChargeSyncTask", "SyncChargeItem")
		def := NewDefinition(id, "", "@every 1s")
		def.MaxExecCount = 3
		require.NoError(t, reg.Insert(ctx, &def))

		var ok, capped atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := reg.IncrementExecCount(ctx, id)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrCapReached):
					capped.Add(1)
				default:
					t.Errorf("increment: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 3, ok.Load())
		assert.EqualValues(t, 5, capped.Load())
		got, err := reg.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, got.CurrentExecCount)

		require.NoError(t, reg.ResetExecCount(ctx, id))
		require.NoError(t, reg.IncrementExecCount(ctx, id))
	})
}

func TestQualifiedHandlerRowsResolveByShortName(t *testing.T) {
	t.Parallel()
	registries(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()
		proxied := NewDefinition(ByHandler("scmbridge.task.ChargeSyncTask$$EnhancerBySpringCGLIB$$1a2b", "SyncChargeItem"), "charge", "@hourly")
		require.NoError(t, reg.Insert(ctx, &proxied))
		other := NewDefinition(ByHandler("scmbridge.task.ChargeSyncTaskV2", "SyncChargeItem"), "v2", "@hourly")
		require.NoError(t, reg.Insert(ctx, &other))

		short := ByHandler("ChargeSyncTask", "SyncChargeItem")
		assert.Equal(t, short, proxied.Identity())

		dup := NewDefinition(short, "again", "@hourly")
		require.ErrorIs(t, reg.Insert(ctx, &dup), ErrDuplicate)

		got, err := reg.Get(ctx, short)
		require.NoError(t, err)
		assert.Equal(t, proxied.ID, got.ID)

		disabled := false
		upd, err := reg.Update(ctx, short, Patch{Enabled: &disabled})
		require.NoError(t, err)
		assert.False(t, upd.Enabled)

		require.NoError(t, reg.IncrementExecCount(ctx, short))
		require.NoError(t, reg.ResetExecCount(ctx, short))
		require.NoError(t, reg.Delete(ctx, short))

		left, err := reg.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, other.ID, left[0].ID)
	})
}

func TestShortHandler(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ChargeSyncTask", ShortHandler("ChargeSyncTask"))
	assert.Equal(t, "ChargeSyncTask", ShortHandler(" scmbridge.task.ChargeSyncTask "))
	assert.Equal(t, "ChargeSyncTask", ShortHandler("ChargeSyncTask$$Proxy"))
	assert.Equal(t, "ChargeSyncTask", ShortHandler("a.b.ChargeSyncTask$$Enhancer$$1"))
}

func TestInsertRejectsInvalid(t *testing.T) {
	t.Parallel()
	registries(t, func(t *testing.T, reg Registry) {
		ctx := context.Background()
		noMethod := NewDefinition(Identity{Handler: "X"}, "x", "")
		require.ErrorIs(t, reg.Insert(ctx, &noMethod), ErrInvalid)

		empty := Definition{}
		require.ErrorIs(t, reg.Insert(ctx, &empty), ErrInvalid)
	})
}

func TestGormRegistryStoreDown(t *testing.T) {
	t.Parallel()

	stores, err := storage.Open([]storage.Config{
		{Name: "SPD", Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "spd.db")},
		{Name: "SCM", Driver: "unknown"},
	}, storage.MarkerSPD, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })

	reg := NewGormRegistry(stores, storage.MarkerSCM)
	_, err = reg.ListAll(context.Background())
	var cfgErr *storage.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParseIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Identity
		wantErr bool
	}{
		{in: "ChargeSyncTask#SyncChargeItem", want: ByHandler("ChargeSyncTask", "SyncChargeItem")},
		{in: "name:SPD定时任务", want: ByName("SPD定时任务")},
		{in: " A # B ", want: ByHandler("A", "B")},
		{in: "name:", wantErr: true},
		{in: "NoHash", wantErr: true},
		{in: "#m", wantErr: true},
		{in: "h#", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseIdentity(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.Key()))
		})
	}
}

func mustParse(t *testing.T, s string) Identity {
	t.Helper()
	id, err := ParseIdentity(s)
	require.NoError(t, err)
	return id
}

func TestCapReached(t *testing.T) {
	t.Parallel()

	d := Definition{MaxExecCount: Unlimited, CurrentExecCount: 1000}
	assert.False(t, d.CapReached())
	d.MaxExecCount = 3
	d.CurrentExecCount = 2
	assert.False(t, d.CapReached())
	d.CurrentExecCount = 3
	assert.True(t, d.CapReached())
	d.MaxExecCount = 0
	d.CurrentExecCount = 0
	assert.True(t, d.CapReached())
}
