package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scmbridge/internal/eventbus"
	logx "scmbridge/pkg/logx"
)

func TestProbeAllReportsEveryStore(t *testing.T) {
	t.Parallel()

	reg, err := Open([]Config{
		sqliteCfg(t, "SPD"),
		{Name: "SCM", Driver: "mystery"},
	}, MarkerSPD, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	got := NewProber(reg, time.Second, WithProbeBus(bus)).ProbeAll(context.Background())
	require.Len(t, got, 2)

	assert.Equal(t, "SPD", got[0].Name)
	assert.True(t, got[0].Available, got[0].Error)
	assert.Equal(t, "SCM", got[1].Name)
	assert.False(t, got[1].Available)
	assert.NotEmpty(t, got[1].Error)

	last, ok := reg.Default().LastProbe()
	require.True(t, ok)
	assert.True(t, last.Available)

	require.Len(t, events, 2)
	ev := <-events
	assert.Equal(t, eventbus.StoreProbed, ev.Type)
}

func TestProbeAllBoundedByTimeout(t *testing.T) {
	t.Parallel()

	reg, err := Open([]Config{sqliteCfg(t, "SPD"), sqliteCfg(t, "SCM")}, MarkerSPD, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	release := make(chan struct{})
	defer close(release)

	// SCM hangs and ignores its context entirely.
	ping := func(ctx context.Context, p *Pool) error {
		if p.Name() == "SCM" {
			<-release
			return nil
		}
		return pingPool(ctx, p)
	}

	const timeout = 150 * time.Millisecond
	prober := NewProber(reg, timeout, WithPing(ping))

	start := time.Now()
	got := prober.ProbeAll(context.Background())
	took := time.Since(start)

	require.Len(t, got, 2)
	assert.True(t, got[0].Available)
	assert.False(t, got[1].Available)
	assert.Equal(t, ErrProbeTimeout.Error(), got[1].Error)
	assert.Less(t, took, timeout+time.Second)
}

func TestProbeParentContextCanceled(t *testing.T) {
	t.Parallel()

	reg, err := Open([]Config{sqliteCfg(t, "SPD")}, MarkerSPD, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	block := func(ctx context.Context, _ *Pool) error {
		<-ctx.Done()
		return ctx.Err()
	}
	got := NewProber(reg, time.Second, WithPing(block)).ProbeAll(ctx)
	require.Len(t, got, 1)
	assert.False(t, got[0].Available)
}
