package builtin

import (
	"context"
	"fmt"

	"scmbridge/internal/storage"
	"scmbridge/internal/task/handler"
	"scmbridge/pkg/logx"
)

// heartbeat backs the legacy per-store jobs: it checks that the store still
// answers and logs one line per run.
type heartbeat struct {
	stores *storage.Registry
	prober *storage.Prober
	log    logx.Logger
}

func (h *heartbeat) task(m storage.Marker) handler.Func {
	return func(ctx context.Context) error {
		pool, err := h.stores.Resolve(m)
		if err != nil {
			return err
		}
		st := h.prober.Probe(ctx, pool)
		if !st.Available {
			return fmt.Errorf("store %s unavailable: %s", st.Name, st.Error)
		}
		h.log.Info("store heartbeat", logx.String("store", st.Name), logx.Duration("took", st.Took))
		return nil
	}
}
