package builtin

import (
	"context"
	"time"

	"gorm.io/gorm"

	"scmbridge/internal/storage"
	"scmbridge/internal/task/handler"
	"scmbridge/internal/task/scheduler"
	"scmbridge/pkg/logx"
)

// ChargeSyncHandler is the handler name of the charge-data sync jobs.
const ChargeSyncHandler = "ChargeSyncTask"

// Upstream opens the remote database read by the sync jobs.
type Upstream interface {
	Open(ctx context.Context) (*gorm.DB, error)
}

type Deps struct {
	Stores   *storage.Registry
	Prober   *storage.Prober
	Upstream Upstream
	// Target is the store receiving synced rows. Default: SPD.
	Target       storage.Marker
	RecentWindow time.Duration
	Log          logx.Logger
}

type entry struct {
	handler, method string
	fn              handler.Func
	desc            string
}

// Register adds every built-in handler to reg. The sync handlers are only
// registered when an upstream is provided; the returned ChargeSync is nil
// otherwise.
func Register(reg *handler.Registry, d Deps) (*ChargeSync, error) {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	hb := &heartbeat{stores: d.Stores, prober: d.Prober, log: d.Log.With(logx.String("comp", "heartbeat"))}
	entries := []entry{
		{scheduler.SPDDefaultHandler, scheduler.DefaultMethod, hb.task(storage.MarkerSPD), "SPD store heartbeat"},
		{scheduler.SCMDefaultHandler, scheduler.DefaultMethod, hb.task(storage.MarkerSCM), "SCM store heartbeat"},
	}
	var cs *ChargeSync
	if d.Upstream != nil {
		cs = NewChargeSync(d.Upstream, d.Stores, d.Target, d.RecentWindow, d.Log)
		entries = append(entries,
			entry{ChargeSyncHandler, "SyncChargeItem", discard(cs.SyncChargeItem), "copy v_charge_item into his_hc_info"},
			entry{ChargeSyncHandler, "SyncInpatientCharge", discard(cs.SyncInpatientCharge), "copy recent inpatient charges into his_zy_sfmx"},
			entry{ChargeSyncHandler, "SyncOutpatientCharge", discard(cs.SyncOutpatientCharge), "copy recent outpatient charges into his_mz_sfmx"},
		)
	}
	for _, e := range entries {
		if err := reg.Register(e.handler, e.method, e.fn, e.desc); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

func discard(fn func(context.Context) (SyncResult, error)) handler.Func {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}
