package app

import (
	"context"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"scmbridge/internal/config"
	"scmbridge/internal/httpapi"
	"scmbridge/internal/task/scheduler"
	"scmbridge/pkg/logx"
)

// reloadLoop applies hot-reloaded config. Stores, registry location and the
// engine pool size only change on restart.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	sdNotify(a.log, daemon.SdNotifyReloading)
	defer sdNotify(a.log, daemon.SdNotifyReady)

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(logConfig(next.Logging))
	a.prober.SetTimeout(next.ProbeTimeout())

	a.sched.Apply(ctx, scheduler.ConfigFrom(next.Scheduler))
	switch {
	case prev.Scheduler.Enabled && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prev.Scheduler.Enabled && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	a.http.Reconfigure(ctx, httpapi.ConfigFrom(next.HTTP))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
