// Package metrics exposes scheduler, invoker, and store health as Prometheus
// metrics. It learns everything from the event bus plus an optional engine
// snapshot, so no other package imports it.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scmbridge/internal/eventbus"
	"scmbridge/internal/storage"
	"scmbridge/internal/task/engine"
	"scmbridge/internal/task/scheduler"
)

const namespace = "scmbridge"

// Collector owns a private registry; tests can build as many as they like.
type Collector struct {
	reg *prometheus.Registry

	invocations  *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	storeUp      *prometheus.GaugeVec
	probeSeconds *prometheus.GaugeVec
	armed        prometheus.Gauge
	refreshes    *prometheus.CounterVec
	skipped      prometheus.Gauge
}

// SnapshotFunc reports the task engine state at scrape time.
type SnapshotFunc func() engine.Snapshot

func NewCollector(snap SnapshotFunc) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_invocations_total",
			Help:      "Job invocation attempts by job key and outcome.",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler run time of executed jobs.",
			Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		storeUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_available",
			Help:      "1 when the last probe of the store succeeded.",
		}, []string{"store"}),
		probeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_probe_seconds",
			Help:      "Duration of the last probe of the store.",
		}, []string{"store"}),
		armed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_armed_triggers",
			Help:      "Triggers armed by the last refresh.",
		}),
		skipped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_unresolved_jobs",
			Help:      "Enabled definitions the last refresh could not arm.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_refreshes_total",
			Help:      "Refresh passes by result.",
		}, []string{"result"}),
	}
	c.reg.MustRegister(
		c.invocations, c.jobDuration, c.storeUp, c.probeSeconds,
		c.armed, c.skipped, c.refreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if snap != nil {
		c.reg.MustRegister(engineGauges(snap)...)
	}
	return c
}

func engineGauges(snap SnapshotFunc) []prometheus.Collector {
	gauge := func(name, help string, fn func(engine.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(snap()) })
	}
	counter := func(name, help string, fn func(engine.Snapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(snap()) })
	}
	return []prometheus.Collector{
		gauge("queue_length", "Fires waiting for a worker.", func(s engine.Snapshot) float64 { return float64(s.QueueLen) }),
		gauge("in_flight", "Fires currently running.", func(s engine.Snapshot) float64 { return float64(s.InFlight) }),
		counter("dropped_total", "Fires dropped because the queue was full.", func(s engine.Snapshot) float64 { return float64(s.Dropped) }),
		counter("overlap_skipped_total", "Fires skipped by the overlap policy.", func(s engine.Snapshot) float64 { return float64(s.Skipped) }),
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Observe folds one bus event into the metrics.
func (c *Collector) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case scheduler.Outcome:
		c.invocations.WithLabelValues(d.Key, string(d.Status)).Inc()
		if d.Status != scheduler.StatusSkipped {
			c.jobDuration.WithLabelValues(d.Key).Observe(d.Duration.Seconds())
		}
	case scheduler.RefreshReport:
		if d.Error != "" {
			c.refreshes.WithLabelValues("error").Inc()
		} else {
			c.refreshes.WithLabelValues("ok").Inc()
		}
		c.armed.Set(float64(d.Armed))
		c.skipped.Set(float64(len(d.Skipped)))
	case storage.Status:
		up := 0.0
		if d.Available {
			up = 1
		}
		c.storeUp.WithLabelValues(d.Name).Set(up)
		c.probeSeconds.WithLabelValues(d.Name).Set(d.Took.Seconds())
	}
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}
