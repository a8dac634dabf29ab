package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// intervalWithSpread staggers interval jobs armed together: the first fire
// lands every+offset after now, where offset is derived from tag and stays
// below min(every, 30s). Later fires follow the plain interval.
func intervalWithSpread(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	// Whole seconds, matching cron's resolution.
	window := uint64(min(every, maxStartupSpread) / time.Second)
	if window == 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	offset := time.Duration(h.Sum64()%window) * time.Second
	return delayedFirst{base: base, first: now.Add(every + offset)}
}

type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (d delayedFirst) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.base.Next(t)
}

// onceSchedule fires a single time at `at`. A zero Next tells cron the
// entry will never run again.
type onceSchedule struct {
	at time.Time
}

func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}
