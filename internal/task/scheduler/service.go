package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"scmbridge/internal/config"
	"scmbridge/internal/eventbus"
	"scmbridge/internal/jobstore"
	"scmbridge/internal/task/engine"
	"scmbridge/pkg/logx"
)

const (
	startupRefreshTask    = "scheduler.startup-refresh"
	defaultStartupRetries = 5
	defaultStartupBackoff = time.Second
	maxStartupBackoff     = 30 * time.Second

	// onceSchedule never fires for an instant cron has already passed when
	// the entry is added.
	minOnceDelay = 50 * time.Millisecond
)

type Service struct {
	// refreshMu serializes refresh passes; mu guards the fields below it.
	refreshMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	live    map[string]*trigger
	started bool
	runCtx  context.Context
	startup cron.EntryID

	registry jobstore.Registry
	invoker  *Invoker
	engine   *engine.Service
	log      logx.Logger
	bus      eventbus.Bus
	enqRep   *enqueueReporter
	now      func() time.Time
}

func New(cfg Config, registry jobstore.Registry, invoker *Invoker, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	invoker.SetTimeout(cfg.JobTimeout)
	loc := loadLocation(cfg.Timezone, log)
	return &Service{
		cfg:      cfg,
		loc:      loc,
		c:        newCron(loc),
		live:     map[string]*trigger{},
		runCtx:   context.Background(),
		registry: registry,
		invoker:  invoker,
		engine:   eng,
		log:      log,
		bus:      bus,
		enqRep:   newEnqueueReporter(log),
		now:      time.Now,
	}
}

// ConfigFrom maps the file configuration onto scheduler settings.
func ConfigFrom(c config.SchedulerConfig) Config {
	return Config{
		Timezone:         c.Timezone,
		StartupDelay:     c.StartupDelayOrDefault(),
		DefaultSchedule:  c.DefaultScheduleOrFallback(),
		JobTimeout:       c.JobTimeoutOrZero(),
		TriggerNowBypass: c.TriggerNowBypassOrDefault(),
		SkipIfRunning:    c.SkipIfRunning,
		SpreadIntervals:  c.SpreadIntervals,
	}
}

func newCron(loc *time.Location) *cron.Cron {
	return cron.New(cron.WithLocation(loc))
}

func loadLocation(name string, log logx.Logger) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("invalid timezone, using local", logx.String("tz", name), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start runs the cron loop and schedules the deferred startup refresh.
// Triggers armed before Start begin firing once it runs.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx = ctx
	s.c.Start()
	s.scheduleStartupLocked(0, s.cfg.StartupDelay)
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Duration("startup_delay", s.cfg.StartupDelay),
	)
}

// scheduleStartupLocked arms a one-shot trigger that enqueues a startup
// refresh on the engine after delay, so store probing and other startup work
// settle first. A refresh that fails is re-armed by retryStartup.
func (s *Service) scheduleStartupLocked(attempt int, delay time.Duration) {
	at := s.now().Add(max(delay, minOnceDelay))
	s.startup = s.c.Schedule(onceSchedule{at: at}, cron.FuncJob(func() {
		s.mu.Lock()
		if s.startup != 0 {
			s.c.Remove(s.startup)
			s.startup = 0
		}
		ctx := s.runCtx
		s.mu.Unlock()

		refresh := func(ctx context.Context) error {
			_, err := s.Refresh(ctx)
			if err != nil {
				s.retryStartup(attempt, err)
			}
			return err
		}
		err := s.engine.Enqueue(engine.Task{Name: startupRefreshTask, Run: refresh})
		if err != nil {
			s.log.Warn("startup refresh not enqueued, running inline", logx.Err(err))
			_ = refresh(ctx)
		}
	}))
}

// retryStartup re-arms the startup refresh with jittered exponential backoff
// until the retry budget is spent. Nothing is re-armed once stopped.
func (s *Service) retryStartup(attempt int, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.startup != 0 {
		return
	}
	retries := s.cfg.StartupRetries
	if retries == 0 {
		retries = defaultStartupRetries
	}
	if attempt >= retries {
		s.log.Error("startup refresh failed, giving up until the next manual refresh",
			logx.Int("attempts", attempt+1), logx.Err(cause))
		return
	}
	wait := startupBackoff(s.cfg.StartupRetryBackoff, attempt)
	s.log.Warn("startup refresh failed, retrying",
		logx.Int("attempt", attempt+1),
		logx.Duration("backoff", wait),
		logx.Err(cause),
	)
	s.scheduleStartupLocked(attempt+1, wait)
}

func startupBackoff(floor time.Duration, attempt int) time.Duration {
	if floor <= 0 {
		floor = defaultStartupBackoff
	}
	d := floor
	for i := 0; i < attempt && d < maxStartupBackoff; i++ {
		d *= 2
	}
	d = min(d, max(maxStartupBackoff, floor))
	return d + rand.N(d/5+1)
}

// Stop halts the cron loop. Fires already handed to the engine are not
// affected. Armed triggers survive and fire again after Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	if s.startup != 0 {
		s.c.Remove(s.startup)
		s.startup = 0
	}
	stopCtx := s.c.Stop()
	s.mu.Unlock()

	select {
	case <-stopCtx.Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply updates settings. A timezone change rebuilds the cron instance and
// re-arms every trigger through a refresh.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.invoker.SetTimeout(cfg.JobTimeout)
	tzChanged := strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !tzChanged {
		s.mu.Unlock()
		return
	}
	loc := loadLocation(cfg.Timezone, s.log)
	wasStarted := s.started
	if wasStarted {
		s.c.Stop()
	}
	s.loc = loc
	s.c = newCron(loc)
	s.live = map[string]*trigger{}
	s.startup = 0
	if wasStarted {
		s.c.Start()
	}
	s.mu.Unlock()

	s.log.Info("scheduler timezone changed", logx.String("from", old.Timezone), logx.String("to", cfg.Timezone))
	if _, err := s.Refresh(ctx); err != nil {
		s.log.Warn("refresh after timezone change failed", logx.Err(err))
	}
}

// Refresh cancels every live trigger and re-arms one per enabled definition.
// Definitions that cannot be armed are skipped; a registry read failure
// leaves nothing armed and is returned.
func (s *Service) Refresh(ctx context.Context) (RefreshReport, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	start := s.now()
	var rep RefreshReport

	s.mu.Lock()
	rep.Cancelled = len(s.live)
	for key, tr := range s.live {
		s.c.Remove(tr.entryID)
		delete(s.live, key)
	}
	s.mu.Unlock()

	defs, err := s.registry.ListAll(ctx)
	if err != nil {
		rep.Error = err.Error()
		rep.Took = s.now().Sub(start)
		s.log.Error("refresh: list definitions failed", logx.Err(err))
		s.publishRefresh(rep)
		return rep, fmt.Errorf("scheduler refresh: %w", err)
	}

	for _, def := range defs {
		if !def.Enabled {
			rep.Disabled++
			continue
		}
		if err := s.arm(def); err != nil {
			key := def.Identity().Key()
			rep.Skipped = append(rep.Skipped, Skip{Key: key, Reason: err.Error()})
			s.log.Warn("job not armed", logx.String("job", key), logx.Err(err))
			continue
		}
		rep.Armed++
	}
	rep.Took = s.now().Sub(start)

	s.log.Info("scheduler refreshed",
		logx.Int("cancelled", rep.Cancelled),
		logx.Int("armed", rep.Armed),
		logx.Int("disabled", rep.Disabled),
		logx.Int("skipped", len(rep.Skipped)),
		logx.Duration("took", rep.Took),
	)
	s.publishRefresh(rep)
	return rep, nil
}

func (s *Service) publishRefresh(rep RefreshReport) {
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerRefreshed, Time: s.now(), Data: rep})
}

func (s *Service) arm(def jobstore.Definition) error {
	id := def.Identity()
	if !id.Valid() {
		return fmt.Errorf("%w: invalid identity %q", ErrJobResolution, id.Key())
	}
	if _, _, err := s.invoker.Resolve(def); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := id.Key()
	if _, dup := s.live[key]; dup {
		return fmt.Errorf("%w: duplicate identity %s", ErrJobResolution, key)
	}
	sched, spec, err := s.compileLocked(def.Schedule, key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJobResolution, err)
	}
	entryID := s.c.Schedule(sched, s.fireJob(id))
	s.live[key] = &trigger{id: id, name: def.TaskName, spec: spec, entryID: entryID}
	return nil
}

func (s *Service) compileLocked(raw, tag string) (cron.Schedule, string, error) {
	if strings.TrimSpace(raw) == "" {
		raw = s.cfg.DefaultSchedule
	}
	if strings.TrimSpace(raw) == "" {
		raw = config.DefaultCronSchedule
	}
	sch, err := ParseSchedule(raw)
	if err != nil {
		return nil, "", err
	}
	if sch.Interval() {
		if s.cfg.SpreadIntervals {
			return intervalWithSpread(sch.Every, s.now(), tag), raw, nil
		}
		return cron.Every(sch.Every), raw, nil
	}
	compiled, err := cronParser.Parse(sch.Cron)
	if err != nil {
		return nil, "", fmt.Errorf("invalid cron %q: %w", sch.Cron, err)
	}
	return compiled, sch.Cron, nil
}

// fireJob hands one fire to the engine; the cron goroutine never runs job
// code itself.
func (s *Service) fireJob(id jobstore.Identity) cron.Job {
	key := id.Key()
	return cron.FuncJob(func() {
		s.mu.Lock()
		overlap := engine.OverlapAllow
		if s.cfg.SkipIfRunning {
			overlap = engine.OverlapSkipIfRunning
		}
		s.mu.Unlock()

		err := s.engine.Enqueue(engine.Task{
			Name:    "job:" + key,
			Overlap: overlap,
			Run: func(ctx context.Context) error {
				return s.invoker.Invoke(ctx, id).Err()
			},
		})
		s.enqRep.report(key, err)
	})
}

// Armed lists the live triggers sorted by key.
func (s *Service) Armed() []TriggerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TriggerInfo, 0, len(s.live))
	for key, tr := range s.live {
		e := s.c.Entry(tr.entryID)
		info := TriggerInfo{Key: key, Identity: tr.id, Name: tr.name, Spec: tr.spec, Next: e.Next, Prev: e.Prev}
		if info.Next.IsZero() && e.Schedule != nil {
			// Not started yet: cron fills Next only while running.
			info.Next = e.Schedule.Next(s.now().In(s.loc))
		}
		out = append(out, info)
	}
	sortTriggers(out)
	return out
}

// IsArmed reports whether id currently has a live trigger.
func (s *Service) IsArmed(id jobstore.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[id.Key()]
	return ok
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func logKey(id jobstore.Identity) logx.Field { return logx.String("job", id.Key()) }

func isNotFound(err error) bool { return errors.Is(err, jobstore.ErrNotFound) }
