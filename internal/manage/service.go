package manage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"scmbridge/internal/jobstore"
	"scmbridge/internal/storage"
	"scmbridge/internal/sysconfig"
	"scmbridge/internal/task/engine"
	"scmbridge/internal/task/handler"
	"scmbridge/internal/task/scheduler"
	"scmbridge/pkg/logx"
)

const maskedValue = "******"

type Deps struct {
	Scheduler *scheduler.Service
	Handlers  *handler.Registry
	Prober    *storage.Prober
	SysConfig *sysconfig.Store
	Engine    *engine.Service
	Log       logx.Logger
}

type Service struct {
	sched    *scheduler.Service
	handlers *handler.Registry
	prober   *storage.Prober
	sysconf  *sysconfig.Store
	engine   *engine.Service
	log      logx.Logger
}

func New(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Service{
		sched:    d.Scheduler,
		handlers: d.Handlers,
		prober:   d.Prober,
		sysconf:  d.SysConfig,
		engine:   d.Engine,
		log:      d.Log.With(logx.String("comp", "manage")),
	}
}

// JobView is a stored definition plus its live trigger state.
type JobView struct {
	jobstore.Definition
	Key      string     `json:"key"`
	Armed    bool       `json:"armed"`
	NextFire *time.Time `json:"nextFire,omitempty"`
}

// guard converts a panic into a generic failure and logs it.
func (s *Service) guard(op string, fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("management operation panicked",
				logx.String("op", op),
				logx.Any("panic", r),
				logx.Stack(logx.StackTrace(3, 32)),
			)
			res = Result{Success: false, Message: op + " failed: internal error"}
		}
	}()
	return fn()
}

// canonical normalizes the handler part so short and namespaced references
// address the same record.
func (s *Service) canonical(id jobstore.Identity) jobstore.Identity {
	if id.IsLegacy() {
		return id
	}
	return jobstore.ByHandler(s.handlers.Canonical(id.Handler), id.Method)
}

func (s *Service) resolve(ref JobRef, fallback Legacy) (jobstore.Identity, error) {
	id, err := ref.identity(fallback)
	if err != nil {
		return id, err
	}
	return s.canonical(id), nil
}

func (s *Service) ListJobs(ctx context.Context) Result {
	return s.guard("list jobs", func() Result {
		defs, err := s.sched.Definitions(ctx)
		if err != nil {
			return fail("list jobs failed", err)
		}
		armed := map[string]scheduler.TriggerInfo{}
		for _, tr := range s.sched.Armed() {
			armed[tr.Key] = tr
		}
		out := make([]JobView, 0, len(defs))
		for _, d := range defs {
			v := JobView{Definition: d, Key: d.Identity().Key()}
			if tr, ok := armed[v.Key]; ok {
				v.Armed = true
				next := tr.Next
				v.NextFire = &next
			}
			out = append(out, v)
		}
		return ok("ok", out)
	})
}

func (s *Service) ListHandlers() Result {
	return s.guard("list handlers", func() Result {
		return ok("ok", s.handlers.Handlers())
	})
}

func (s *Service) ListMethods(handlerRef string) Result {
	return s.guard("list methods", func() Result {
		if strings.TrimSpace(handlerRef) == "" {
			return fail("taskClass is required", nil)
		}
		ms, err := s.handlers.Methods(handlerRef)
		if err != nil {
			return fail("list methods failed", err)
		}
		return ok("ok", ms)
	})
}

func (s *Service) GetJob(ctx context.Context, ref JobRef, fallback Legacy) Result {
	return s.guard("get job", func() Result {
		id, err := s.resolve(ref, fallback)
		if err != nil {
			return fail("get job failed", err)
		}
		def, found, err := s.sched.Definition(ctx, id)
		if err != nil {
			return fail("get job failed", err)
		}
		if !found {
			// An absent config is not an error; the caller sees empty data.
			return ok("job not configured", nil)
		}
		return ok("ok", def)
	})
}

func (s *Service) AddJob(ctx context.Context, req JobRequest) Result {
	return s.guard("add job", func() Result {
		def, err := req.definition()
		if err != nil {
			return fail("add job failed", err)
		}
		canon := s.canonical(def.Identity())
		h, m := canon.Handler, canon.Method
		def.HandlerRef, def.MethodRef = &h, &m
		if _, err := s.handlers.Lookup(h, m); err != nil {
			return fail("add job failed", err)
		}
		saved, rep, err := s.sched.AddJob(ctx, def)
		if err != nil {
			return fail("add job failed", err)
		}
		return ok(withRefresh("job added", rep), saved)
	})
}

func (s *Service) UpdateJob(ctx context.Context, req JobRequest, fallback Legacy) Result {
	return s.guard("update job", func() Result {
		id, err := s.resolve(req.JobRef, fallback)
		if err != nil {
			return fail("update job failed", err)
		}
		patch := req.patch()
		if patch.Empty() {
			return fail("update job failed", fmt.Errorf("%w: nothing to update", jobstore.ErrInvalid))
		}
		saved, rep, err := s.sched.UpdateJob(ctx, id, patch)
		if err != nil {
			return fail("update job failed", err)
		}
		return ok(withRefresh("job updated", rep), saved)
	})
}

func (s *Service) DeleteJob(ctx context.Context, ref JobRef) Result {
	return s.guard("delete job", func() Result {
		id, err := s.resolve(ref, LegacySPD)
		if err != nil {
			return fail("delete job failed", err)
		}
		if id.IsLegacy() && ref.TaskName == "" && ref.Key == "" {
			return fail("delete job failed", fmt.Errorf("%w: taskClass and taskMethod are required", jobstore.ErrInvalid))
		}
		rep, err := s.sched.DeleteJob(ctx, id)
		if err != nil {
			return fail("delete job failed", err)
		}
		return ok(withRefresh("job deleted", rep), nil)
	})
}

func (s *Service) TriggerNow(ctx context.Context, ref JobRef, fallback Legacy) Result {
	return s.guard("trigger job", func() Result {
		id, err := s.resolve(ref, fallback)
		if err != nil {
			return fail("trigger failed", err)
		}
		out := s.sched.TriggerNow(ctx, id)
		switch out.Status {
		case scheduler.StatusSucceeded:
			return ok("job triggered", out)
		case scheduler.StatusSkipped:
			r := fail("job not run: "+out.Detail, nil)
			r.Data = out
			return r
		default:
			r := fail("trigger failed", out.Err())
			r.Data = out
			return r
		}
	})
}

func (s *Service) Refresh(ctx context.Context) Result {
	return s.guard("refresh", func() Result {
		rep, err := s.sched.Refresh(ctx)
		if err != nil {
			r := fail("refresh failed", err)
			r.Data = rep
			return r
		}
		return ok("refreshed", rep)
	})
}

func (s *Service) ResetExecCount(ctx context.Context, ref JobRef, fallback Legacy) Result {
	return s.guard("reset exec count", func() Result {
		id, err := s.resolve(ref, fallback)
		if err != nil {
			return fail("reset failed", err)
		}
		rep, err := s.sched.ResetExecCount(ctx, id)
		if err != nil {
			return fail("reset failed", err)
		}
		return ok(withRefresh("execution count reset", rep), nil)
	})
}

// StoreAvailability probes every configured store now.
func (s *Service) StoreAvailability(ctx context.Context) Result {
	return s.guard("store availability", func() Result {
		return ok("ok", s.prober.ProbeAll(ctx))
	})
}

func (s *Service) ArmedTriggers() Result {
	return s.guard("armed triggers", func() Result {
		return ok("ok", s.sched.Armed())
	})
}

func (s *Service) EngineStatus() Result {
	return s.guard("engine status", func() Result {
		return ok("ok", s.engine.Snapshot())
	})
}

func (s *Service) ListConfig(ctx context.Context) Result {
	return s.guard("list config", func() Result {
		entries, err := s.sysconf.List(ctx)
		if err != nil {
			return fail("list config failed", err)
		}
		for i := range entries {
			entries[i] = masked(entries[i])
		}
		return ok("ok", entries)
	})
}

func (s *Service) GetConfig(ctx context.Context, key string) Result {
	return s.guard("get config", func() Result {
		e, err := s.sysconf.Get(ctx, key)
		if err != nil {
			return fail("get config failed", err)
		}
		return ok("ok", masked(e))
	})
}

func (s *Service) SetConfig(ctx context.Context, e sysconfig.Entry) Result {
	return s.guard("set config", func() Result {
		if err := s.sysconf.Set(ctx, e); err != nil {
			return fail("set config failed", err)
		}
		s.log.Info("system config updated", logx.String("key", strings.TrimSpace(e.Key)))
		return ok("config saved", nil)
	})
}

func (s *Service) DeleteConfig(ctx context.Context, key string) Result {
	return s.guard("delete config", func() Result {
		if err := s.sysconf.Delete(ctx, key); err != nil {
			return fail("delete config failed", err)
		}
		return ok("config deleted", nil)
	})
}

func masked(e sysconfig.Entry) sysconfig.Entry {
	k := strings.ToLower(e.Key)
	if e.Value != "" && (strings.Contains(k, "password") || strings.Contains(k, "secret")) {
		e.Value = maskedValue
	}
	return e
}

func withRefresh(msg string, rep scheduler.RefreshReport) string {
	if rep.Error != "" {
		return msg + "; refresh failed: " + rep.Error
	}
	return msg
}
