package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/xraph/forge"

	"scmbridge/internal/manage"
	"scmbridge/internal/sysconfig"
	"scmbridge/pkg/logx"
)

const maxBody = 1 << 20

// Routes binds the management service onto a router.
type Routes struct {
	Manage  *manage.Service
	Metrics http.Handler // nil disables /metrics
	Log     logx.Logger
}

// Handler builds the handler tree for cfg. It is passed to NewServer as a
// method value. Management endpoints live on a forge router under /api;
// health, metrics and pprof stay on the outer mux.
func (rt Routes) Handler(cfg Config) http.Handler {
	log := rt.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	router := forge.NewRouter()
	a := &api{m: rt.Manage}
	a.registerTaskRoutes(router)
	a.registerStoreRoutes(router)
	a.registerConfigRoutes(router)

	mux := http.NewServeMux()
	mux.Handle("/api/", router.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if rt.Metrics != nil {
		mux.Handle("GET /metrics", rt.Metrics)
	}
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return accessLog(log, mux)
}

type api struct {
	m *manage.Service
}

func (a *api) registerTaskRoutes(router forge.Router) {
	g := router.Group("/api/task", forge.WithGroupTags("tasks"))

	_ = g.GET("/list", a.listJobs,
		forge.WithSummary("List jobs"),
		forge.WithDescription("Returns every stored job with its armed state and next fire time."),
		forge.WithOperationID("listJobs"),
		forge.WithResponseSchema(http.StatusOK, "Job list", manage.Result{}),
	)
	_ = g.GET("/armed", a.armed,
		forge.WithSummary("Armed triggers"),
		forge.WithOperationID("armedTriggers"),
		forge.WithResponseSchema(http.StatusOK, "Live triggers", manage.Result{}),
	)
	_ = g.GET("/engine", a.engine,
		forge.WithSummary("Engine status"),
		forge.WithOperationID("engineStatus"),
		forge.WithResponseSchema(http.StatusOK, "Worker pool snapshot", manage.Result{}),
	)
	_ = g.GET("/classes", a.handlers,
		forge.WithSummary("List handlers"),
		forge.WithOperationID("listHandlers"),
		forge.WithResponseSchema(http.StatusOK, "Registered handlers", manage.Result{}),
	)
	_ = g.GET("/methods", a.methods,
		forge.WithSummary("List handler methods"),
		forge.WithDescription("Returns the methods of the handler named by the taskClass query parameter."),
		forge.WithOperationID("listMethods"),
		forge.WithResponseSchema(http.StatusOK, "Handler methods", manage.Result{}),
		forge.WithErrorResponses(),
	)
	_ = g.POST("/add", a.addJob,
		forge.WithSummary("Add job"),
		forge.WithOperationID("addJob"),
		forge.WithResponseSchema(http.StatusOK, "Stored job", manage.Result{}),
		forge.WithErrorResponses(),
	)
	_ = g.DELETE("/delete", a.deleteJob,
		forge.WithSummary("Delete job"),
		forge.WithOperationID("deleteJob"),
		forge.WithResponseSchema(http.StatusOK, "Refresh report", manage.Result{}),
		forge.WithErrorResponses(),
	)
	_ = g.POST("/refresh", a.refresh,
		forge.WithSummary("Refresh triggers"),
		forge.WithDescription("Cancels every live trigger and re-arms one per enabled job."),
		forge.WithOperationID("refresh"),
		forge.WithResponseSchema(http.StatusOK, "Refresh report", manage.Result{}),
	)

	// Legacy-group routes: :legacy is spd or scm and picks the default task
	// name when the request carries no identity.
	_ = g.GET("/:legacy/config", a.withLegacy(a.getJob),
		forge.WithSummary("Get job"),
		forge.WithOperationID("getJob"),
		forge.WithResponseSchema(http.StatusOK, "Stored job", manage.Result{}),
		forge.WithErrorResponses(),
	)
	_ = g.POST("/:legacy/update", a.withLegacy(a.updateJob),
		forge.WithSummary("Update job"),
		forge.WithOperationID("updateJob"),
		forge.WithResponseSchema(http.StatusOK, "Updated job", manage.Result{}),
		forge.WithErrorResponses(),
	)
	_ = g.POST("/:legacy/trigger", a.withLegacy(a.trigger),
		forge.WithSummary("Trigger job now"),
		forge.WithOperationID("triggerJob"),
		forge.WithResponseSchema(http.StatusOK, "Run outcome", manage.Result{}),
		forge.WithErrorResponses(),
	)
	_ = g.POST("/:legacy/reset", a.withLegacy(a.reset),
		forge.WithSummary("Reset execution count"),
		forge.WithOperationID("resetExecCount"),
		forge.WithResponseSchema(http.StatusOK, "Refresh report", manage.Result{}),
		forge.WithErrorResponses(),
	)
}

func (a *api) registerStoreRoutes(router forge.Router) {
	g := router.Group("/api/store", forge.WithGroupTags("stores"))

	_ = g.GET("/availability", a.availability,
		forge.WithSummary("Store availability"),
		forge.WithDescription("Probes every configured store now."),
		forge.WithOperationID("storeAvailability"),
		forge.WithResponseSchema(http.StatusOK, "Probe results", manage.Result{}),
	)
}

func (a *api) registerConfigRoutes(router forge.Router) {
	g := router.Group("/api", forge.WithGroupTags("config"))

	_ = g.GET("/config", a.listConfig,
		forge.WithSummary("List system config"),
		forge.WithOperationID("listConfig"),
		forge.WithResponseSchema(http.StatusOK, "Entries, secrets masked", manage.Result{}),
	)
	_ = g.GET("/config/:key", a.getConfig,
		forge.WithSummary("Get system config entry"),
		forge.WithOperationID("getConfig"),
		forge.WithResponseSchema(http.StatusOK, "Entry, secrets masked", manage.Result{}),
		forge.WithErrorResponses(),
	)
	_ = g.PUT("/config/:key", a.setConfig,
		forge.WithSummary("Set system config entry"),
		forge.WithOperationID("setConfig"),
		forge.WithResponseSchema(http.StatusOK, "Stored entry", manage.Result{}),
		forge.WithErrorResponses(),
	)
	_ = g.DELETE("/config/:key", a.deleteConfig,
		forge.WithSummary("Delete system config entry"),
		forge.WithOperationID("deleteConfig"),
		forge.WithResponseSchema(http.StatusOK, "Deleted", manage.Result{}),
		forge.WithErrorResponses(),
	)
}

func (a *api) listJobs(ctx forge.Context) error {
	return result(ctx, a.m.ListJobs(ctx.Context()))
}

func (a *api) armed(ctx forge.Context) error { return result(ctx, a.m.ArmedTriggers()) }

func (a *api) engine(ctx forge.Context) error { return result(ctx, a.m.EngineStatus()) }

func (a *api) handlers(ctx forge.Context) error { return result(ctx, a.m.ListHandlers()) }

func (a *api) methods(ctx forge.Context) error {
	return result(ctx, a.m.ListMethods(ctx.Query("taskClass")))
}

func (a *api) addJob(ctx forge.Context) error {
	var req manage.JobRequest
	if err := decodeBody(ctx, &req); err != nil {
		return badRequest(ctx, err)
	}
	return result(ctx, a.m.AddJob(ctx.Context(), req))
}

func (a *api) deleteJob(ctx forge.Context) error {
	return result(ctx, a.m.DeleteJob(ctx.Context(), refFromQuery(ctx)))
}

func (a *api) refresh(ctx forge.Context) error {
	return result(ctx, a.m.Refresh(ctx.Context()))
}

func (a *api) getJob(ctx forge.Context, l manage.Legacy) error {
	return result(ctx, a.m.GetJob(ctx.Context(), refFromQuery(ctx), l))
}

func (a *api) updateJob(ctx forge.Context, l manage.Legacy) error {
	req := manage.JobRequest{JobRef: refFromQuery(ctx)}
	if err := decodeBody(ctx, &req); err != nil {
		return badRequest(ctx, err)
	}
	return result(ctx, a.m.UpdateJob(ctx.Context(), req, l))
}

func (a *api) trigger(ctx forge.Context, l manage.Legacy) error {
	ref := refFromQuery(ctx)
	if err := decodeBody(ctx, &ref); err != nil {
		return badRequest(ctx, err)
	}
	return result(ctx, a.m.TriggerNow(ctx.Context(), ref, l))
}

func (a *api) reset(ctx forge.Context, l manage.Legacy) error {
	ref := refFromQuery(ctx)
	if err := decodeBody(ctx, &ref); err != nil {
		return badRequest(ctx, err)
	}
	return result(ctx, a.m.ResetExecCount(ctx.Context(), ref, l))
}

func (a *api) availability(ctx forge.Context) error {
	return result(ctx, a.m.StoreAvailability(ctx.Context()))
}

func (a *api) listConfig(ctx forge.Context) error {
	return result(ctx, a.m.ListConfig(ctx.Context()))
}

func (a *api) getConfig(ctx forge.Context) error {
	return result(ctx, a.m.GetConfig(ctx.Context(), ctx.Param("key")))
}

func (a *api) setConfig(ctx forge.Context) error {
	var e sysconfig.Entry
	if err := decodeBody(ctx, &e); err != nil {
		return badRequest(ctx, err)
	}
	e.Key = ctx.Param("key")
	return result(ctx, a.m.SetConfig(ctx.Context(), e))
}

func (a *api) deleteConfig(ctx forge.Context) error {
	return result(ctx, a.m.DeleteConfig(ctx.Context(), ctx.Param("key")))
}

func (a *api) withLegacy(h func(forge.Context, manage.Legacy) error) func(forge.Context) error {
	return func(ctx forge.Context) error {
		switch group := ctx.Param("legacy"); group {
		case "spd":
			return h(ctx, manage.LegacySPD)
		case "scm":
			return h(ctx, manage.LegacySCM)
		default:
			return ctx.JSON(http.StatusNotFound, manage.Result{Message: "unknown task group " + group})
		}
	}
}

func refFromQuery(ctx forge.Context) manage.JobRef {
	return manage.JobRef{
		TaskClass:  ctx.Query("taskClass"),
		TaskMethod: ctx.Query("taskMethod"),
		TaskName:   ctx.Query("taskName"),
		Key:        ctx.Query("key"),
	}
}

// decodeBody fills v from a JSON body. An empty body leaves v untouched, so
// query-only requests work without a payload.
func decodeBody(ctx forge.Context, v any) error {
	r := ctx.Request()
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid request body: %w", err)
}

func badRequest(ctx forge.Context, err error) error {
	return ctx.JSON(http.StatusBadRequest, manage.Result{Message: err.Error()})
}

// result writes the envelope with the status it maps to.
func result(ctx forge.Context, res manage.Result) error {
	return ctx.JSON(res.HTTPStatus(), res)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func accessLog(log logx.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.status),
			logx.Duration("took", time.Since(start)),
		)
	})
}
