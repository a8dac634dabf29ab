// Package httpapi serves the management operations, metrics and optional
// pprof endpoints over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"scmbridge/internal/config"
	rtsup "scmbridge/internal/runtime/supervisor"
	"scmbridge/pkg/logx"
)

// Config controls the management HTTP server. The API has no auth, so a
// non-loopback Addr is refused unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Pprof         bool
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ConfigFrom resolves the file configuration. Durations were validated on load.
func ConfigFrom(c config.HTTPConfig) Config {
	read, _ := config.ParseDurationOrDefault("http.read_timeout", c.ReadTimeout, 10*time.Second)
	write, _ := config.ParseDurationOrDefault("http.write_timeout", c.WriteTimeout, time.Minute)
	idle, _ := config.ParseDurationOrDefault("http.idle_timeout", c.IdleTimeout, time.Minute)
	return Config{
		Enabled:       c.Enabled,
		Addr:          c.AddrOrDefault(),
		Pprof:         c.Pprof,
		AllowInsecure: c.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}

// Server owns the management listener. Each Start begins a new run that is
// retried with backoff until Stop or a disabling Reconfigure.
type Server struct {
	log     logx.Logger
	handler func(Config) http.Handler

	mu  sync.Mutex
	cfg Config
	run *serveRun
}

type serveRun struct {
	cfg  Config
	sup  *rtsup.Supervisor
	addr atomic.Pointer[string]
}

// NewServer builds a server. handler is called with the run's config on each
// start, so a pprof toggle takes effect on restart.
func NewServer(cfg Config, handler func(Config) http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, handler: handler, log: log.With(logx.String("comp", "httpapi"))}
}

// Addr is the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return ""
	}
	if a := r.addr.Load(); a != nil {
		return *a
	}
	return ""
}

// Reconfigure stores cfg and starts, stops or restarts the listener to match.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.run != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled && running:
		s.Stop(ctx)
	case cfg.Enabled && !running:
		s.Start(ctx)
	case cfg.Enabled && prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start begins serving when enabled and not already running.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil || !s.cfg.Enabled {
		return
	}
	r := &serveRun{
		cfg: s.cfg,
		// A failed bind must not take the scheduler down with it.
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.run = r
	r.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, r) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the current run down, waiting at most until ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.sup.Cancel()
	if err := r.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("http api stop timed out", logx.Err(err))
		return
	}
	s.log.Info("http api stopped")
}

func (s *Server) serve(ctx context.Context, r *serveRun) error {
	addr := strings.TrimSpace(r.cfg.Addr)
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	if !isLoopbackAddr(addr) {
		if !r.cfg.AllowInsecure {
			// Retrying cannot fix a config refusal.
			s.log.Error("http api refused to start: non-loopback addr requires allow_insecure",
				logx.String("addr", addr))
			return nil
		}
		s.log.Warn("http api listening on non-loopback addr without auth", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Error("http api listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	bound := ln.Addr().String()
	r.addr.Store(&bound)
	defer r.addr.Store(nil)

	srv := &http.Server{
		Handler:      s.handler(r.cfg),
		ReadTimeout:  r.cfg.ReadTimeout,
		WriteTimeout: r.cfg.WriteTimeout,
		IdleTimeout:  r.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	stopped := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if srv.Shutdown(sctx) != nil {
			_ = srv.Close()
		}
	})
	defer stopped()

	s.log.Info("http api started", logx.String("addr", bound), logx.Bool("pprof", r.cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return errors.New("http api exited unexpectedly")
	}
	return err
}

// isLoopbackAddr reports whether addr binds only to the local host. An empty
// host means every interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
