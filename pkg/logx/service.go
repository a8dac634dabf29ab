package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	timeFormat       = "2006-01-02T15:04:05.000Z07:00"
	defaultLogPath   = "./scmbridge.log"
	defaultAlertPath = "./scmbridge-alerts.log"
)

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alerts  AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig enables a second JSON file that only receives records at or
// above MinLevel, at most RatePerSec lines per second.
type AlertConfig struct {
	Enabled    bool
	Path       string
	MinLevel   string
	RatePerSec int
}

// Service owns the log sinks and lets them be swapped while loggers derived
// from it are in use.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu    sync.Mutex
	files []*os.File
}

// New builds the sinks described by cfg and returns the service together with
// its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply replaces the sinks and level. Files opened by the previous config
// are closed once the new root logger is installed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	writers, files := buildSinks(cfg)
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()

	old := s.files
	s.root.Store(&zl)
	s.files = files
	closeAll(old)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := closeAll(s.files)
	s.files = nil
	return err
}

func buildSinks(cfg Config) ([]io.Writer, []*os.File) {
	var (
		writers []io.Writer
		files   []*os.File
	)
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLog(cfg.File.Path, defaultLogPath); err == nil {
			files = append(files, f)
			writers = append(writers, zerolog.SyncWriter(f))
		} else {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		}
	}
	if cfg.Alerts.Enabled {
		if f, err := openLog(cfg.Alerts.Path, defaultAlertPath); err == nil {
			files = append(files, f)
			writers = append(writers, newAlertSink(zerolog.SyncWriter(f), cfg.Alerts))
		} else {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	return writers, files
}

func openLog(path, fallback string) (*os.File, error) {
	if path = strings.TrimSpace(path); path == "" {
		path = fallback
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func closeAll(files []*os.File) error {
	var errs []error
	for _, f := range files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// alertSink forwards only high-severity records, dropping whatever exceeds
// the rate budget. Writes never fail so the other sinks are unaffected.
type alertSink struct {
	out     io.Writer
	min     zerolog.Level
	limiter *rate.Limiter
}

func newAlertSink(out io.Writer, cfg AlertConfig) *alertSink {
	rps := max(1, cfg.RatePerSec)
	return &alertSink{
		out:     out,
		min:     parseLevel(cfg.MinLevel, zerolog.WarnLevel),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level >= a.min && level != zerolog.NoLevel && a.limiter.Allow() {
		_, _ = a.out.Write(p)
	}
	return len(p), nil
}

// parseLevel accepts zerolog level names in any case plus "warning".
func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return zerolog.WarnLevel
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}
