// Package upstream opens the remote hospital database whose connection
// details live in system config under "<prefix>.driver|url|username|password".
package upstream

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"sync"

	"gorm.io/gorm"

	"scmbridge/internal/storage"
	"scmbridge/pkg/logx"
)

var (
	ErrIncomplete  = errors.New("upstream: connection settings incomplete")
	ErrUnsupported = errors.New("upstream: unsupported driver")
)

// ValueSource reads one setting; a missing key yields "".
type ValueSource interface {
	Value(ctx context.Context, key string) (string, error)
}

// Settings are the raw connection values, usually written in JDBC form.
type Settings struct {
	Driver   string `json:"driver"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"-"`
}

func (s Settings) Complete() bool {
	return strings.TrimSpace(s.Driver) != "" && strings.TrimSpace(s.URL) != ""
}

func (s Settings) fingerprint() string {
	h := fnv.New64a()
	for _, v := range []string{s.Driver, s.URL, s.Username, s.Password} {
		_, _ = h.Write([]byte(v))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// StoreConfig maps Settings onto a storage.Config. JDBC driver class names
// and "jdbc:" URLs are accepted alongside plain driver names and DSNs.
func (s Settings) StoreConfig() (storage.Config, error) {
	if !s.Complete() {
		return storage.Config{}, ErrIncomplete
	}
	driver := driverName(s.Driver)
	raw := strings.TrimPrefix(strings.TrimSpace(s.URL), "jdbc:")
	switch driver {
	case "sqlite":
		raw = strings.TrimPrefix(raw, "sqlite:")
		return storage.Config{Name: "UPSTREAM", Driver: driver, DSN: raw}, nil
	case "postgres":
		dsn, err := postgresDSN(raw, s.Username, s.Password)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Name: "UPSTREAM", Driver: driver, DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("%w: %s", ErrUnsupported, s.Driver)
	}
}

func driverName(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	switch {
	case strings.Contains(d, "postgres") || d == "pg" || d == "pgx":
		return "postgres"
	case strings.Contains(d, "sqlite"):
		return "sqlite"
	default:
		return d
	}
}

// postgresDSN turns "postgresql://host:5432/db?x=y" (or a key=value DSN)
// into a DSN carrying the credentials.
func postgresDSN(raw, user, pass string) (string, error) {
	if !strings.Contains(raw, "://") {
		var b strings.Builder
		b.WriteString(raw)
		if user != "" && !strings.Contains(raw, "user=") {
			fmt.Fprintf(&b, " user=%s", user)
		}
		if pass != "" && !strings.Contains(raw, "password=") {
			fmt.Fprintf(&b, " password=%s", pass)
		}
		return strings.TrimSpace(b.String()), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("upstream: parse url: %w", err)
	}
	u.Scheme = "postgres"
	if user != "" {
		if pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String(), nil
}

// Connector caches one upstream handle and reopens it when the settings change.
type Connector struct {
	src    ValueSource
	prefix string
	log    logx.Logger
	open   func(storage.Config) (*gorm.DB, error)

	mu sync.Mutex
	db *gorm.DB
	fp string
}

func NewConnector(src ValueSource, prefix string, log logx.Logger) *Connector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Connector{
		src:    src,
		prefix: strings.TrimSuffix(strings.TrimSpace(prefix), "."),
		log:    log.With(logx.String("comp", "upstream")),
		open:   storage.OpenGorm,
	}
}

func (c *Connector) key(name string) string { return c.prefix + "." + name }

// Settings reads the current connection values.
func (c *Connector) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"driver", &s.Driver},
		{"url", &s.URL},
		{"username", &s.Username},
		{"password", &s.Password},
	} {
		v, err := c.src.Value(ctx, c.key(f.name))
		if err != nil {
			return Settings{}, fmt.Errorf("upstream: read %s: %w", c.key(f.name), err)
		}
		*f.dst = strings.TrimSpace(v)
	}
	return s, nil
}

// Open returns a session on the upstream database bound to ctx.
func (c *Connector) Open(ctx context.Context) (*gorm.DB, error) {
	s, err := c.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if !s.Complete() {
		return nil, fmt.Errorf("%w: set %s and %s", ErrIncomplete, c.key("driver"), c.key("url"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fp := s.fingerprint()
	if c.db != nil && c.fp == fp {
		return c.db.WithContext(ctx), nil
	}
	cfg, err := s.StoreConfig()
	if err != nil {
		return nil, err
	}
	db, err := c.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("upstream: open %s: %w", cfg.Driver, err)
	}
	c.closeLocked()
	c.db, c.fp = db, fp
	c.log.Info("upstream connection opened", logx.String("driver", cfg.Driver))
	return db.WithContext(ctx), nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connector) closeLocked() error {
	if c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	c.db, c.fp = nil, ""
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
