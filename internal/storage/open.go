package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Pool is a handle to one configured store. A Pool whose construction failed
// is still a valid handle: every call through it returns its ConfigError.
type Pool struct {
	name   string
	driver string
	db     *gorm.DB
	err    error

	mu   sync.Mutex
	last Status
}

func (p *Pool) Name() string   { return p.name }
func (p *Pool) Driver() string { return p.driver }

// Usable reports whether the pool was constructed. It says nothing about
// reachability; use the Prober for that.
func (p *Pool) Usable() bool { return p.err == nil && p.db != nil }

// Err returns the construction error, if any.
func (p *Pool) Err() error { return p.err }

// DB returns a session bound to ctx.
func (p *Pool) DB(ctx context.Context) (*gorm.DB, error) {
	if !p.Usable() {
		return nil, p.constructionErr()
	}
	return p.db.WithContext(ctx), nil
}

// SQL returns the underlying database/sql pool.
func (p *Pool) SQL() (*sql.DB, error) {
	if !p.Usable() {
		return nil, p.constructionErr()
	}
	return p.db.DB()
}

// LastProbe returns the most recent probe result, if any.
func (p *Pool) LastProbe() (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, !p.last.CheckedAt.IsZero()
}

func (p *Pool) remember(st Status) {
	p.mu.Lock()
	p.last = st
	p.mu.Unlock()
}

func (p *Pool) constructionErr() error {
	if p.err != nil {
		return p.err
	}
	return &ConfigError{Store: p.name, Err: errors.New("pool not constructed")}
}

func (p *Pool) close() error {
	if !p.Usable() {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenGorm builds a gorm handle for driver/dsn without touching the network.
// Connections are established lazily on first use.
func OpenGorm(cfg Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	}

	driver := normalizeDriver(cfg.Driver)
	switch driver {
	case "sqlite":
		dsn, err := sqliteDSN(cfg)
		if err != nil {
			return nil, err
		}
		db, err := gorm.Open(sqliteDialector(dsn), gcfg)
		if err != nil {
			return nil, err
		}
		if err := ConfigurePool(db, sqlitePoolConfig(), cfg.Pool...); err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("postgres dsn is required")
		}
		db, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
		if err != nil {
			return nil, err
		}
		if err := ConfigurePool(db, DefaultPoolConfig(), cfg.Pool...); err != nil {
			return nil, err
		}
		return db, nil
	case "":
		return nil, errors.New("driver is required")
	default:
		return nil, fmt.Errorf("unknown driver: %s", cfg.Driver)
	}
}

func normalizeDriver(d string) string {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "sqlite", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pg", "pgx":
		return "postgres"
	default:
		return strings.ToLower(strings.TrimSpace(d))
	}
}
