package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns defaults for network databases:
// 25 open / 10 idle connections, 5m lifetime, 1m idle time.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// sqlitePoolConfig keeps SQLite to a single writer connection.
func sqlitePoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 0,
		ConnMaxIdleTime: 0,
	}
}

// PoolOption configures connection pool settings.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// MaxOpenConns sets the maximum number of open connections. Values <= 0 are ignored.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if n > 0 {
			c.MaxOpenConns = n
		}
	})
}

// MaxIdleConns sets the maximum number of idle connections. Values <= 0 are ignored.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if n > 0 {
			c.MaxIdleConns = n
		}
	})
}

// ConnMaxLifetime sets the maximum connection lifetime. Values <= 0 are ignored.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if d > 0 {
			c.ConnMaxLifetime = d
		}
	})
}

// ConnMaxIdleTime sets the maximum idle time for connections. Values <= 0 are ignored.
func ConnMaxIdleTime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if d > 0 {
			c.ConnMaxIdleTime = d
		}
	})
}

// ConfigurePool applies base plus opts to the *sql.DB behind db.
func ConfigurePool(db *gorm.DB, base PoolConfig, opts ...PoolOption) error {
	for _, opt := range opts {
		opt.applyPool(&base)
	}
	if base.MaxIdleConns > base.MaxOpenConns && base.MaxOpenConns > 0 {
		base.MaxIdleConns = base.MaxOpenConns
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(base.MaxOpenConns)
	sqlDB.SetMaxIdleConns(base.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(base.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(base.ConnMaxIdleTime)
	return nil
}
