package app

import (
	"fmt"
	"strings"

	"scmbridge/internal/config"
	"scmbridge/internal/storage"
)

// mapStoreConfigs turns the file stores into pool configs. Unknown drivers
// pass through; the registry records them as misconfigured instead of failing
// the whole process.
func mapStoreConfigs(cfg *config.Config) ([]storage.Config, error) {
	out := make([]storage.Config, 0, len(cfg.Stores))
	for i, sc := range cfg.Stores {
		field := func(name string) string { return fmt.Sprintf("stores[%d].%s", i, name) }

		busy, err := config.ParseDurationField(field("busy_timeout"), sc.BusyTimeout)
		if err != nil {
			return nil, err
		}
		lifetime, err := config.ParseDurationField(field("conn_max_lifetime"), sc.ConnMaxLifetime)
		if err != nil {
			return nil, err
		}
		idle, err := config.ParseDurationField(field("conn_max_idle_time"), sc.ConnMaxIdleTime)
		if err != nil {
			return nil, err
		}

		var pool []storage.PoolOption
		if sc.MaxOpenConns > 0 {
			pool = append(pool, storage.MaxOpenConns(sc.MaxOpenConns))
		}
		if sc.MaxIdleConns > 0 {
			pool = append(pool, storage.MaxIdleConns(sc.MaxIdleConns))
		}
		if lifetime > 0 {
			pool = append(pool, storage.ConnMaxLifetime(lifetime))
		}
		if idle > 0 {
			pool = append(pool, storage.ConnMaxIdleTime(idle))
		}

		out = append(out, storage.Config{
			Name:        strings.TrimSpace(sc.Name),
			Driver:      strings.TrimSpace(sc.Driver),
			DSN:         sc.DSN,
			BusyTimeout: busy,
			Pool:        pool,
		})
	}
	return out, nil
}
