package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	_ "modernc.org/sqlite"
)

// sqliteDialector routes gorm to the pure-Go modernc driver (registered as "sqlite").
func sqliteDialector(dsn string) gorm.Dialector {
	return sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn})
}

// sqliteDSN creates the parent directory and appends per-connection pragmas.
// Pragmas go in the DSN so every pooled connection gets them, not just the first.
func sqliteDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.DSN)
	if path == "" {
		return "", errors.New("sqlite path is required")
	}
	file := path
	if i := strings.IndexByte(file, '?'); i >= 0 {
		file = file[:i]
	}
	file = strings.TrimPrefix(file, "file:")
	if file != ":memory:" && file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return "", err
		}
	}

	pragmas := []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	} else {
		pragmas = append(pragmas, "_pragma=busy_timeout(5000)")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(pragmas, "&"), nil
}
