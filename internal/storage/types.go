package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoAvailableStore means not a single configured store could be constructed.
	ErrNoAvailableStore = errors.New("storage: no available store")
	// ErrUnknownStore means the marker names a store that was never configured.
	ErrUnknownStore = errors.New("storage: unknown store")
	// ErrProbeTimeout is reported (never returned) when a probe exceeds its budget.
	ErrProbeTimeout = errors.New("storage: probe timed out")
)

// ConfigError records why a configured store could not be constructed.
type ConfigError struct {
	Store string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("storage: store %q is misconfigured: %v", e.Store, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config configures one named store.
//
// Driver values:
//   - "sqlite" (alias "sqlite3"): SQLite database file via modernc.org/sqlite
//   - "postgres" (alias "postgresql", "pg"): PostgreSQL via pgx
type Config struct {
	Name        string
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Pool        []PoolOption
}

// Marker names the store a unit of work should run against.
// Comparison is case-insensitive. The zero value means "use the default".
type Marker string

const (
	MarkerUnset Marker = ""
	MarkerSPD   Marker = "SPD"
	MarkerSCM   Marker = "SCM"
)

func (m Marker) IsUnset() bool { return strings.TrimSpace(string(m)) == "" }

func (m Marker) key() string { return strings.ToUpper(strings.TrimSpace(string(m))) }

func (m Marker) String() string {
	if m.IsUnset() {
		return "<default>"
	}
	return string(m)
}

type markerKey struct{}

// WithMarker returns a context carrying m. Router lookups through ForContext use it.
func WithMarker(ctx context.Context, m Marker) context.Context {
	return context.WithValue(ctx, markerKey{}, m)
}

// MarkerFrom returns the marker carried by ctx, or MarkerUnset.
func MarkerFrom(ctx context.Context) Marker {
	if ctx == nil {
		return MarkerUnset
	}
	m, _ := ctx.Value(markerKey{}).(Marker)
	return m
}
