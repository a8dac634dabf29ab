// Package storage owns the named backing-store connection pools.
//
// A Registry is built once at startup from config. Each store is constructed
// independently: one store failing to construct is logged and remembered, and
// the process still starts as long as at least one store is usable. Callers
// route work with a Marker ("SPD", "SCM", ...); the unset marker means the
// default store. The Prober reports per-store reachability in bounded time.
package storage
