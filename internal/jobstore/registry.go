// Package jobstore persists scheduled job definitions.
//
// The scheduler never caches definitions beyond one refresh pass; every
// consumer re-reads through a Registry.
package jobstore

import "context"

// Registry is the persisted source of truth for job definitions.
type Registry interface {
	ListAll(ctx context.Context) ([]Definition, error)
	Get(ctx context.Context, id Identity) (Definition, error)
	Insert(ctx context.Context, def *Definition) error
	Update(ctx context.Context, id Identity, patch Patch) (Definition, error)
	Delete(ctx context.Context, id Identity) error
	IncrementExecCount(ctx context.Context, id Identity) error
	ResetExecCount(ctx context.Context, id Identity) error
}
