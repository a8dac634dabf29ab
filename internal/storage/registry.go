package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	logx "scmbridge/pkg/logx"
)

// Registry holds every configured store in declaration order and routes
// markers to them.
type Registry struct {
	log   logx.Logger
	pools []*Pool
	byKey map[string]*Pool
	def   *Pool
}

// Open constructs one pool per config. A store that fails to construct is
// logged and kept as a failed handle; Open only fails when no store at all
// could be constructed (ErrNoAvailableStore) or the config itself is empty.
//
// The default store is the one named by defaultMarker. When exactly one store
// is usable it is the default regardless. When the named default is unusable,
// the first usable store in declaration order stands in.
func Open(cfgs []Config, defaultMarker Marker, log logx.Logger) (*Registry, error) {
	return openWith(cfgs, defaultMarker, log, OpenGorm)
}

func openWith(cfgs []Config, defaultMarker Marker, log logx.Logger, build func(Config) (*gorm.DB, error)) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		log:   log,
		byKey: make(map[string]*Pool, len(cfgs)),
	}

	var usable []*Pool
	for _, c := range cfgs {
		p := registerPool(c, build)
		key := Marker(c.Name).key()
		if _, dup := r.byKey[key]; dup {
			_ = p.close()
			log.Warn("duplicate store ignored", logx.String("store", c.Name))
			continue
		}
		r.pools = append(r.pools, p)
		r.byKey[key] = p

		if p.Usable() {
			usable = append(usable, p)
			log.Info("store registered", logx.String("store", p.name), logx.String("driver", p.driver))
		} else {
			log.Error("store registration failed; continuing without it",
				logx.String("store", p.name),
				logx.String("driver", p.driver),
				logx.Err(p.err),
			)
		}
	}

	if len(usable) == 0 {
		return nil, fmt.Errorf("%w (%d configured)", ErrNoAvailableStore, len(cfgs))
	}

	switch {
	case len(usable) == 1:
		r.def = usable[0]
	default:
		if p, ok := r.byKey[defaultMarker.key()]; ok && p.Usable() {
			r.def = p
		} else {
			r.def = usable[0]
			log.Warn("configured default store unusable; falling back",
				logx.String("configured", defaultMarker.String()),
				logx.String("default", r.def.name),
			)
		}
	}
	log.Info("store registry ready",
		logx.Int("configured", len(r.pools)),
		logx.Int("usable", len(usable)),
		logx.String("default", r.def.name),
	)
	return r, nil
}

func registerPool(c Config, build func(Config) (*gorm.DB, error)) *Pool {
	p := &Pool{name: c.Name, driver: normalizeDriver(c.Driver)}
	db, err := build(c)
	if err != nil {
		p.err = &ConfigError{Store: c.Name, Err: err}
		return p
	}
	p.db = db
	return p
}

// Resolve returns the pool for m. The unset marker returns the default pool.
// A marker naming a never-configured store fails with ErrUnknownStore; a
// configured store that failed construction still resolves.
func (r *Registry) Resolve(m Marker) (*Pool, error) {
	if m.IsUnset() {
		return r.def, nil
	}
	p, ok := r.byKey[m.key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, string(m))
	}
	return p, nil
}

// DB resolves m and returns a session bound to ctx.
func (r *Registry) DB(ctx context.Context, m Marker) (*gorm.DB, error) {
	p, err := r.Resolve(m)
	if err != nil {
		return nil, err
	}
	return p.DB(ctx)
}

// ForContext resolves the marker carried by ctx (see WithMarker).
func (r *Registry) ForContext(ctx context.Context) (*gorm.DB, error) {
	return r.DB(ctx, MarkerFrom(ctx))
}

// Default returns the default pool. It is never nil on an opened Registry.
func (r *Registry) Default() *Pool { return r.def }

// Pools returns every configured pool in declaration order.
func (r *Registry) Pools() []*Pool {
	return append([]*Pool(nil), r.pools...)
}

// Close closes every constructed pool.
func (r *Registry) Close() error {
	var errs []error
	for _, p := range r.pools {
		if err := p.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}
