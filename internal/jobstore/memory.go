package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry for tests and dry runs.
type MemoryRegistry struct {
	mu     sync.Mutex
	nextID uint
	defs   map[string]*Definition
}

func NewMemoryRegistry(defs ...Definition) *MemoryRegistry {
	m := &MemoryRegistry{defs: make(map[string]*Definition)}
	for i := range defs {
		d := defs[i]
		_ = m.Insert(context.Background(), &d)
	}
	return m
}

func (m *MemoryRegistry) ListAll(_ context.Context) ([]Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Definition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRegistry) Get(_ context.Context, id Identity) (Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id.Key()]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *d, nil
}

func (m *MemoryRegistry) Insert(_ context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := def.Identity().Key()
	if _, dup := m.defs[key]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	m.nextID++
	now := time.Now()
	def.ID = m.nextID
	def.CreatedAt, def.UpdatedAt = now, now
	cp := *def
	m.defs[key] = &cp
	return nil
}

func (m *MemoryRegistry) Update(_ context.Context, id Identity, patch Patch) (Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id.Key()]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *d
	if err := patch.apply(&cp); err != nil {
		return Definition{}, err
	}
	cp.UpdatedAt = time.Now()
	*d = cp
	return cp, nil
}

func (m *MemoryRegistry) Delete(_ context.Context, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id.Key()]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.defs, id.Key())
	return nil
}

func (m *MemoryRegistry) IncrementExecCount(_ context.Context, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id.Key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.CapReached() {
		return fmt.Errorf("%w: %s", ErrCapReached, id)
	}
	d.CurrentExecCount++
	now := time.Now()
	d.LastExecAt = &now
	return nil
}

func (m *MemoryRegistry) ResetExecCount(_ context.Context, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id.Key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.CurrentExecCount = 0
	return nil
}

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Registry = (*GormRegistry)(nil)
)
