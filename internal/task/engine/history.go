package engine

import "sync"

// ring keeps the last cap(buf) completed runs.
type ring struct {
	mu   sync.Mutex
	buf  []HistoryItem
	next int
	full bool
}

func newRing(size int) *ring { return &ring{buf: make([]HistoryItem, size)} }

func (r *ring) add(it HistoryItem) {
	r.mu.Lock()
	r.buf[r.next] = it
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

func (r *ring) items() []HistoryItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]HistoryItem(nil), r.buf[:r.next]...)
	}
	out := make([]HistoryItem, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// busySet holds the names of skip-if-running tasks that are queued or running.
type busySet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func (b *busySet) claim(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.names[name]; ok {
		return false
	}
	if b.names == nil {
		b.names = make(map[string]struct{})
	}
	b.names[name] = struct{}{}
	return true
}

func (b *busySet) free(name string) {
	b.mu.Lock()
	delete(b.names, name)
	b.mu.Unlock()
}
