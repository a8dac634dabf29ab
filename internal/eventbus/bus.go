// Package eventbus fans in-process events out to buffered subscribers.
package eventbus

import (
	"slices"
	"sync"
	"time"
)

const (
	// StoreProbed carries a storage.Status after every availability probe.
	StoreProbed = "store.probed"
	// JobInvoked carries a scheduler.Outcome after every invocation attempt.
	JobInvoked = "job.invoked"
	// SchedulerRefreshed carries a scheduler.RefreshReport after every refresh pass.
	SchedulerRefreshed = "scheduler.refreshed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks a publisher: an event is dropped for any subscriber whose
// buffer is full.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus { return &fanout{} }

// Nop drops everything; its subscriptions are already closed.
func Nop() Bus { return nop{} }

type nop struct{}

func (nop) Publish(Event) {}

func (nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type fanout struct {
	mu   sync.RWMutex
	subs []chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Channels are closed only under the write lock, so sending here is safe.
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	return ch, sync.OnceFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs = slices.DeleteFunc(f.subs, func(c chan Event) bool { return c == ch })
		close(ch)
	})
}
