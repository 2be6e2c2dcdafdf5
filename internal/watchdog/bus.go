package watchdog

import (
	"sort"
	"sync"
)

// Bus is an in-process EventSource. Publish delivers synchronously, on the
// caller's goroutine, to every handler subscribed to the event's signal in
// subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Signal]map[uint64]func(Event)
	nextID   uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Signal]map[uint64]func(Event)),
	}
}

func (b *Bus) Subscribe(sig Signal, fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.handlers[sig] == nil {
		b.handlers[sig] = make(map[uint64]func(Event))
	}
	b.handlers[sig][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[sig], id)
			if len(b.handlers[sig]) == 0 {
				delete(b.handlers, sig)
			}
		})
	}
}

// Publish delivers ev. Handlers are snapshotted before delivery so they may
// subscribe or unsubscribe without deadlocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	hs := b.handlers[ev.Signal]
	ids := make([]uint64, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, hs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribers returns the number of live registrations for sig.
func (b *Bus) Subscribers(sig Signal) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[sig])
}

// Total returns the number of live registrations across all signals.
func (b *Bus) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}
