// Package bus implements in-process, synchronous fan-out of AgentEvents.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Listener receives published events.
type Listener func(AgentEvent)

// Handle identifies one subscription.
type Handle uint64

type entry struct {
	handle   Handle
	listener Listener
}

// Bus delivers every published event to all current listeners, in
// registration order, on the publisher's goroutine. There is no queueing.
type Bus struct {
	mu      sync.RWMutex
	next    Handle
	entries []entry
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers l and returns a handle for Unsubscribe.
func (b *Bus) Subscribe(l Listener) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.entries = append(b.entries, entry{handle: b.next, listener: l})
	return b.next
}

// Unsubscribe removes the listener registered under h. Unknown handles are ignored.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.handle == h {
			b.entries = append(b.entries[:i:i], b.entries[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every listener.
func (b *Bus) UnsubscribeAll() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}

// Count returns the number of listeners.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Publish calls every listener with ev. A panicking listener is logged and
// skipped; the remaining listeners still run. A nil bus drops the event.
func (b *Bus) Publish(ev AgentEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	snapshot := make([]entry, len(b.entries))
	copy(snapshot, b.entries)
	b.mu.RUnlock()

	for _, e := range snapshot {
		deliver(e, ev)
	}
}

func deliver(e entry, ev AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener failed",
				"event", string(ev.Type),
				"session_id", string(ev.SessionID),
				"listener", uint64(e.handle),
				"error", fmt.Sprint(r),
			)
		}
	}()
	e.listener(ev)
}
