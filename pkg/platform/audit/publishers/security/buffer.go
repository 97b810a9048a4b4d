// Package security keeps a bounded window of recent security events, such as
// gateway denials, for operators to inspect.
package security

import (
	"context"
	"sync"

	audit "zkgate/pkg/platform/audit"
)

const defaultCapacity = 1000

// RingBuffer holds the newest security events. Once full, each new event
// overwrites the oldest one.
type RingBuffer struct {
	mu      sync.Mutex
	events  []audit.Event
	next    int
	count   int
	dropped int64
}

// NewRingBuffer creates a buffer holding up to capacity events.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &RingBuffer{events: make([]audit.Event, capacity)}
}

// Enqueue records event, evicting the oldest when the buffer is full.
func (b *RingBuffer) Enqueue(event audit.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == len(b.events) {
		b.dropped++
	} else {
		b.count++
	}
	b.events[b.next] = event
	b.next = (b.next + 1) % len(b.events)
}

// Recent returns up to n events, newest first, without removing them.
// n <= 0 returns everything held.
func (b *RingBuffer) Recent(n int) []audit.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]audit.Event, n)
	for i := range out {
		out[i] = b.events[(b.next-1-i+len(b.events))%len(b.events)]
	}
	return out
}

// Len returns the number of events held.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns how many events were evicted.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Append implements audit.Store so the buffer can sit behind a publisher.
// Only security events are kept.
func (b *RingBuffer) Append(_ context.Context, event audit.Event) error {
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if event.Category == audit.CategorySecurity {
		b.Enqueue(event)
	}
	return nil
}
