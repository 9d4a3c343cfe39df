package cache

import (
	"sync"

	"threatwatch-service/internal/domain/threat"
)

// RecentEvents is a fixed-capacity ring buffer of the newest events. It is a
// read optimization only; the incident store stays authoritative.
type RecentEvents struct {
	mu   sync.RWMutex
	buf  []threat.RecentEvent
	head int // index of the next write
	size int
}

func NewRecentEvents(capacity int) *RecentEvents {
	if capacity <= 0 {
		capacity = 200
	}
	return &RecentEvents{buf: make([]threat.RecentEvent, capacity)}
}

// Push inserts e as the newest entry, evicting the oldest once full.
func (r *RecentEvents) Push(e threat.RecentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// List returns up to limit entries, most recent first. limit <= 0 means all.
func (r *RecentEvents) List(limit int) []threat.RecentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]threat.RecentEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.head - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *RecentEvents) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *RecentEvents) Capacity() int {
	return len(r.buf)
}

// Warm loads events ordered newest first, as returned by the incident
// store, so that the newest ends up at the head.
func (r *RecentEvents) Warm(newestFirst []threat.RecentEvent) {
	if len(newestFirst) > len(r.buf) {
		newestFirst = newestFirst[:len(r.buf)]
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		r.Push(newestFirst[i])
	}
}
