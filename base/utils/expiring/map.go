// Package expiring provides a map that removes entries after a given
// expiration time.
//
// The map never schedules its own wake-ups: the owner drives expiry by
// calling HandleTimeout with its notion of time and may use PollTimeout to
// schedule exactly one wake-up for the earliest pending expiry.
package expiring

import (
	"container/heap"
	"time"
)

// Map is a key-value store whose entries expire at an instant chosen on
// insert. It is not safe for concurrent use.
type Map[K comparable, V any] struct {
	entries  map[K]Entry[V]
	deadline deadlineHeap[K]

	events []Event[K, V]
}

// Entry is a stored value together with its expiry bookkeeping.
type Entry[V any] struct {
	Value      V
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Event reports an entry that was removed by HandleTimeout.
type Event[K comparable, V any] struct {
	Key   K
	Value V
}

// New returns an empty map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		entries: make(map[K]Entry[V]),
	}
}

// Insert stores value under key, expiring at now+ttl. A previous entry for
// the same key is replaced.
func (m *Map[K, V]) Insert(key K, value V, now time.Time, ttl time.Duration) {
	expiresAt := now.Add(ttl)
	m.entries[key] = Entry[V]{
		Value:      value,
		InsertedAt: now,
		ExpiresAt:  expiresAt,
	}
	heap.Push(&m.deadline, deadline[K]{at: expiresAt, key: key})
}

// Get returns the entry stored under key, if any. Expiry is not checked
// here; callers that need strict expiry semantics compare against their own
// notion of time or rely on HandleTimeout.
func (m *Map[K, V]) Get(key K) (Entry[V], bool) {
	entry, ok := m.entries[key]
	return entry, ok
}

// Remove deletes the entry stored under key and returns it.
func (m *Map[K, V]) Remove(key K) (Entry[V], bool) {
	entry, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	// The deadline entry stays in the heap and is skipped when it surfaces.
	return entry, ok
}

// Clear drops all entries without emitting events.
func (m *Map[K, V]) Clear() {
	m.entries = make(map[K]Entry[V])
	m.deadline = m.deadline[:0]
	m.events = m.events[:0]
}

// Len returns the number of live entries.
func (m *Map[K, V]) Len() int {
	return len(m.entries)
}

// HandleTimeout removes all entries that expired at or before now and queues
// an Event for each.
func (m *Map[K, V]) HandleTimeout(now time.Time) {
	for len(m.deadline) > 0 && !m.deadline[0].at.After(now) {
		d := heap.Pop(&m.deadline).(deadline[K])

		entry, ok := m.entries[d.key]
		if !ok || entry.ExpiresAt.After(now) {
			// Removed or re-inserted with a later expiry in the meantime.
			continue
		}

		delete(m.entries, d.key)
		m.events = append(m.events, Event[K, V]{Key: d.key, Value: entry.Value})
	}
}

// PollEvent returns the next queued expiry event.
func (m *Map[K, V]) PollEvent() (Event[K, V], bool) {
	if len(m.events) == 0 {
		var zero Event[K, V]
		return zero, false
	}
	event := m.events[0]
	m.events = m.events[1:]
	return event, true
}

// PollTimeout returns the earliest pending expiry, so the owner can schedule
// a single wake-up.
func (m *Map[K, V]) PollTimeout() (time.Time, bool) {
	for len(m.deadline) > 0 {
		d := m.deadline[0]

		entry, ok := m.entries[d.key]
		if !ok || !entry.ExpiresAt.Equal(d.at) {
			// Stale deadline from a removed or replaced entry.
			heap.Pop(&m.deadline)
			continue
		}

		return d.at, true
	}
	return time.Time{}, false
}

type deadline[K comparable] struct {
	at  time.Time
	key K
}

type deadlineHeap[K comparable] []deadline[K]

func (h deadlineHeap[K]) Len() int            { return len(h) }
func (h deadlineHeap[K]) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap[K]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap[K]) Push(x interface{}) { *h = append(*h, x.(deadline[K])) }
func (h *deadlineHeap[K]) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
