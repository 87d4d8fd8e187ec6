// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"container/list"
	"maps"
	"sync"
	"time"
)

// CorrelationEntry is the caller context recorded for one sent message.
type CorrelationEntry struct {
	MessageID string
	Context   map[string]string
	CreatedAt time.Time
}

// CorrelationTable maps outbound message ids to the context the caller
// attached when sending. Entries expire after ttl and the table never holds
// more than maxEntries; the oldest entries go first.
type CorrelationTable struct {
	clock      Clock
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

// NewCorrelationTable creates an empty table.
func NewCorrelationTable(clock Clock, ttl time.Duration, maxEntries int) *CorrelationTable {
	return &CorrelationTable{
		clock:      clock,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Put records ctx for messageID, replacing any earlier entry for the same id.
func (t *CorrelationTable) Put(messageID string, ctx map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if elem, ok := t.entries[messageID]; ok {
		t.order.Remove(elem)
	}
	entry := &CorrelationEntry{
		MessageID: messageID,
		Context:   maps.Clone(ctx),
		CreatedAt: now,
	}
	t.entries[messageID] = t.order.PushBack(entry)
	t.evictLocked(now)
}

// Get returns the entry for messageID if it exists and has not expired.
func (t *CorrelationTable) Get(messageID string) (CorrelationEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	elem, ok := t.entries[messageID]
	if !ok {
		return CorrelationEntry{}, false
	}
	entry := elem.Value.(*CorrelationEntry)
	if t.expired(entry, t.clock.Now()) {
		t.order.Remove(elem)
		delete(t.entries, messageID)
		return CorrelationEntry{}, false
	}
	out := *entry
	out.Context = maps.Clone(entry.Context)
	return out, true
}

// Len returns the number of stored entries, including expired ones that
// have not been evicted yet.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *CorrelationTable) expired(entry *CorrelationEntry, now time.Time) bool {
	return t.ttl > 0 && now.Sub(entry.CreatedAt) >= t.ttl
}

// evictLocked drops expired entries from the front, then trims to size.
// Entries are kept in insertion order, so the front is always the oldest.
func (t *CorrelationTable) evictLocked(now time.Time) {
	for front := t.order.Front(); front != nil; front = t.order.Front() {
		entry := front.Value.(*CorrelationEntry)
		overCapacity := t.maxEntries > 0 && t.order.Len() > t.maxEntries
		if !overCapacity && !t.expired(entry, now) {
			return
		}
		t.order.Remove(front)
		delete(t.entries, entry.MessageID)
	}
}
