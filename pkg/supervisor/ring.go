// Copyright 2024-2026 Aiku AI

package supervisor

import "sync"

// ring is a fixed-capacity FIFO. Pushing onto a full ring overwrites the
// oldest item. It is not safe for concurrent use.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(item T) {
	end := (r.start + r.size) % len(r.buf)
	r.buf[end] = item
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

// items returns the contents, oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) len() int {
	return r.size
}

// seenSet remembers the most recent keys it was asked about, so the same
// inbound event is never forwarded twice.
type seenSet struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order *ring[string]
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		keys:  make(map[string]struct{}, capacity),
		order: newRing[string](capacity),
	}
}

// firstSeen records key and reports whether it was new.
func (s *seenSet) firstSeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	if s.order.len() == len(s.order.buf) {
		delete(s.keys, s.order.buf[s.order.start])
	}
	s.order.push(key)
	s.keys[key] = struct{}{}
	return true
}
