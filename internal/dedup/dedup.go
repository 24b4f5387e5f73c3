// Package dedup implements the mesh core's bounded seen-message set: used by
// the gossip router and by local send to ensure a message is ever persisted
// or emitted at most once, regardless of how many times it arrives.
package dedup

import (
	"sync"

	"github.com/vince0028/gitchat-mesh/internal/util"
)

// DefaultWatermark is the reference eviction watermark from §3: large enough
// to dominate typical group churn. It is a tunable default, not a hard
// ceiling (spec §9 open question 2).
const DefaultWatermark = 10000

// Set is a bounded, concurrency-safe set of message ids. Insertion order
// determines eviction order: once the set is at capacity, the oldest id is
// evicted to make room for the newest. The order itself is kept in a
// util.RingBuffer; Insert reacts to what it evicts to keep the lookup map
// in sync.
type Set struct {
	mu       sync.Mutex
	limit    int
	order    *util.RingBuffer[string]
	contains map[string]struct{}
}

// New creates a Set with the given eviction watermark. A non-positive limit
// falls back to DefaultWatermark.
func New(limit int) *Set {
	if limit <= 0 {
		limit = DefaultWatermark
	}
	return &Set{
		limit:    limit,
		order:    util.NewRingBuffer[string](limit),
		contains: make(map[string]struct{}, limit),
	}
}

// Contains reports whether id has already been observed.
func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contains[id]
	return ok
}

// Insert records id as seen. It is a no-op if id is already present.
// Returns true if id was newly inserted (i.e. this is the first time it has
// been observed).
func (s *Set) Insert(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contains[id]; ok {
		return false
	}
	if evicted, ok := s.order.Push(id); ok {
		delete(s.contains, evicted)
	}
	s.contains[id] = struct{}{}
	return true
}

// CheckAndInsert is the combined dedup operation the gossip router uses on
// every inbound frame: it reports whether id was already seen, and if not,
// marks it seen. This mirrors the common "if seen: drop; else: mark seen"
// pattern so callers cannot race between a Contains and an Insert call.
func (s *Set) CheckAndInsert(id string) (alreadySeen bool) {
	return !s.Insert(id)
}

// Len returns the number of ids currently tracked.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
