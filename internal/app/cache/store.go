package cache

import (
	"sort"

	"github.com/coachpo/eventfabric/internal/domain/aggregate"
)

// ChangeKind classifies store notifications.
type ChangeKind int

const (
	Added ChangeKind = iota
	Updated
	// Cleared is emitted once per key removed by a reset.
	Cleared
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "Added"
	case Updated:
		return "Updated"
	case Cleared:
		return "Cleared"
	default:
		return "Unknown"
	}
}

// Change describes one store mutation.
type Change[A aggregate.Root] struct {
	Kind      ChangeKind
	Key       string
	Aggregate A
}

// Store is the keyed materialized view. It is not safe for concurrent use on
// its own; Cache serialises every access.
type Store[A aggregate.Root] struct {
	items     map[string]A
	observers map[uint64]func(Change[A])
	nextID    uint64
}

func newStore[A aggregate.Root]() *Store[A] {
	return &Store[A]{items: make(map[string]A), observers: make(map[uint64]func(Change[A]))}
}

// Lookup returns the aggregate stored under id.
func (s *Store[A]) Lookup(id string) (A, bool) {
	a, ok := s.items[id]
	return a, ok
}

// Len returns the number of aggregates.
func (s *Store[A]) Len() int { return len(s.items) }

// Keys returns the aggregate ids in sorted order.
func (s *Store[A]) Keys() []string {
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Each visits the aggregates in key order.
func (s *Store[A]) Each(fn func(A)) {
	for _, k := range s.Keys() {
		fn(s.items[k])
	}
}

func (s *Store[A]) upsert(a A) {
	kind := Updated
	if _, ok := s.items[a.ID()]; !ok {
		kind = Added
	}
	s.items[a.ID()] = a
	s.notify(Change[A]{Kind: kind, Key: a.ID(), Aggregate: a})
}

func (s *Store[A]) clear() {
	if len(s.items) == 0 {
		return
	}
	old := s.items
	s.items = make(map[string]A)
	for k, a := range old {
		s.notify(Change[A]{Kind: Cleared, Key: k, Aggregate: a})
	}
}

func (s *Store[A]) observe(fn func(Change[A])) uint64 {
	s.nextID++
	s.observers[s.nextID] = fn
	return s.nextID
}

func (s *Store[A]) forget(id uint64) {
	delete(s.observers, id)
}

func (s *Store[A]) notify(c Change[A]) {
	for _, fn := range s.observers {
		fn(c)
	}
}
