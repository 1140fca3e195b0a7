package state

import (
	"sync"

	"github.com/basket/warden/internal/bus"
)

// Store serializes access to the aggregate. Writers run inside Update under
// a single mutex; readers get deep-cloned snapshots and never observe a
// partially applied mutation. Every committed update bumps the revision and,
// when a bus is attached, announces it on bus.TopicSnapshotUpdated.
type Store struct {
	mu       sync.Mutex
	agg      *Aggregate
	revision int64
	bus      *bus.Bus
}

// NewStore builds a store around an empty aggregate. The bus is optional.
func NewStore(b *bus.Bus) *Store {
	return &Store{agg: NewAggregate(), bus: b}
}

// Update applies fn to the aggregate under the store lock.
func (s *Store) Update(fn func(a *Aggregate)) {
	s.mu.Lock()
	fn(s.agg)
	s.revision++
	rev := s.revision
	b := s.bus
	s.mu.Unlock()
	if b != nil {
		b.Publish(bus.TopicSnapshotUpdated, bus.SnapshotEvent{Revision: rev})
	}
}

// View runs fn against the aggregate under the store lock without bumping the
// revision. fn must not retain references to the aggregate or its containers.
func (s *Store) View(fn func(a *Aggregate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.agg)
}

// Snapshot returns a deep copy of the current aggregate.
func (s *Store) Snapshot() *Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.Clone()
}

// Revision returns the number of committed updates.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Replace swaps in a restored aggregate, typically loaded from persistence.
func (s *Store) Replace(agg *Aggregate) {
	if agg == nil {
		agg = NewAggregate()
	}
	s.mu.Lock()
	s.agg = agg
	s.revision++
	rev := s.revision
	b := s.bus
	s.mu.Unlock()
	if b != nil {
		b.Publish(bus.TopicSnapshotUpdated, bus.SnapshotEvent{Revision: rev})
	}
}
