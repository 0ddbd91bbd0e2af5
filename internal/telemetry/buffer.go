package telemetry

import "sync"

// DefaultCapacity is the rolling buffer length used when none is configured.
const DefaultCapacity = 30

// ring is a fixed-capacity FIFO of readings in arrival order.
type ring struct {
	items []Reading
	head  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]Reading, capacity)}
}

func (b *ring) push(r Reading) {
	n := len(b.items)
	if b.size < n {
		b.items[(b.head+b.size)%n] = r
		b.size++
		return
	}
	// full: overwrite the oldest and advance
	b.items[b.head] = r
	b.head = (b.head + 1) % n
}

func (b *ring) latest() (Reading, bool) {
	if b.size == 0 {
		return Reading{}, false
	}
	return b.items[(b.head+b.size-1)%len(b.items)], true
}

func (b *ring) snapshot() []Reading {
	out := make([]Reading, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)].Clone()
	}
	return out
}

type entry struct {
	buf            *ring
	classification *Classification
}

// Store keeps, per subscribed pet, a bounded history of recent readings plus
// the last classification derived from them. Readings for pets without an
// allocated buffer are dropped.
//
// Store is safe for concurrent use. Everything it returns is a copy.
type Store struct {
	mu       sync.RWMutex
	capacity int
	entries  map[EntityID]*entry
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		entries:  make(map[EntityID]*entry),
	}
}

// Capacity returns the per-pet history length N.
func (s *Store) Capacity() int {
	return s.capacity
}

// Allocate creates an empty buffer for id. It reports false if one already exists.
func (s *Store) Allocate(id EntityID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return false
	}
	s.entries[id] = &entry{buf: newRing(s.capacity)}
	return true
}

// Release drops the buffer, latest reading and classification for id.
func (s *Store) Release(id EntityID) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Has reports whether a buffer is allocated for id.
func (s *Store) Has(id EntityID) bool {
	s.mu.RLock()
	_, ok := s.entries[id]
	s.mu.RUnlock()
	return ok
}

// Append pushes r to the tail of its pet's buffer, evicting the head when the
// buffer is full. It reports false, and stores nothing, if no buffer exists.
// Readings are kept in arrival order; observed_at is not consulted.
func (s *Store) Append(r Reading) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[r.EntityID]
	if !ok {
		return false
	}
	e.buf.push(r.Clone())
	return true
}

// Latest returns the most recently appended reading for id.
func (s *Store) Latest(id EntityID) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Reading{}, false
	}
	r, ok := e.buf.latest()
	if !ok {
		return Reading{}, false
	}
	return r.Clone(), true
}

// History returns a copy of the buffered readings for id, oldest first.
// It returns nil when no buffer is allocated.
func (s *Store) History(id EntityID) []Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	return e.buf.snapshot()
}

// Len returns the number of buffered readings for id.
func (s *Store) Len(id EntityID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return 0
	}
	return e.buf.size
}

// SetClassification records c for id and reports whether it differs from the
// previous classification. It is a no-op returning false when no buffer exists.
func (s *Store) SetClassification(id EntityID, c Classification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	changed := e.classification == nil ||
		e.classification.Label != c.Label ||
		e.classification.IsAnomalous != c.IsAnomalous
	stored := c.clone()
	e.classification = &stored
	return changed
}

// Classification returns the last classification recorded for id.
func (s *Store) Classification(id EntityID) (Classification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || e.classification == nil {
		return Classification{}, false
	}
	return e.classification.clone(), true
}
