package market

import "github.com/google/uuid"

// ActiveSet tracks accounts with nonzero cash or position. Add, Remove and
// Contains are O(1): members live in a slice for cheap iteration and a
// position map enables swap-and-pop removal.
type ActiveSet struct {
	members []uuid.UUID
	index   map[uuid.UUID]int
}

func NewActiveSet() *ActiveSet {
	return &ActiveSet{index: make(map[uuid.UUID]int)}
}

// Add inserts id if absent.
func (s *ActiveSet) Add(id uuid.UUID) {
	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = len(s.members)
	s.members = append(s.members, id)
}

// Remove deletes id if present by swapping the last member into its slot.
func (s *ActiveSet) Remove(id uuid.UUID) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	last := len(s.members) - 1
	moved := s.members[last]
	s.members[i] = moved
	s.index[moved] = i
	s.members = s.members[:last]
	delete(s.index, id)
}

// Contains reports membership.
func (s *ActiveSet) Contains(id uuid.UUID) bool {
	_, ok := s.index[id]
	return ok
}

// Len is the member count.
func (s *ActiveSet) Len() int { return len(s.members) }

// First returns an arbitrary member, false when empty. Clearing sweeps use
// it to drain one account per keeper call.
func (s *ActiveSet) First() (uuid.UUID, bool) {
	if len(s.members) == 0 {
		return uuid.Nil, false
	}
	return s.members[0], true
}

// Snapshot copies the member list for iteration that mutates the set.
func (s *ActiveSet) Snapshot() []uuid.UUID {
	out := make([]uuid.UUID, len(s.members))
	copy(out, s.members)
	return out
}
