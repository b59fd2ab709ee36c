package rules

import (
	"sort"
	"sync"
)

// FieldSet tracks fields whose user-overridable derivation already ran in a
// form session. It is safe for concurrent use.
type FieldSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

// NewFieldSet creates a set holding ids.
func NewFieldSet(ids ...int64) *FieldSet {
	s := &FieldSet{ids: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set. A nil set is empty.
func (s *FieldSet) Has(id int64) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Add inserts id.
func (s *FieldSet) Add(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[int64]struct{})
	}
	s.ids[id] = struct{}{}
}

// IDs returns the members in ascending order.
func (s *FieldSet) IDs() []int64 {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
