package session

import (
	"sort"
	"sync"
	"time"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*SessionState
	nextLane int
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*SessionState),
	}
}

func (s *Store) Get(id string) (*SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// GetAll returns copies of every session ordered by lane.
func (s *Store) GetAll() []*SessionState {
	s.mu.RLock()
	result := make([]*SessionState, 0, len(s.sessions))
	for _, st := range s.sessions {
		result = append(result, st.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Lane < result[j].Lane })
	return result
}

// Update stores a copy of state. A new session gets the next lane; an
// existing one keeps its lane.
func (s *Store) Update(state *SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[state.ID]; ok {
		state.Lane = existing.Lane
	} else {
		state.Lane = s.nextLane
		s.nextLane++
	}
	s.sessions[state.ID] = state.Clone()
}

// Mutate applies fn to the stored session under the write lock and returns
// a copy of the result. fn is not called for unknown ids.
func (s *Store) Mutate(id string, fn func(*SessionState)) (*SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	fn(st)
	return st.Clone(), true
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.sessions {
		if !st.IsTerminal() {
			count++
		}
	}
	return count
}

// PruneEnded removes terminal sessions that ended at or before cutoff and
// returns their ids.
func (s *Store) PruneEnded(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, st := range s.sessions {
		if st.IsTerminal() && st.EndedAt != nil && !st.EndedAt.After(cutoff) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
