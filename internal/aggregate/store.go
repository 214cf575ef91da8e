package aggregate

import (
	"sync"
	"time"

	"behaviorwatch/internal/model"
)

// StateStore holds per-session behavior state. Sessions never share
// entries; the store only exists so the aggregator and the API read the
// same map under one lock.
type StateStore struct {
	mu        sync.RWMutex
	bySession map[string]map[model.BehaviorType]*model.BehaviorState
	updatedAt map[string]time.Time
}

func NewStateStore() *StateStore {
	return &StateStore{
		bySession: make(map[string]map[model.BehaviorType]*model.BehaviorState),
		updatedAt: make(map[string]time.Time),
	}
}

// InitSession zero-initializes every behavior's state. Called exactly
// once, at session creation.
func (s *StateStore) InitSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[model.BehaviorType]*model.BehaviorState, len(model.AllBehaviors()))
	for _, b := range model.AllBehaviors() {
		states[b] = &model.BehaviorState{Type: b}
	}
	s.bySession[sessionID] = states
	s.updatedAt[sessionID] = time.Now().UTC()
}

func (s *StateStore) mutate(sessionID string, behavior model.BehaviorType, fn func(*model.BehaviorState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	states, ok := s.bySession[sessionID]
	if !ok {
		return false
	}
	st, ok := states[behavior]
	if !ok {
		st = &model.BehaviorState{Type: behavior}
		states[behavior] = st
	}
	fn(st)
	s.updatedAt[sessionID] = time.Now().UTC()
	return true
}

// Get returns a copy of one session's states, sorted by behavior name
// at the call site if needed.
func (s *StateStore) Get(sessionID string) ([]model.BehaviorState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states, ok := s.bySession[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]model.BehaviorState, 0, len(states))
	for _, st := range states {
		out = append(out, *st)
	}
	return out, true
}

// TotalCount sums detection counts across all behaviors of a session.
func (s *StateStore) TotalCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, st := range s.bySession[sessionID] {
		total += st.Count
	}
	return total
}
