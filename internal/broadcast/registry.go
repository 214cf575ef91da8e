package broadcast

import (
	"errors"
	"sync"
	"time"
)

var ErrObserverNotFound = errors.New("observer not found")

type Observer struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Registry maps observer identity to the session whose alert channel
// the transport layer should subscribe to. Join/leave/update go through
// the registry; nothing else mutates the map.
type Registry struct {
	mu        sync.RWMutex
	observers map[string]Observer
}

func NewRegistry() *Registry {
	return &Registry{observers: make(map[string]Observer)}
}

// Join registers an observer, replacing any previous registration with
// the same id.
func (r *Registry) Join(observerID, sessionID string) Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	obs := Observer{ID: observerID, SessionID: sessionID, JoinedAt: time.Now().UTC()}
	r.observers[observerID] = obs
	return obs
}

func (r *Registry) Leave(observerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.observers[observerID]; !ok {
		return ErrObserverNotFound
	}
	delete(r.observers, observerID)
	return nil
}

// Update repoints an existing observer to another session.
func (r *Registry) Update(observerID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	obs, ok := r.observers[observerID]
	if !ok {
		return ErrObserverNotFound
	}
	obs.SessionID = sessionID
	r.observers[observerID] = obs
	return nil
}

func (r *Registry) Observers(sessionID string) []Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Observer, 0)
	for _, obs := range r.observers {
		if obs.SessionID == sessionID {
			out = append(out, obs)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}
