package session

import (
	"context"
	"sync"

	"behaviorwatch/internal/buffer"
	"behaviorwatch/internal/model"
)

// Session is one subject's live monitoring state. The manager is the
// only writer; observers read copies.
type Session struct {
	mu           sync.Mutex
	info         model.MonitoringSession
	buffers      *buffer.Set
	audio        []float64
	inflight     map[model.BehaviorType]bool
	skippedTicks int
	cancel       context.CancelFunc
}

func (s *Session) Info() model.MonitoringSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) setAudio(vec []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = vec
}

func (s *Session) audioSnapshot() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return nil
	}
	out := make([]float64, len(s.audio))
	copy(out, s.audio)
	return out
}

// markInflight claims the per-behavior dispatch slot. At most one
// dispatch per (session, behavior) may be outstanding; a false return
// means this tick is dropped for the behavior.
func (s *Session) markInflight(behavior model.BehaviorType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[behavior] {
		s.skippedTicks++
		return false
	}
	s.inflight[behavior] = true
	return true
}

func (s *Session) clearInflight(behavior model.BehaviorType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, behavior)
}

func (s *Session) SkippedTicks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skippedTicks
}
