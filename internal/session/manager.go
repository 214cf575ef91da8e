package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"behaviorwatch/internal/aggregate"
	"behaviorwatch/internal/assemble"
	"behaviorwatch/internal/broadcast"
	"behaviorwatch/internal/buffer"
	"behaviorwatch/internal/config"
	"behaviorwatch/internal/dispatch"
	"behaviorwatch/internal/model"
	"behaviorwatch/internal/storage"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAlreadyEnded    = errors.New("session already ended")
)

// Manager owns every monitoring session: their buffers, their assemble
// timers and their in-flight dispatch bookkeeping. Sessions never share
// buffers or state.
type Manager struct {
	cfg        *config.Manager
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	aggregator *aggregate.Aggregator
	publisher  broadcast.Publisher
	store      storage.Store

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(cfg *config.Manager, logger *slog.Logger, dispatcher *dispatch.Dispatcher, aggregator *aggregate.Aggregator, publisher broadcast.Publisher, store storage.Store) *Manager {
	if publisher == nil {
		publisher = broadcast.Noop{}
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		aggregator: aggregator,
		publisher:  publisher,
		store:      store,
		sessions:   make(map[string]*Session),
	}
}

// Start allocates a session for one subject: zeroed behavior states,
// empty buffers, and the assemble/pattern timers.
func (m *Manager) Start(subjectID string) (model.MonitoringSession, error) {
	if subjectID == "" {
		return model.MonitoringSession{}, errors.New("subject_id is required")
	}
	cfg := m.cfg.Get()
	info := model.MonitoringSession{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		StartTime: time.Now().UTC(),
		Status:    model.StatusActive,
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		info:     info,
		buffers:  buffer.NewSet(cfg.Monitor.BufferCapacity),
		inflight: make(map[model.BehaviorType]bool),
		cancel:   cancel,
	}
	m.aggregator.States().InitSession(info.ID)

	m.mu.Lock()
	m.sessions[info.ID] = s
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveSession(context.Background(), info); err != nil && m.logger != nil {
			m.logger.Warn("session persist failed", "session_id", info.ID, "err", err)
		}
	}
	if err := m.publisher.PublishSessionEvent(context.Background(), broadcast.SessionEvent{
		Type:    broadcast.EventSessionStarted,
		Session: info,
	}); err != nil && m.logger != nil {
		m.logger.Warn("session event broadcast failed", "err", err)
	}

	go m.run(ctx, s)

	if m.logger != nil {
		m.logger.Info("monitoring session started", "session_id", info.ID, "subject_id", subjectID)
	}
	return info, nil
}

// End transitions a session to its terminal state: timers stop, buffers
// are discarded, and in-flight workers are killed through the session
// context. Their late results are dropped, never applied. Behavior
// state and alerts remain readable as history.
func (m *Manager) End(sessionID string) (model.MonitoringSession, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return model.MonitoringSession{}, ErrSessionNotFound
	}

	s.mu.Lock()
	if s.info.Status == model.StatusEnded {
		info := s.info
		s.mu.Unlock()
		return info, ErrAlreadyEnded
	}
	now := time.Now().UTC()
	s.info.Status = model.StatusEnded
	s.info.EndTime = &now
	info := s.info
	s.mu.Unlock()

	s.cancel()
	s.buffers.Clear()
	m.aggregator.ForgetSession(sessionID)

	if m.store != nil {
		if err := m.store.EndSession(context.Background(), sessionID, now); err != nil && m.logger != nil {
			m.logger.Warn("session end persist failed", "session_id", sessionID, "err", err)
		}
	}
	if err := m.publisher.PublishSessionEvent(context.Background(), broadcast.SessionEvent{
		Type:    broadcast.EventSessionEnded,
		Session: info,
	}); err != nil && m.logger != nil {
		m.logger.Warn("session event broadcast failed", "err", err)
	}
	if m.logger != nil {
		m.logger.Info("monitoring session ended", "session_id", sessionID, "skipped_ticks", s.SkippedTicks())
	}
	return info, nil
}

func (m *Manager) Get(sessionID string) (model.MonitoringSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return model.MonitoringSession{}, false
	}
	return s.Info(), true
}

func (m *Manager) List() []model.MonitoringSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.MonitoringSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.Info().Status == model.StatusActive {
			n++
		}
	}
	return n
}

func (m *Manager) SkippedTicks(sessionID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return s.SkippedTicks(), true
}

// PushFrame routes one landmark frame into the owning session's buffer.
// Non-blocking; never waits on a dispatch.
func (m *Manager) PushFrame(sessionID string, frame model.LandmarkFrame) error {
	s, err := m.active(sessionID)
	if err != nil {
		return err
	}
	if !s.buffers.Push(frame) {
		return errors.New("unknown modality")
	}
	return nil
}

// PushAudio replaces the session's passive audio feature vector. Longer
// vectors are truncated to the configured length; shorter ones are kept
// as-is and simply not ready yet.
func (m *Manager) PushAudio(sessionID string, features []float64) error {
	s, err := m.active(sessionID)
	if err != nil {
		return err
	}
	limit := m.cfg.Get().Monitor.AudioFeatureLength
	if len(features) > limit {
		features = features[:limit]
	}
	vec := make([]float64, len(features))
	copy(vec, features)
	s.setAudio(vec)
	return nil
}

// Shutdown ends every active session.
func (m *Manager) Shutdown() {
	for _, info := range m.List() {
		if info.Status == model.StatusActive {
			_, _ = m.End(info.ID)
		}
	}
}

func (m *Manager) active(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Info().Status != model.StatusActive {
		return nil, ErrAlreadyEnded
	}
	return s, nil
}

// run drives one session's timers until its context is cancelled.
func (m *Manager) run(ctx context.Context, s *Session) {
	cfg := m.cfg.Get()
	assembleTicker := time.NewTicker(cfg.Monitor.AssembleInterval)
	patternTicker := time.NewTicker(cfg.Monitor.PatternInterval)
	defer assembleTicker.Stop()
	defer patternTicker.Stop()
	for {
		select {
		case <-assembleTicker.C:
			m.tick(ctx, s)
		case <-patternTicker.C:
			m.aggregator.PatternCheck(s.Info().ID)
		case <-ctx.Done():
			return
		}
	}
}

// tick samples the buffers once and dispatches every ready behavior
// that is not already in flight. A behavior with an outstanding dispatch
// is skipped for this tick (dropped, not queued) so a slow worker can
// never build a backlog.
func (m *Manager) tick(ctx context.Context, s *Session) {
	cfg := m.cfg.Get()
	samples := assemble.Build(assemble.Specs(cfg), s.buffers, s.audioSnapshot(), cfg.Monitor.AudioFeatureLength)
	if len(samples) == 0 {
		return
	}
	sessionID := s.Info().ID
	for _, sample := range samples {
		if !s.markInflight(sample.Type) {
			if m.logger != nil {
				m.logger.Debug("tick skipped, dispatch in flight", "session_id", sessionID, "behavior", sample.Type)
			}
			continue
		}
		go func(sample model.BehaviorSample) {
			defer s.clearInflight(sample.Type)
			res, err := m.dispatcher.Analyze(ctx, sample.Type, sample.Data(), cfg.Worker.AnalyzeTimeout)
			if ctx.Err() != nil {
				// Session ended while the worker ran; drop the result.
				return
			}
			if err != nil && dispatch.ErrKind(err) == "" {
				if m.logger != nil {
					m.logger.Warn("dispatch failed", "session_id", sessionID, "behavior", sample.Type, "err", err)
				}
				return
			}
			m.aggregator.Apply(sessionID, []model.InferenceResult{res})
		}(sample)
	}
}
