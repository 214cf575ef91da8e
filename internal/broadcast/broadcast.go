package broadcast

import (
	"context"

	"behaviorwatch/internal/model"
)

// SessionEvent notifies observers of lifecycle transitions.
type SessionEvent struct {
	Type    string                  `json:"type"`
	Session model.MonitoringSession `json:"session"`
}

const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
)

// Publisher fans alerts and session events out to connected observers.
// Implementations must be safe for concurrent use; the alert stream is
// the only resource shared across sessions.
type Publisher interface {
	PublishAlert(ctx context.Context, alert model.Alert) error
	PublishSessionEvent(ctx context.Context, ev SessionEvent) error
	Close() error
}

// Noop is used when broadcasting is disabled.
type Noop struct{}

func (Noop) PublishAlert(context.Context, model.Alert) error       { return nil }
func (Noop) PublishSessionEvent(context.Context, SessionEvent) error { return nil }
func (Noop) Close() error                                          { return nil }
