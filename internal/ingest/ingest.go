package ingest

import (
	"context"
	"errors"
	"log/slog"

	"behaviorwatch/internal/session"
)

// Envelope is one resolved ingress input bound to its session.
type Envelope struct {
	SessionID string
	Input     Input
	Source    string
}

func SendNonBlocking(ctx context.Context, out chan<- Envelope, env Envelope, logger *slog.Logger) bool {
	select {
	case out <- env:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("ingress channel full, dropping input", "session_id", env.SessionID, "source", env.Source)
		}
		return false
	}
}

// Pump drains the ingress channel into the session manager. Buffer
// pushes are O(1) and never wait on a dispatch, so one pump goroutine
// keeps up with all sources.
func Pump(ctx context.Context, in <-chan Envelope, mgr *session.Manager, logger *slog.Logger) {
	go func() {
		for {
			select {
			case env := <-in:
				apply(mgr, env, logger)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func apply(mgr *session.Manager, env Envelope, logger *slog.Logger) {
	var err error
	switch env.Input.Kind {
	case KindRawData:
		err = mgr.PushAudio(env.SessionID, env.Input.Audio)
	case KindSingleFrame, KindFrameSequence:
		for _, frame := range env.Input.Frames {
			if err = mgr.PushFrame(env.SessionID, frame); err != nil {
				break
			}
		}
	default:
		err = errors.New("unresolved input variant")
	}
	if err != nil && logger != nil {
		logger.Warn("ingress input rejected", "session_id", env.SessionID, "source", env.Source, "err", err)
	}
}
