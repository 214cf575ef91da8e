package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"behaviorwatch/internal/alerts"
	"behaviorwatch/internal/broadcast"
	"behaviorwatch/internal/config"
	"behaviorwatch/internal/model"
	"behaviorwatch/internal/storage"
)

// Aggregator folds inference results into per-session behavior state
// and raises threshold alerts. It is the only writer of BehaviorState.
type Aggregator struct {
	cfg       *config.Manager
	logger    *slog.Logger
	states    *StateStore
	alerts    *alerts.Store
	publisher broadcast.Publisher
	store     storage.Store
	cooldown  *Cooldown

	mu          sync.Mutex
	lastPattern map[string]int
}

func New(cfg *config.Manager, logger *slog.Logger, states *StateStore, alertStore *alerts.Store, publisher broadcast.Publisher, store storage.Store) *Aggregator {
	if publisher == nil {
		publisher = broadcast.Noop{}
	}
	return &Aggregator{
		cfg:         cfg,
		logger:      logger,
		states:      states,
		alerts:      alertStore,
		publisher:   publisher,
		store:       store,
		cooldown:    NewCooldown(),
		lastPattern: make(map[string]int),
	}
}

func (a *Aggregator) States() *StateStore {
	return a.states
}

// Apply folds a batch of results into one session's state. Results are
// applied in completion order; each behavior's state is independent, so
// no cross-behavior ordering is needed. Results carrying an error mutate
// nothing; one failed behavior must not degrade the others.
func (a *Aggregator) Apply(sessionID string, results []model.InferenceResult) {
	cfg := a.cfg.Get()
	for _, res := range results {
		if res.Failed() {
			if a.logger != nil {
				a.logger.Warn("inference result discarded",
					"session_id", sessionID,
					"behavior", res.Type,
					"kind", res.ErrorKind,
					"err", res.Error,
				)
			}
			continue
		}
		now := time.Now().UTC()
		ok := a.states.mutate(sessionID, res.Type, func(st *model.BehaviorState) {
			st.Count++
			if res.Detected {
				t := now
				st.LastDetection = &t
			}
			if res.Confidence > st.Severity {
				st.Severity = res.Confidence
			}
		})
		if !ok {
			// Session ended between dispatch and completion; drop.
			continue
		}
		threshold := cfg.AlertThreshold(string(res.Type))
		if res.Confidence > threshold && a.cooldown.Allow(sessionID, res.Type, cfg.Monitor.AlertCooldown) {
			a.raise(model.Alert{
				ID:         uuid.NewString(),
				SessionID:  sessionID,
				Type:       model.AlertWarning,
				Message:    fmt.Sprintf("%s confidence %.2f exceeded threshold %.2f", res.Type, res.Confidence, threshold),
				Timestamp:  now,
				Behavior:   res.Type,
				Confidence: res.Confidence,
			})
		}
	}
}

// PatternCheck compares the session's aggregate detection count against
// the previous check and raises an info alert when activity in the
// window exceeds the configured threshold. Best effort: it reads counts
// the aggregator itself maintains, nothing more.
func (a *Aggregator) PatternCheck(sessionID string) {
	cfg := a.cfg.Get()
	total := a.states.TotalCount(sessionID)

	a.mu.Lock()
	prev := a.lastPattern[sessionID]
	a.lastPattern[sessionID] = total
	a.mu.Unlock()

	delta := total - prev
	if delta <= cfg.Monitor.PatternThreshold {
		return
	}
	a.raise(model.Alert{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      model.AlertInfo,
		Message:   fmt.Sprintf("elevated activity: %d detections in the last %s", delta, cfg.Monitor.PatternInterval),
		Timestamp: time.Now().UTC(),
	})
}

// ForgetSession drops the aggregator's bookkeeping for an ended session.
// BehaviorState and stored alerts survive as history.
func (a *Aggregator) ForgetSession(sessionID string) {
	a.mu.Lock()
	delete(a.lastPattern, sessionID)
	a.mu.Unlock()
	a.cooldown.Forget(sessionID)
}

func (a *Aggregator) raise(alert model.Alert) {
	a.alerts.Add(alert)
	if a.logger != nil {
		a.logger.Warn("alert raised",
			"session_id", alert.SessionID,
			"type", alert.Type,
			"behavior", alert.Behavior,
			"confidence", alert.Confidence,
		)
	}
	if err := a.publisher.PublishAlert(context.Background(), alert); err != nil && a.logger != nil {
		a.logger.Warn("alert broadcast failed", "err", err)
	}
	if a.store != nil {
		if err := a.store.SaveAlert(context.Background(), alert); err != nil && a.logger != nil {
			a.logger.Warn("alert persist failed", "err", err)
		}
	}
}
