package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"behaviorwatch/internal/config"
	"behaviorwatch/internal/model"
)

// Store persists the minimal session/alert record the orchestration
// needs. Schema beyond that is out of scope. A nil Store is valid and
// means persistence is disabled.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveSession(ctx context.Context, s model.MonitoringSession) error
	EndSession(ctx context.Context, id string, endTime time.Time) error
	SaveAlert(ctx context.Context, alert model.Alert) error
	ListSessions(ctx context.Context, limit int) ([]model.MonitoringSession, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
