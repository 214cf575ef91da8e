package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"behaviorwatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/behaviorwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			start_ts TIMESTAMPTZ NOT NULL,
			end_ts TIMESTAMPTZ,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject_id)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			behavior TEXT,
			confidence DOUBLE PRECISION,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveSession(ctx context.Context, sess model.MonitoringSession) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject_id, start_ts, end_ts, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET end_ts = EXCLUDED.end_ts, status = EXCLUDED.status`,
		sess.ID,
		sess.SubjectID,
		sess.StartTime.UTC(),
		nullableTime(sess.EndTime),
		string(sess.Status),
	)
	return err
}

func (s *postgresStore) EndSession(ctx context.Context, id string, endTime time.Time) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_ts = $1, status = $2 WHERE id = $3`,
		endTime.UTC(), string(model.StatusEnded), id,
	)
	return err
}

func (s *postgresStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, session_id, ts, type, behavior, confidence, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		alert.ID,
		alert.SessionID,
		alert.Timestamp.UTC(),
		string(alert.Type),
		string(alert.Behavior),
		alert.Confidence,
		alert.Message,
	)
	return err
}

func (s *postgresStore) ListSessions(ctx context.Context, limit int) ([]model.MonitoringSession, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, start_ts, end_ts, status FROM sessions ORDER BY start_ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.MonitoringSession, 0)
	for rows.Next() {
		var sess model.MonitoringSession
		var status string
		var end sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.SubjectID, &sess.StartTime, &end, &status); err != nil {
			return nil, err
		}
		if end.Valid {
			t := end.Time
			sess.EndTime = &t
		}
		sess.Status = model.SessionStatus(status)
		out = append(out, sess)
	}
	return out, rows.Err()
}
