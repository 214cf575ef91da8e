package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"behaviorwatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:behaviorwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			start_ts TEXT NOT NULL,
			end_ts TEXT,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject_id)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			behavior TEXT,
			confidence REAL,
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

func (s *sqliteStore) SaveSession(ctx context.Context, sess model.MonitoringSession) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject_id, start_ts, end_ts, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET end_ts = excluded.end_ts, status = excluded.status`,
		sess.ID,
		sess.SubjectID,
		formatTime(sess.StartTime),
		formatTimePtr(sess.EndTime),
		string(sess.Status),
	)
	return err
}

func (s *sqliteStore) EndSession(ctx context.Context, id string, endTime time.Time) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_ts = ?, status = ? WHERE id = ?`,
		formatTime(endTime), string(model.StatusEnded), id,
	)
	return err
}

func (s *sqliteStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, session_id, ts, type, behavior, confidence, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.SessionID,
		formatTime(alert.Timestamp),
		string(alert.Type),
		string(alert.Behavior),
		alert.Confidence,
		alert.Message,
	)
	return err
}

func (s *sqliteStore) ListSessions(ctx context.Context, limit int) ([]model.MonitoringSession, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, start_ts, end_ts, status FROM sessions ORDER BY start_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Timestamps live as RFC3339 text; parse them back on the way out.
	out := make([]model.MonitoringSession, 0)
	for rows.Next() {
		var sess model.MonitoringSession
		var status, start string
		var end sql.NullString
		if err := rows.Scan(&sess.ID, &sess.SubjectID, &start, &end, &status); err != nil {
			return nil, err
		}
		sess.StartTime, err = time.Parse(time.RFC3339Nano, start)
		if err != nil {
			return nil, err
		}
		if end.Valid {
			t, err := time.Parse(time.RFC3339Nano, end.String)
			if err != nil {
				return nil, err
			}
			sess.EndTime = &t
		}
		sess.Status = model.SessionStatus(status)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
