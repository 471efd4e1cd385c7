package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/vigil?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, bind: rebindDollar}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			stream_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id BIGSERIAL PRIMARY KEY,
			stream_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			is_violence BOOLEAN NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			frame_data TEXT,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_stream_ts ON detections(stream_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_violence ON detections(is_violence)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			stream_id TEXT,
			detection_id BIGINT,
			alert_type TEXT NOT NULL,
			message TEXT NOT NULL,
			severity TEXT NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged_by TEXT,
			acknowledged_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_acknowledged ON alerts(acknowledged)`,
		`CREATE TABLE IF NOT EXISTS system_events (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			details_json TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON system_events(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
