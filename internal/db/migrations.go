package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS incidents (
		id                  BIGSERIAL PRIMARY KEY,
		idempotency_key     TEXT NOT NULL,
		title               TEXT NOT NULL,
		description         TEXT,
		severity            TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'open',
		location            TEXT NOT NULL,
		reported_by         TEXT NOT NULL,
		threat_level        TEXT NOT NULL,
		narrative           TEXT,
		reasoning           TEXT,
		recommended_actions JSONB,
		confidence          NUMERIC(5,4),
		category            TEXT,
		classifier_strategy TEXT,
		yolo_alerts         JSONB,
		detections          JSONB,
		raw_payload         JSONB,
		captured_at         TIMESTAMPTZ NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_incidents_idempotency_key ON incidents(idempotency_key);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_location ON incidents(location);`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id           BIGSERIAL PRIMARY KEY,
		incident_id  BIGINT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
		alert_type   TEXT NOT NULL,
		message      TEXT NOT NULL,
		confidence   NUMERIC(5,4),
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_alerts_incident_id ON alerts(incident_id);`,
	`CREATE TABLE IF NOT EXISTS captured_frames (
		id           BIGSERIAL PRIMARY KEY,
		incident_id  BIGINT REFERENCES incidents(id) ON DELETE CASCADE,
		path         TEXT NOT NULL,
		file_format  TEXT NOT NULL,
		file_size    BIGINT NOT NULL,
		camera_id    TEXT NOT NULL,
		captured_at  TIMESTAMPTZ NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_captured_frames_incident_id ON captured_frames(incident_id);`,
	`CREATE INDEX IF NOT EXISTS idx_captured_frames_captured_at ON captured_frames(captured_at);`,
	`CREATE INDEX IF NOT EXISTS idx_captured_frames_created_at ON captured_frames(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_captured_frames_path ON captured_frames(path);`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		id           BIGSERIAL PRIMARY KEY,
		actor        TEXT NOT NULL,
		action       TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		entity_id    BIGINT,
		details      JSONB,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_activity_log_created_at ON activity_log(created_at);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
