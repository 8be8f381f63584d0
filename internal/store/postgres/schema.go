package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied on startup. Idempotent: every statement is IF NOT
// EXISTS. The FK ON DELETE CASCADE on both event tables is what makes
// hard-deleting a command guarantee zero orphaned events, archived ones
// included, without a cleanup job.
const schema = `
CREATE TABLE IF NOT EXISTS medication_commands (
	id             UUID PRIMARY KEY,
	patient_id     TEXT NOT NULL,
	name           TEXT NOT NULL,
	status         TEXT NOT NULL,
	is_active      BOOLEAN NOT NULL,
	is_prn         BOOLEAN NOT NULL,
	med_type       TEXT NOT NULL,
	frequency      TEXT NOT NULL,
	start_date     TIMESTAMPTZ,
	facts          JSONB NOT NULL,
	schedule       JSONB NOT NULL,
	reminders      JSONB NOT NULL,
	grace_period   JSONB NOT NULL,
	state          JSONB NOT NULL,
	version        INT NOT NULL,
	schema_version INT NOT NULL,
	created_by     TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commands_patient
	ON medication_commands (patient_id, is_active);

-- One active command per (patient, medication name). The orchestrator's
-- in-transaction check gives the friendly error; this index is what holds
-- under concurrent creates at read committed.
CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_one_active_name
	ON medication_commands (patient_id, name)
	WHERE is_active;

CREATE TABLE IF NOT EXISTS medication_events (
	id              UUID PRIMARY KEY,
	command_id      UUID NOT NULL REFERENCES medication_commands (id) ON DELETE CASCADE,
	patient_id      TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         JSONB,
	correlation_id  TEXT NOT NULL,
	dedup_key       TEXT NOT NULL UNIQUE,
	closes_event_id UUID,
	event_timestamp TIMESTAMPTZ NOT NULL,
	scheduled_at    TIMESTAMPTZ,
	grace_ends_at   TIMESTAMPTZ,
	snoozed_until   TIMESTAMPTZ,
	closed_by       TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_patient_time
	ON medication_events (patient_id, scheduled_at);

CREATE INDEX IF NOT EXISTS idx_events_open
	ON medication_events (command_id, scheduled_at)
	WHERE event_type = 'DOSE_SCHEDULED' AND closed_by IS NULL;

CREATE TABLE IF NOT EXISTS medication_events_archive (
	LIKE medication_events INCLUDING ALL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE medication_events_archive
	DROP CONSTRAINT IF EXISTS medication_events_archive_command_fk;
ALTER TABLE medication_events_archive
	ADD CONSTRAINT medication_events_archive_command_fk
	FOREIGN KEY (command_id) REFERENCES medication_commands (id) ON DELETE CASCADE;

CREATE TABLE IF NOT EXISTS notification_outbox (
	id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	command_id   UUID NOT NULL,
	patient_id   TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	urgency      TEXT NOT NULL,
	payload      JSONB NOT NULL,
	topic        TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ,
	retry_count  INT NOT NULL DEFAULT 0,
	last_error   TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending
	ON notification_outbox (created_at)
	WHERE processed_at IS NULL;
`

// Migrate applies the schema. Safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
