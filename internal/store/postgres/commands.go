package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/famcare/medengine/internal/domain/medication"
	"github.com/famcare/medengine/internal/store"
)

type commands struct {
	q querier
}

var _ store.Commands = (*commands)(nil)

const commandColumns = `id, patient_id, facts, schedule, reminders, grace_period, state,
	version, schema_version, created_by, created_at, updated_at`

// activeNameIndex is the partial unique index enforcing one active command
// per (patient_id, name).
const activeNameIndex = "idx_commands_one_active_name"

func (c *commands) Create(ctx context.Context, cmd *medication.Command) error {
	facts, schedule, reminders, grace, state, err := marshalGroups(cmd)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO medication_commands
		(id, patient_id, name, status, is_active, is_prn, med_type, frequency, start_date,
		 facts, schedule, reminders, grace_period, state,
		 version, schema_version, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`
	_, err = c.q.Exec(ctx, query,
		cmd.ID, cmd.PatientID, cmd.Facts.Name, cmd.State.Current, cmd.State.IsActive,
		cmd.IsPRN(), cmd.Grace.Type, cmd.Schedule.Frequency, nullTime(cmd.Schedule.StartDate),
		facts, schedule, reminders, grace, state,
		cmd.Metadata.Version, cmd.Metadata.SchemaVersion, cmd.Metadata.CreatedBy,
		cmd.Metadata.CreatedAt, cmd.Metadata.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, activeNameIndex) {
			return &medication.ConflictError{Reason: "active command already exists for " + cmd.Facts.Name}
		}
		if isUniqueViolation(err, "") {
			return &medication.ConflictError{Reason: "command already exists: " + cmd.ID}
		}
		return classify(fmt.Errorf("insert command: %w", err))
	}
	return nil
}

func (c *commands) Get(ctx context.Context, id string) (*medication.Command, error) {
	row := c.q.QueryRow(ctx, `SELECT `+commandColumns+` FROM medication_commands WHERE id = $1`, id)
	cmd, err := scanCommand(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, &medication.NotFoundError{Kind: "command", ID: id}
		}
		return nil, classify(fmt.Errorf("get command: %w", err))
	}
	return cmd, nil
}

// List filters on the indexed patient/active columns in SQL and applies the
// rest of the filter plus the sort in memory, so composite filter+sort
// combinations never depend on bespoke indexes.
func (c *commands) List(ctx context.Context, f store.CommandFilter, srt store.Sort) ([]*medication.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM medication_commands`
	var args []any
	switch {
	case f.PatientID != "" && f.IsActive != nil:
		query += ` WHERE patient_id = $1 AND is_active = $2`
		args = append(args, f.PatientID, *f.IsActive)
	case f.PatientID != "":
		query += ` WHERE patient_id = $1`
		args = append(args, f.PatientID)
	}

	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list commands: %w", err))
	}
	defer rows.Close()

	var out []*medication.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, classify(fmt.Errorf("scan command: %w", err))
		}
		if f.Matches(cmd) {
			out = append(out, cmd)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	store.SortCommands(out, srt)
	return out, nil
}

func (c *commands) Update(ctx context.Context, cmd *medication.Command) error {
	facts, schedule, reminders, grace, state, err := marshalGroups(cmd)
	if err != nil {
		return err
	}

	query := `
		UPDATE medication_commands
		SET name = $2, status = $3, is_active = $4, is_prn = $5, med_type = $6,
		    frequency = $7, start_date = $8,
		    facts = $9, schedule = $10, reminders = $11, grace_period = $12, state = $13,
		    version = $14, updated_at = $15
		WHERE id = $1
	`
	tag, err := c.q.Exec(ctx, query,
		cmd.ID, cmd.Facts.Name, cmd.State.Current, cmd.State.IsActive, cmd.IsPRN(),
		cmd.Grace.Type, cmd.Schedule.Frequency, nullTime(cmd.Schedule.StartDate),
		facts, schedule, reminders, grace, state,
		cmd.Metadata.Version, cmd.Metadata.UpdatedAt,
	)
	if err != nil {
		// Reactivating can collide with a newer active command of the
		// same name.
		if isUniqueViolation(err, activeNameIndex) {
			return &medication.ConflictError{Reason: "active command already exists for " + cmd.Facts.Name}
		}
		return classify(fmt.Errorf("update command: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return &medication.NotFoundError{Kind: "command", ID: cmd.ID}
	}
	return nil
}

// Delete relies on the ON DELETE CASCADE constraints on medication_events
// and medication_events_archive: one statement, zero orphans.
func (c *commands) Delete(ctx context.Context, id string) error {
	tag, err := c.q.Exec(ctx, `DELETE FROM medication_commands WHERE id = $1`, id)
	if err != nil {
		return classify(fmt.Errorf("delete command: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return &medication.NotFoundError{Kind: "command", ID: id}
	}
	return nil
}

func marshalGroups(cmd *medication.Command) (facts, schedule, reminders, grace, state []byte, err error) {
	if facts, err = json.Marshal(cmd.Facts); err == nil {
		if schedule, err = json.Marshal(cmd.Schedule); err == nil {
			if reminders, err = json.Marshal(cmd.Reminders); err == nil {
				if grace, err = json.Marshal(cmd.Grace); err == nil {
					state, err = json.Marshal(cmd.State)
				}
			}
		}
	}
	if err != nil {
		err = fmt.Errorf("marshal command groups: %w", err)
	}
	return
}

func scanCommand(row pgx.Row) (*medication.Command, error) {
	var (
		cmd                                    medication.Command
		facts, schedule, reminders, grace, st  []byte
	)
	err := row.Scan(
		&cmd.ID, &cmd.PatientID, &facts, &schedule, &reminders, &grace, &st,
		&cmd.Metadata.Version, &cmd.Metadata.SchemaVersion, &cmd.Metadata.CreatedBy,
		&cmd.Metadata.CreatedAt, &cmd.Metadata.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(facts, &cmd.Facts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(schedule, &cmd.Schedule); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reminders, &cmd.Reminders); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(grace, &cmd.Grace); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(st, &cmd.State); err != nil {
		return nil, err
	}
	return &cmd, nil
}
