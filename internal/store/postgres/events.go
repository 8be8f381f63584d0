package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/famcare/medengine/internal/domain/medication"
	"github.com/famcare/medengine/internal/store"
)

type events struct {
	q querier
}

var _ store.Events = (*events)(nil)

const eventColumns = `id, command_id, patient_id, event_type, payload, correlation_id,
	dedup_key, closes_event_id, event_timestamp, scheduled_at, grace_ends_at,
	snoozed_until, closed_by`

// Append is idempotent on the dedup key: a retried call resolves to the
// already-stored event with inserted=false instead of an error. Duplicate
// terminal events are prevented upstream by the conditional close on the
// scheduled row, which serializes racing writers on its row lock.
func (s *events) Append(ctx context.Context, e *medication.Event) (*medication.Event, bool, error) {
	query := `
		INSERT INTO medication_events
		(id, command_id, patient_id, event_type, payload, correlation_id, dedup_key,
		 closes_event_id, event_timestamp, scheduled_at, grace_ends_at, snoozed_until, closed_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (dedup_key) DO NOTHING
	`
	tag, err := s.q.Exec(ctx, query,
		e.ID, e.CommandID, e.PatientID, e.Type, []byte(e.Payload), e.CorrelationID,
		e.DedupKey, nullString(e.ClosesEventID), e.Timestamp,
		nullTime(e.ScheduledAt), nullTime(e.GraceEndsAt), nullTime(e.SnoozedUntil),
		nullString(string(e.ClosedBy)),
	)
	if err != nil {
		return nil, false, classify(fmt.Errorf("append event: %w", err))
	}
	if tag.RowsAffected() == 0 {
		prev, serr := s.byDedupKey(ctx, e.DedupKey)
		if serr != nil {
			return nil, false, serr
		}
		return prev, false, nil
	}
	return e, true, nil
}

func (s *events) byDedupKey(ctx context.Context, key string) (*medication.Event, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM medication_events WHERE dedup_key = $1
	`, key)
	e, err := scanEvent(row)
	if err == nil {
		return e, nil
	}
	if err != pgx.ErrNoRows {
		return nil, classify(fmt.Errorf("lookup by dedup key: %w", err))
	}
	// The original may have been archived since.
	row = s.q.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM medication_events_archive WHERE dedup_key = $1
	`, key)
	e, err = scanEvent(row)
	if err != nil {
		return nil, classify(fmt.Errorf("lookup archived by dedup key: %w", err))
	}
	e.Archived = true
	return e, nil
}

func (s *events) Get(ctx context.Context, id string) (*medication.Event, error) {
	row := s.q.QueryRow(ctx, `SELECT `+eventColumns+` FROM medication_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err == nil {
		return e, nil
	}
	if err != pgx.ErrNoRows {
		return nil, classify(fmt.Errorf("get event: %w", err))
	}
	row = s.q.QueryRow(ctx, `SELECT `+eventColumns+` FROM medication_events_archive WHERE id = $1`, id)
	e, err = scanEvent(row)
	if err == pgx.ErrNoRows {
		return nil, &medication.NotFoundError{Kind: "event", ID: id}
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get archived event: %w", err))
	}
	e.Archived = true
	return e, nil
}

func (s *events) Query(ctx context.Context, f store.EventFilter) ([]*medication.Event, error) {
	out, err := s.queryTable(ctx, "medication_events", f, false)
	if err != nil {
		return nil, err
	}
	if f.IncludeArchived {
		archived, err := s.queryTable(ctx, "medication_events_archive", f, true)
		if err != nil {
			return nil, err
		}
		// Each table came back ordered, but the merge interleaves: an
		// archived dose can precede a live one. Re-sort before cutting
		// to the limit.
		out = append(out, archived...)
		store.SortEvents(out)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *events) queryTable(ctx context.Context, table string, f store.EventFilter, archived bool) ([]*medication.Event, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.CommandID != "" {
		conds = append(conds, "command_id = "+arg(f.CommandID))
	}
	if f.PatientID != "" {
		conds = append(conds, "patient_id = "+arg(f.PatientID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		conds = append(conds, "event_type = ANY("+arg(types)+")")
	}
	if f.OpenOnly {
		conds = append(conds, "event_type = 'DOSE_SCHEDULED'", "closed_by IS NULL")
	}
	if !f.From.IsZero() {
		conds = append(conds, "COALESCE(scheduled_at, event_timestamp) >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "COALESCE(scheduled_at, event_timestamp) <= "+arg(f.To))
	}

	query := "SELECT " + eventColumns + " FROM " + table
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY COALESCE(scheduled_at, event_timestamp) ASC, event_timestamp ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query %s: %w", table, err))
	}
	defer rows.Close()

	var out []*medication.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, classify(fmt.Errorf("scan event: %w", err))
		}
		e.Archived = archived
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

// CloseScheduled is the check-before-append guard: a conditional update that
// only the first closer wins. Losers see zero rows affected.
func (s *events) CloseScheduled(ctx context.Context, eventID string, by medication.EventType) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE medication_events SET closed_by = $2
		WHERE id = $1 AND event_type = 'DOSE_SCHEDULED' AND closed_by IS NULL
	`, eventID, by)
	if err != nil {
		return false, classify(fmt.Errorf("close scheduled: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, eventID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *events) ReopenScheduled(ctx context.Context, eventID string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE medication_events SET closed_by = NULL
		WHERE id = $1 AND event_type = 'DOSE_SCHEDULED'
	`, eventID)
	if err != nil {
		return classify(fmt.Errorf("reopen scheduled: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return &medication.NotFoundError{Kind: "event", ID: eventID}
	}
	return nil
}

func (s *events) Snooze(ctx context.Context, eventID string, until time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE medication_events SET snoozed_until = $2
		WHERE id = $1 AND event_type = 'DOSE_SCHEDULED' AND closed_by IS NULL
	`, eventID, until.UTC())
	if err != nil {
		return classify(fmt.Errorf("snooze: %w", err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, eventID); err != nil {
			return err
		}
		return &medication.ConflictError{Reason: "dose already resolved"}
	}
	return nil
}

func (s *events) DeleteOpenAfter(ctx context.Context, commandID string, cutoff time.Time) (int, error) {
	tag, err := s.q.Exec(ctx, `
		DELETE FROM medication_events
		WHERE command_id = $1 AND event_type = 'DOSE_SCHEDULED'
		  AND closed_by IS NULL AND scheduled_at > $2
	`, commandID, cutoff.UTC())
	if err != nil {
		return 0, classify(fmt.Errorf("delete open after: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// Archive moves resolved events past the cutoff into the archive partition
// in one statement. Open scheduled doses stay in the live table.
func (s *events) Archive(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.q.Exec(ctx, `
		WITH moved AS (
			DELETE FROM medication_events
			WHERE COALESCE(scheduled_at, event_timestamp) < $1
			  AND NOT (event_type = 'DOSE_SCHEDULED' AND closed_by IS NULL)
			RETURNING `+eventColumns+`
		)
		INSERT INTO medication_events_archive (`+eventColumns+`)
		SELECT `+eventColumns+` FROM moved
	`, before.UTC())
	if err != nil {
		return 0, classify(fmt.Errorf("archive events: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func (s *events) Adherence(ctx context.Context, patientID string, from, to time.Time) (*medication.Adherence, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE event_type = 'DOSE_SCHEDULED') AS scheduled,
			COUNT(*) FILTER (WHERE event_type = 'DOSE_TAKEN') AS taken,
			COUNT(*) FILTER (WHERE event_type = 'DOSE_MISSED') AS missed,
			COUNT(*) FILTER (WHERE event_type = 'DOSE_SKIPPED') AS skipped
		FROM (
			SELECT event_type, COALESCE(scheduled_at, event_timestamp) AS at, patient_id
			FROM medication_events
			UNION ALL
			SELECT event_type, COALESCE(scheduled_at, event_timestamp) AS at, patient_id
			FROM medication_events_archive
		) combined
		WHERE patient_id = $1
		  AND ($2::timestamptz IS NULL OR at >= $2)
		  AND ($3::timestamptz IS NULL OR at <= $3)
	`
	a := &medication.Adherence{}
	err := s.q.QueryRow(ctx, query, patientID, nullTime(from), nullTime(to)).
		Scan(&a.Scheduled, &a.Taken, &a.Missed, &a.Skipped)
	if err != nil {
		return nil, classify(fmt.Errorf("adherence: %w", err))
	}
	a.AdherenceRate = a.Rate()
	return a, nil
}

func scanEvent(row pgx.Row) (*medication.Event, error) {
	var (
		e                                     medication.Event
		payload                               []byte
		closesID, closedBy                    *string
		scheduledAt, graceEndsAt, snoozedAt   *time.Time
	)
	err := row.Scan(
		&e.ID, &e.CommandID, &e.PatientID, &e.Type, &payload, &e.CorrelationID,
		&e.DedupKey, &closesID, &e.Timestamp, &scheduledAt, &graceEndsAt,
		&snoozedAt, &closedBy,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	if closesID != nil {
		e.ClosesEventID = *closesID
	}
	if scheduledAt != nil {
		e.ScheduledAt = scheduledAt.UTC()
	}
	if graceEndsAt != nil {
		e.GraceEndsAt = graceEndsAt.UTC()
	}
	if snoozedAt != nil {
		e.SnoozedUntil = snoozedAt.UTC()
	}
	if closedBy != nil {
		e.ClosedBy = medication.EventType(*closedBy)
	}
	return &e, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
