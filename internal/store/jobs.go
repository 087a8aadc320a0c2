package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/care-companion/internal/model"
)

const jobColumns = `id, patient_id, kind, schedule, title, message, medication_id,
	next_fire_at, last_fired_at, enabled, created_at`

// PutJob creates or replaces a job. Replacing keeps the original created_at.
func (s *SQLiteStore) PutJob(ctx context.Context, j *model.ReminderJob) error {
	if !model.ValidJobKinds[j.Kind] {
		return fmt.Errorf("invalid job kind %q", j.Kind)
	}
	if err := j.Schedule.Validate(); err != nil {
		return err
	}
	if j.ID == "" {
		j.ID = newID()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	sched, _ := json.Marshal(j.Schedule)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind, schedule = excluded.schedule, title = excluded.title,
			message = excluded.message, medication_id = excluded.medication_id,
			next_fire_at = excluded.next_fire_at, enabled = excluded.enabled`,
		j.ID, j.PatientID, string(j.Kind), string(sched), j.Title, nullString(j.Message),
		nullString(j.MedicationID), fmtTime(j.NextFireAt), nullTime(j.LastFiredAt),
		boolInt(j.Enabled), fmtTime(j.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.ReminderJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, patientID string) ([]model.ReminderJob, error) {
	if patientID == "" {
		return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY next_fire_at`)
	}
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE patient_id = ? ORDER BY next_fire_at`, patientID)
}

func (s *SQLiteStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]model.ReminderJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE enabled = 1 AND next_fire_at <= ?
		 ORDER BY next_fire_at LIMIT ?`, fmtTime(now), limit)
}

func (s *SQLiteStore) UpcomingJobs(ctx context.Context, patientID string, until time.Time) ([]model.ReminderJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE patient_id = ? AND enabled = 1 AND next_fire_at <= ?
		 ORDER BY next_fire_at`, patientID, fmtTime(until))
}

func (s *SQLiteStore) AdvanceJob(ctx context.Context, id string, expected, next time.Time, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_fire_at = ?, last_fired_at = ?, enabled = ?
		 WHERE id = ? AND next_fire_at = ? AND enabled = 1`,
		fmtTime(next), fmtTime(expected), boolInt(enabled), id, fmtTime(expected))
	if err != nil {
		return false, fmt.Errorf("advance job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]model.ReminderJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.ReminderJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (model.ReminderJob, error) {
	var j model.ReminderJob
	var kind, sched, nextFire, createdAt string
	var message, medicationID, lastFired sql.NullString
	var enabled int

	err := row.Scan(&j.ID, &j.PatientID, &kind, &sched, &j.Title, &message, &medicationID,
		&nextFire, &lastFired, &enabled, &createdAt)
	if err != nil {
		return j, err
	}

	j.Kind = model.JobKind(kind)
	if err := json.Unmarshal([]byte(sched), &j.Schedule); err != nil {
		return j, fmt.Errorf("decode schedule for job %s: %w", j.ID, err)
	}
	j.Message = message.String
	j.MedicationID = medicationID.String
	j.NextFireAt = parseTime(nextFire)
	j.LastFiredAt = parseNullTime(lastFired)
	j.Enabled = enabled == 1
	j.CreatedAt = parseTime(createdAt)
	return j, nil
}
