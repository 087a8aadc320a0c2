package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/care-companion/internal/model"
)

// RecentMissWindow is how far back a missed dose counts as recent.
const RecentMissWindow = 2 * time.Hour

// PutMedicationParams holds parameters for adding a medication.
type PutMedicationParams struct {
	PatientID     string
	Name          string
	Dosage        string
	Frequency     string
	ScheduleTimes []string
	Instructions  string
}

// LogDoseParams holds parameters for recording a scheduled dose.
type LogDoseParams struct {
	MedicationID string
	ScheduledAt  time.Time
	Status       model.MedicationStatus
	TakenAt      *time.Time
	Notes        string
}

// PutEventParams holds parameters for adding a personal event.
type PutEventParams struct {
	PatientID   string
	Type        string
	Title       string
	Description string
	EventDate   time.Time
	Recurring   bool
	Importance  int
}

const medicationColumns = `id, patient_id, name, dosage, frequency, schedule_times, instructions, active, created_at`

func (s *SQLiteStore) PutMedication(ctx context.Context, p PutMedicationParams) (*model.Medication, error) {
	if p.PatientID == "" || strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Dosage) == "" {
		return nil, fmt.Errorf("patient, name and dosage are required")
	}
	for _, at := range p.ScheduleTimes {
		if _, _, err := model.ParseClock(at); err != nil {
			return nil, err
		}
	}
	m := &model.Medication{
		ID:            newID(),
		PatientID:     p.PatientID,
		Name:          p.Name,
		Dosage:        p.Dosage,
		Frequency:     p.Frequency,
		ScheduleTimes: p.ScheduleTimes,
		Instructions:  p.Instructions,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	times := marshalList(m.ScheduleTimes)
	if times == nil {
		empty := "[]"
		times = &empty
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO medications (`+medicationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		m.ID, m.PatientID, m.Name, m.Dosage, nullString(m.Frequency), *times,
		nullString(m.Instructions), fmtTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert medication: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetMedication(ctx context.Context, id string) (*model.Medication, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+medicationColumns+` FROM medications WHERE id = ?`, id)
	m, err := scanMedication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("medication %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMedications returns a patient's medications, optionally only active ones.
func (s *SQLiteStore) ListMedications(ctx context.Context, patientID string, activeOnly bool) ([]model.Medication, error) {
	query := `SELECT ` + medicationColumns + ` FROM medications WHERE patient_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meds []model.Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

// DeactivateMedication stops a medication without deleting its history.
func (s *SQLiteStore) DeactivateMedication(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE medications SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("medication %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanMedication(row scanner) (model.Medication, error) {
	var m model.Medication
	var frequency, times, instructions sql.NullString
	var active int
	var createdAt string
	err := row.Scan(&m.ID, &m.PatientID, &m.Name, &m.Dosage, &frequency, &times,
		&instructions, &active, &createdAt)
	if err != nil {
		return m, err
	}
	m.Frequency = frequency.String
	m.Instructions = instructions.String
	unmarshalList(times, &m.ScheduleTimes)
	m.Active = active == 1
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

// LogDose records or updates the outcome of a scheduled dose.
func (s *SQLiteStore) LogDose(ctx context.Context, p LogDoseParams) (*model.MedicationLog, error) {
	if !model.ValidDoseStatuses[p.Status] {
		return nil, fmt.Errorf("invalid dose status %q", p.Status)
	}
	med, err := s.GetMedication(ctx, p.MedicationID)
	if err != nil {
		return nil, err
	}
	log := &model.MedicationLog{
		ID:           newID(),
		MedicationID: med.ID,
		PatientID:    med.PatientID,
		ScheduledAt:  p.ScheduledAt.UTC(),
		TakenAt:      p.TakenAt,
		Status:       p.Status,
		Notes:        p.Notes,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO medication_logs (id, medication_id, patient_id, scheduled_at, taken_at, status, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(medication_id, scheduled_at) DO UPDATE SET
			taken_at = excluded.taken_at, status = excluded.status, notes = excluded.notes`,
		log.ID, log.MedicationID, log.PatientID, fmtTime(log.ScheduledAt), nullTime(log.TakenAt),
		string(log.Status), nullString(log.Notes))
	if err != nil {
		return nil, fmt.Errorf("log dose: %w", err)
	}
	return log, nil
}

// Adherence computes dose adherence for one medication since the given time.
func (s *SQLiteStore) Adherence(ctx context.Context, medicationID string, since time.Time) (model.Adherence, error) {
	var a model.Adherence
	recent := time.Now().Add(-RecentMissWindow)
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'taken' THEN 1 ELSE 0 END), 0),
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'missed' AND scheduled_at >= ? THEN 1 ELSE 0 END), 0)
		 FROM medication_logs
		 WHERE medication_id = ? AND scheduled_at >= ? AND status != 'pending'`,
		fmtTime(recent), medicationID, fmtTime(since)).Scan(&a.Taken, &a.Total, &a.RecentMissed)
	if err != nil {
		return a, err
	}
	a.Rate = 1
	if a.Total > 0 {
		a.Rate = float64(a.Taken) / float64(a.Total)
	}
	return a, nil
}

func (s *SQLiteStore) ActiveMedications(ctx context.Context, patientID string, adherenceSince time.Time) ([]model.MedicationState, error) {
	meds, err := s.ListMedications(ctx, patientID, true)
	if err != nil {
		return nil, err
	}
	states := make([]model.MedicationState, 0, len(meds))
	for _, m := range meds {
		a, err := s.Adherence(ctx, m.ID, adherenceSince)
		if err != nil {
			return nil, fmt.Errorf("adherence for %s: %w", m.ID, err)
		}
		states = append(states, model.MedicationState{Medication: m, Adherence: a})
	}
	return states, nil
}

func (s *SQLiteStore) MissedDosesSince(ctx context.Context, patientID string, since time.Time) ([]model.MedicationLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, medication_id, patient_id, scheduled_at, taken_at, status, notes
		 FROM medication_logs
		 WHERE patient_id = ? AND status = 'missed' AND scheduled_at >= ?
		 ORDER BY scheduled_at DESC`, patientID, fmtTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.MedicationLog
	for rows.Next() {
		var l model.MedicationLog
		var scheduledAt, status string
		var takenAt, notes sql.NullString
		if err := rows.Scan(&l.ID, &l.MedicationID, &l.PatientID, &scheduledAt, &takenAt, &status, &notes); err != nil {
			return nil, err
		}
		l.ScheduledAt = parseTime(scheduledAt)
		l.TakenAt = parseNullTime(takenAt)
		l.Status = model.MedicationStatus(status)
		l.Notes = notes.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) PutEvent(ctx context.Context, p PutEventParams) (*model.PersonalEvent, error) {
	if p.PatientID == "" || strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("patient and title are required")
	}
	if p.EventDate.IsZero() {
		return nil, fmt.Errorf("event date is required")
	}
	importance := p.Importance
	if importance <= 0 {
		importance = 1
	}
	typ := p.Type
	if typ == "" {
		typ = "other"
	}
	e := &model.PersonalEvent{
		ID:          newID(),
		PatientID:   p.PatientID,
		Type:        typ,
		Title:       p.Title,
		Description: p.Description,
		EventDate:   p.EventDate.UTC(),
		Recurring:   p.Recurring,
		Importance:  importance,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, patient_id, type, title, description, event_date, recurring, importance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PatientID, e.Type, e.Title, nullString(e.Description), fmtTime(e.EventDate),
		boolInt(e.Recurring), e.Importance, fmtTime(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) EventsBetween(ctx context.Context, patientID string, from, to time.Time) ([]model.PersonalEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_id, type, title, description, event_date, recurring, importance, created_at
		 FROM events
		 WHERE patient_id = ? AND event_date >= ? AND event_date <= ?
		 ORDER BY importance DESC, event_date DESC`,
		patientID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.PersonalEvent
	for rows.Next() {
		var e model.PersonalEvent
		var desc sql.NullString
		var eventDate, createdAt string
		var recurring int
		if err := rows.Scan(&e.ID, &e.PatientID, &e.Type, &e.Title, &desc, &eventDate,
			&recurring, &e.Importance, &createdAt); err != nil {
			return nil, err
		}
		e.Description = desc.String
		e.EventDate = parseTime(eventDate)
		e.Recurring = recurring == 1
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
