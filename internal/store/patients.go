package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/care-companion/internal/model"
)

// PutPatientParams holds parameters for creating or updating a patient.
type PutPatientParams struct {
	ID       string // empty generates a new ID
	Name     string
	Timezone string
}

// PutCaregiverParams holds parameters for creating or updating a caregiver.
type PutCaregiverParams struct {
	ID       string
	Name     string
	Channels []model.ChannelAddress
}

func (s *SQLiteStore) PutPatient(ctx context.Context, p PutPatientParams) (*model.Patient, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("patient name is required")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
		}
	}
	id := p.ID
	if id == "" {
		id = newID()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (id, name, timezone, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, timezone = excluded.timezone`,
		id, p.Name, nullString(p.Timezone), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("upsert patient: %w", err)
	}
	return s.GetPatient(ctx, id)
}

func (s *SQLiteStore) GetPatient(ctx context.Context, id string) (*model.Patient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, timezone, created_at FROM patients WHERE id = ?`, id)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) ListPatients(ctx context.Context) ([]model.Patient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, timezone, created_at FROM patients ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []model.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func scanPatient(row scanner) (model.Patient, error) {
	var p model.Patient
	var tz sql.NullString
	var createdAt string
	if err := row.Scan(&p.ID, &p.Name, &tz, &createdAt); err != nil {
		return p, err
	}
	p.Timezone = tz.String
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func (s *SQLiteStore) PutCaregiver(ctx context.Context, p PutCaregiverParams) (*model.Caregiver, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("caregiver name is required")
	}
	for _, ch := range p.Channels {
		if !model.ValidChannels[ch.Channel] {
			return nil, fmt.Errorf("invalid channel %q", ch.Channel)
		}
	}
	id := p.ID
	if id == "" {
		id = newID()
	}
	channels, _ := json.Marshal(p.Channels)
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO caregivers (id, name, channels, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, channels = excluded.channels`,
		id, p.Name, string(channels), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("upsert caregiver: %w", err)
	}

	return &model.Caregiver{ID: id, Name: p.Name, Channels: p.Channels, CreatedAt: now}, nil
}

// Assign links a caregiver to a patient.
func (s *SQLiteStore) Assign(ctx context.Context, caregiverID, patientID, relationship string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (caregiver_id, patient_id, relationship, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(caregiver_id, patient_id) DO UPDATE SET relationship = excluded.relationship`,
		caregiverID, patientID, nullString(relationship), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("assign caregiver: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CaregiversFor(ctx context.Context, patientID string) ([]model.Caregiver, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.channels, c.created_at, a.relationship
		 FROM caregivers c
		 INNER JOIN assignments a ON a.caregiver_id = c.id
		 WHERE a.patient_id = ?
		 ORDER BY a.created_at, c.id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var caregivers []model.Caregiver
	for rows.Next() {
		var c model.Caregiver
		var channels, createdAt string
		var rel sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &channels, &createdAt, &rel); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(channels), &c.Channels)
		c.CreatedAt = parseTime(createdAt)
		c.Relationship = rel.String
		caregivers = append(caregivers, c)
	}
	return caregivers, rows.Err()
}
