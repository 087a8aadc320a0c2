package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/care-companion/internal/model"
)

const caseColumns = `id, patient_id, turn_id, severity, state, symptoms, excerpt, opened_at,
	action_deadline, escalated_at, trigger_reason, resolved_at, resolution, updated_at`

// Case-turn link relations.
const (
	RelTrigger  = "trigger"
	RelFollowup = "followup"
)

func (s *SQLiteStore) OpenCase(ctx context.Context, p OpenCaseParams) (*model.EmergencyCase, bool, error) {
	now := time.Now().UTC()
	c := &model.EmergencyCase{
		ID:             newID(),
		PatientID:      p.PatientID,
		TurnID:         p.TurnID,
		Severity:       p.Severity,
		State:          model.StateDetected,
		Symptoms:       p.Symptoms,
		Excerpt:        p.Excerpt,
		OpenedAt:       now,
		ActionDeadline: p.ActionDeadline.UTC(),
		UpdatedAt:      now,
	}

	// The partial unique index on open cases turns a concurrent second
	// open into a no-op.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cases (`+caseColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, ?)`,
		c.ID, c.PatientID, c.TurnID, string(c.Severity), string(c.State), marshalList(c.Symptoms),
		nullString(c.Excerpt), fmtTime(c.OpenedAt), fmtTime(c.ActionDeadline), fmtTime(c.UpdatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert case: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.GetOpenCase(ctx, p.PatientID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := s.LinkCaseTurn(ctx, c.ID, c.TurnID, RelTrigger); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *SQLiteStore) GetCase(ctx context.Context, id string) (*model.EmergencyCase, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) GetOpenCase(ctx context.Context, patientID string) (*model.EmergencyCase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE patient_id = ? AND resolved_at IS NULL`, patientID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open case for %s: %w", patientID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) UpdateCase(ctx context.Context, c *model.EmergencyCase) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET severity = ?, state = ?, symptoms = ?, action_deadline = ?,
			escalated_at = ?, trigger_reason = ?, resolved_at = ?, resolution = ?, updated_at = ?
		 WHERE id = ?`,
		string(c.Severity), string(c.State), marshalList(c.Symptoms), fmtTime(c.ActionDeadline),
		nullTime(c.EscalatedAt), nullString(string(c.Trigger)), nullTime(c.ResolvedAt),
		nullString(string(c.Resolution)), fmtTime(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("case %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListOpenCases(ctx context.Context) ([]model.EmergencyCase, error) {
	return s.queryCases(ctx, `SELECT `+caseColumns+` FROM cases WHERE resolved_at IS NULL ORDER BY opened_at`)
}

// ListCases returns a patient's cases, newest first.
func (s *SQLiteStore) ListCases(ctx context.Context, patientID string, limit int) ([]model.EmergencyCase, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE patient_id = ? ORDER BY opened_at DESC LIMIT ?`,
		patientID, limit)
}

func (s *SQLiteStore) queryCases(ctx context.Context, query string, args ...interface{}) ([]model.EmergencyCase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []model.EmergencyCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// LinkCaseTurn records that a turn is evidence for a case.
func (s *SQLiteStore) LinkCaseTurn(ctx context.Context, caseID, turnID, rel string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO case_turns (case_id, turn_id, rel, created_at) VALUES (?, ?, ?, ?)`,
		caseID, turnID, rel, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("link case turn: %w", err)
	}
	return nil
}

// CaseTurns returns the turn IDs linked to a case in link order.
func (s *SQLiteStore) CaseTurns(ctx context.Context, caseID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id FROM case_turns WHERE case_id = ? ORDER BY created_at, rowid`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanCase(row scanner) (model.EmergencyCase, error) {
	var c model.EmergencyCase
	var severity, state, openedAt, deadline, updatedAt string
	var symptoms, excerpt, escalatedAt, trigger, resolvedAt, resolution sql.NullString

	err := row.Scan(&c.ID, &c.PatientID, &c.TurnID, &severity, &state, &symptoms, &excerpt,
		&openedAt, &deadline, &escalatedAt, &trigger, &resolvedAt, &resolution, &updatedAt)
	if err != nil {
		return c, err
	}

	c.Severity = model.Severity(severity)
	c.State = model.CaseState(state)
	unmarshalList(symptoms, &c.Symptoms)
	c.Excerpt = excerpt.String
	c.OpenedAt = parseTime(openedAt)
	c.ActionDeadline = parseTime(deadline)
	c.EscalatedAt = parseNullTime(escalatedAt)
	c.Trigger = model.EscalationTrigger(trigger.String)
	c.ResolvedAt = parseNullTime(resolvedAt)
	c.Resolution = model.Resolution(resolution.String)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}
