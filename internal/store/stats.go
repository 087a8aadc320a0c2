package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath          string         `json:"db_path"`
	DBSizeBytes     int64          `json:"db_size_bytes"`
	Patients        int            `json:"patients"`
	Caregivers      int            `json:"caregivers"`
	Turns           int            `json:"turns"`
	ClassifiedTurns int            `json:"classified_turns"`
	OpenCases       int            `json:"open_cases"`
	TotalCases      int            `json:"total_cases"`
	EnabledJobs     int            `json:"enabled_jobs"`
	Escalations     int            `json:"escalations"`
	Alerts          []StatusCount  `json:"alerts"`
	PerPatient      []PatientStats `json:"per_patient"`
}

// StatusCount holds an alert count for one status.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// PatientStats holds per-patient counts.
type PatientStats struct {
	PatientID string `json:"patient_id"`
	Turns     int    `json:"turns"`
	Cases     int    `json:"cases"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patients`).Scan(&st.Patients)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM caregivers`).Scan(&st.Caregivers)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&st.Turns)
	s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT turn_id) FROM turn_classifications`).Scan(&st.ClassifiedTurns)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases WHERE resolved_at IS NULL`).Scan(&st.OpenCases)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases`).Scan(&st.TotalCases)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE enabled = 1`).Scan(&st.EnabledJobs)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escalations`).Scan(&st.Escalations)

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM alerts GROUP BY status ORDER BY status`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var sc StatusCount
		rows.Scan(&sc.Status, &sc.Count)
		st.Alerts = append(st.Alerts, sc)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT t.patient_id, COUNT(*) AS cnt,
		       (SELECT COUNT(*) FROM cases c WHERE c.patient_id = t.patient_id)
		FROM turns t GROUP BY t.patient_id ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ps PatientStats
		rows.Scan(&ps.PatientID, &ps.Turns, &ps.Cases)
		st.PerPatient = append(st.PerPatient, ps)
	}

	return st, nil
}
