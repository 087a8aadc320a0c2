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

const alertColumns = `id, kind, subject_id, subject_key, patient_id, severity, channel, recipient_id,
	address, dedup_key, title, body, status, attempts, last_attempt_at, provider_message_id,
	last_error, created_at, updated_at, expires_at`

func (s *SQLiteStore) InsertAlertIfAbsent(ctx context.Context, a *model.Alert) (*model.Alert, bool, error) {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Status == "" {
		a.Status = model.AlertPending
	}
	a.CreatedAt = now
	a.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	// Live alerts whose dedup window has passed stop holding the key.
	if _, err := tx.ExecContext(ctx,
		`UPDATE alerts SET superseded = 1
		 WHERE dedup_key = ? AND superseded = 0 AND status != 'suppressed' AND expires_at <= ?`,
		a.DedupKey, fmtTime(now)); err != nil {
		return nil, false, fmt.Errorf("expire dedup key: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts (`+alertColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alertArgs(a)...)
	if err != nil {
		return nil, false, fmt.Errorf("insert alert: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return a, true, nil
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE dedup_key = ? AND status != 'suppressed' AND superseded = 0`, a.DedupKey)
	existing, err := scanAlert(row)
	if err != nil {
		return nil, false, fmt.Errorf("load existing alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// InsertSuppressed records a duplicate request for audit. It never holds the dedup key.
func (s *SQLiteStore) InsertSuppressed(ctx context.Context, a *model.Alert) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = newID()
	}
	a.Status = model.AlertSuppressed
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alertArgs(a)...)
	if err != nil {
		return fmt.Errorf("insert suppressed alert: %w", err)
	}
	return nil
}

func alertArgs(a *model.Alert) []interface{} {
	return []interface{}{
		a.ID, string(a.Kind), a.SubjectID, a.SubjectKey, a.PatientID, nullString(string(a.Severity)),
		string(a.Channel), a.RecipientID, a.Address, a.DedupKey, a.Title, a.Body, string(a.Status),
		a.Attempts, nullTime(a.LastAttemptAt), nullString(a.ProviderMessageID), nullString(a.LastError),
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt), fmtTime(a.ExpiresAt),
	}
}

func (s *SQLiteStore) UpdateAlert(ctx context.Context, a *model.Alert) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, attempts = ?, last_attempt_at = ?, provider_message_id = ?,
			last_error = ?, updated_at = ?
		 WHERE id = ?`,
		string(a.Status), a.Attempts, nullTime(a.LastAttemptAt), nullString(a.ProviderMessageID),
		nullString(a.LastError), fmtTime(a.UpdatedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, p ListAlertsParams) ([]model.Alert, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	where := []string{"1 = 1"}
	var args []interface{}
	if p.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, p.PatientID)
	}
	if p.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, p.SubjectID)
	}
	if p.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(p.Status))
	}

	query := fmt.Sprintf(`SELECT %s FROM alerts WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`,
		alertColumns, strings.Join(where, " AND "))
	args = append(args, limit)

	return s.queryAlerts(ctx, query, args...)
}

func (s *SQLiteStore) PendingAlerts(ctx context.Context) ([]model.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE status = 'pending' ORDER BY created_at`)
}

func (s *SQLiteStore) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func scanAlert(row scanner) (model.Alert, error) {
	var a model.Alert
	var kind, channel, status, createdAt, updatedAt, expiresAt string
	var severity, lastAttempt, providerID, lastError sql.NullString

	err := row.Scan(&a.ID, &kind, &a.SubjectID, &a.SubjectKey, &a.PatientID, &severity, &channel,
		&a.RecipientID, &a.Address, &a.DedupKey, &a.Title, &a.Body, &status, &a.Attempts,
		&lastAttempt, &providerID, &lastError, &createdAt, &updatedAt, &expiresAt)
	if err != nil {
		return a, err
	}

	a.Kind = model.AlertKind(kind)
	a.Severity = model.Severity(severity.String)
	a.Channel = model.Channel(channel)
	a.Status = model.AlertStatus(status)
	a.LastAttemptAt = parseNullTime(lastAttempt)
	a.ProviderMessageID = providerID.String
	a.LastError = lastError.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.ExpiresAt = parseTime(expiresAt)
	return a, nil
}

func (s *SQLiteStore) AppendEscalation(ctx context.Context, e model.EscalationEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations (id, kind, patient_id, subject_id, alert_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.PatientID, nullString(e.SubjectID), nullString(e.AlertID), e.Detail, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// ListEscalations returns escalation log entries, newest first.
func (s *SQLiteStore) ListEscalations(ctx context.Context, patientID string, limit int) ([]model.EscalationEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, kind, patient_id, subject_id, alert_id, detail, created_at FROM escalations`
	var args []interface{}
	if patientID != "" {
		query += ` WHERE patient_id = ?`
		args = append(args, patientID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.EscalationEntry
	for rows.Next() {
		var e model.EscalationEntry
		var subject, alertID sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &e.PatientID, &subject, &alertID, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.SubjectID = subject.String
		e.AlertID = alertID.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) AppendInbox(ctx context.Context, m model.InboxMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbox (id, recipient_id, title, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.RecipientID, m.Title, m.Body, fmtTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert inbox message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListInbox(ctx context.Context, recipientID string, limit int) ([]model.InboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient_id, title, body, created_at, read_at FROM inbox
		 WHERE recipient_id = ? ORDER BY created_at DESC LIMIT ?`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.InboxMessage
	for rows.Next() {
		var m model.InboxMessage
		var createdAt string
		var readAt sql.NullString
		if err := rows.Scan(&m.ID, &m.RecipientID, &m.Title, &m.Body, &createdAt, &readAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		m.ReadAt = parseNullTime(readAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
