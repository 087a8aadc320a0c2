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

const turnColumns = `t.id, t.patient_id, t.speaker, t.text, t.created_at,
	c.sentiment, c.severity, c.symptoms, c.created_at`

// The latest classification of a turn wins; earlier ones stay as history.
const turnJoin = `FROM turns t
	LEFT JOIN turn_classifications c ON c.rowid = (
		SELECT MAX(rowid) FROM turn_classifications WHERE turn_id = t.id
	)`

func (s *SQLiteStore) AppendTurn(ctx context.Context, p AppendTurnParams) (*model.ConversationTurn, error) {
	if p.PatientID == "" {
		return nil, fmt.Errorf("patient id is required")
	}
	if !model.ValidSpeakers[p.Speaker] {
		return nil, fmt.Errorf("invalid speaker %q", p.Speaker)
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, fmt.Errorf("turn text is required")
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	id := newID()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, patient_id, speaker, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, p.PatientID, string(p.Speaker), p.Text, fmtTime(ts))
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}

	return &model.ConversationTurn{
		ID:        id,
		PatientID: p.PatientID,
		Timestamp: ts,
		Speaker:   p.Speaker,
		Text:      p.Text,
	}, nil
}

func (s *SQLiteStore) AppendClassification(ctx context.Context, c model.Classification) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_classifications (turn_id, patient_id, sentiment, severity, symptoms, outcome, rationale, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TurnID, c.PatientID, c.Sentiment, string(c.Severity), marshalList(c.Symptoms),
		c.Outcome, nullString(c.Rationale), fmtTime(created))
	if err != nil {
		return fmt.Errorf("insert classification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, patientID string, n int) ([]model.ConversationTurn, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` `+turnJoin+`
		 WHERE t.patient_id = ?
		 ORDER BY t.created_at DESC, t.id DESC
		 LIMIT ?`, patientID, n)
	if err != nil {
		return nil, err
	}
	return collectTurns(rows)
}

func (s *SQLiteStore) TurnsSince(ctx context.Context, patientID string, since time.Time) ([]model.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` `+turnJoin+`
		 WHERE t.patient_id = ? AND t.created_at >= ?
		 ORDER BY t.created_at ASC, t.id ASC`, patientID, fmtTime(since))
	if err != nil {
		return nil, err
	}
	return collectTurns(rows)
}

func (s *SQLiteStore) GetTurn(ctx context.Context, id string) (*model.ConversationTurn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` `+turnJoin+` WHERE t.id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("turn %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTurns(rows *sql.Rows) ([]model.ConversationTurn, error) {
	defer rows.Close()
	var turns []model.ConversationTurn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func scanTurn(row scanner) (model.ConversationTurn, error) {
	var t model.ConversationTurn
	var speaker, createdAt string
	var sentiment sql.NullFloat64
	var severity, symptoms, classifiedAt sql.NullString

	err := row.Scan(&t.ID, &t.PatientID, &speaker, &t.Text, &createdAt,
		&sentiment, &severity, &symptoms, &classifiedAt)
	if err != nil {
		return t, err
	}

	t.Speaker = model.Speaker(speaker)
	t.Timestamp = parseTime(createdAt)
	if sentiment.Valid {
		v := sentiment.Float64
		t.Sentiment = &v
	}
	if severity.Valid {
		t.Severity = model.Severity(severity.String)
	}
	unmarshalList(symptoms, &t.Symptoms)
	t.ClassifiedAt = parseNullTime(classifiedAt)

	return t, nil
}
