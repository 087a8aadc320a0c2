package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/care-companion/internal/model"
)

// SearchParams holds parameters for searching conversation history.
type SearchParams struct {
	PatientID string
	Query     string
	Speaker   model.Speaker
	Severity  model.Severity
	Limit     int
}

// SearchTurns finds turns whose text contains the query substring.
func (s *SQLiteStore) SearchTurns(ctx context.Context, p SearchParams) ([]model.ConversationTurn, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"t.text LIKE ?"}
	args := []interface{}{"%" + p.Query + "%"}

	if p.PatientID != "" {
		where = append(where, "t.patient_id = ?")
		args = append(args, p.PatientID)
	}
	if p.Speaker != "" {
		where = append(where, "t.speaker = ?")
		args = append(args, string(p.Speaker))
	}
	if p.Severity != "" {
		where = append(where, "c.severity = ?")
		args = append(args, string(p.Severity))
	}

	query := fmt.Sprintf(`SELECT %s %s WHERE %s ORDER BY t.created_at DESC LIMIT ?`,
		turnColumns, turnJoin, strings.Join(where, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTurns(rows)
}
