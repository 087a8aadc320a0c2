package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width UTC so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers, which makes each
	// compare-and-insert below atomic across goroutines.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func newID() string {
	return ulid.Make().String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patients (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		timezone    TEXT,
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS caregivers (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		channels    TEXT NOT NULL DEFAULT '[]',
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assignments (
		caregiver_id TEXT NOT NULL REFERENCES caregivers(id),
		patient_id   TEXT NOT NULL REFERENCES patients(id),
		relationship TEXT,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (caregiver_id, patient_id)
	);
	CREATE INDEX IF NOT EXISTS idx_assignments_patient ON assignments(patient_id);

	CREATE TABLE IF NOT EXISTS turns (
		id          TEXT PRIMARY KEY,
		patient_id  TEXT NOT NULL,
		speaker     TEXT NOT NULL,
		text        TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_patient_created ON turns(patient_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS turn_classifications (
		turn_id     TEXT NOT NULL REFERENCES turns(id),
		patient_id  TEXT NOT NULL,
		sentiment   REAL NOT NULL,
		severity    TEXT NOT NULL,
		symptoms    TEXT,
		outcome     TEXT NOT NULL,
		rationale   TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_classifications_turn ON turn_classifications(turn_id);
	CREATE INDEX IF NOT EXISTS idx_classifications_patient ON turn_classifications(patient_id, created_at);

	CREATE TABLE IF NOT EXISTS medications (
		id             TEXT PRIMARY KEY,
		patient_id     TEXT NOT NULL,
		name           TEXT NOT NULL,
		dosage         TEXT NOT NULL,
		frequency      TEXT,
		schedule_times TEXT NOT NULL DEFAULT '[]',
		instructions   TEXT,
		active         INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_medications_patient ON medications(patient_id, active);

	CREATE TABLE IF NOT EXISTS medication_logs (
		id             TEXT PRIMARY KEY,
		medication_id  TEXT NOT NULL REFERENCES medications(id),
		patient_id     TEXT NOT NULL,
		scheduled_at   TEXT NOT NULL,
		taken_at       TEXT,
		status         TEXT NOT NULL,
		notes          TEXT,
		UNIQUE (medication_id, scheduled_at)
	);
	CREATE INDEX IF NOT EXISTS idx_medlogs_patient ON medication_logs(patient_id, scheduled_at);

	CREATE TABLE IF NOT EXISTS events (
		id          TEXT PRIMARY KEY,
		patient_id  TEXT NOT NULL,
		type        TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT,
		event_date  TEXT NOT NULL,
		recurring   INTEGER NOT NULL DEFAULT 0,
		importance  INTEGER NOT NULL DEFAULT 1,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_patient_date ON events(patient_id, event_date);

	CREATE TABLE IF NOT EXISTS cases (
		id              TEXT PRIMARY KEY,
		patient_id      TEXT NOT NULL,
		turn_id         TEXT NOT NULL,
		severity        TEXT NOT NULL,
		state           TEXT NOT NULL,
		symptoms        TEXT,
		excerpt         TEXT,
		opened_at       TEXT NOT NULL,
		action_deadline TEXT NOT NULL,
		escalated_at    TEXT,
		trigger_reason  TEXT,
		resolved_at     TEXT,
		resolution      TEXT,
		updated_at      TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_cases_one_open ON cases(patient_id) WHERE resolved_at IS NULL;

	CREATE TABLE IF NOT EXISTS case_turns (
		case_id     TEXT NOT NULL REFERENCES cases(id),
		turn_id     TEXT NOT NULL REFERENCES turns(id),
		rel         TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		PRIMARY KEY (case_id, turn_id, rel)
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id                  TEXT PRIMARY KEY,
		kind                TEXT NOT NULL,
		subject_id          TEXT NOT NULL,
		subject_key         TEXT NOT NULL,
		patient_id          TEXT NOT NULL,
		severity            TEXT,
		channel             TEXT NOT NULL,
		recipient_id        TEXT NOT NULL,
		address             TEXT NOT NULL,
		dedup_key           TEXT NOT NULL,
		title               TEXT NOT NULL,
		body                TEXT NOT NULL,
		status              TEXT NOT NULL,
		attempts            INTEGER NOT NULL DEFAULT 0,
		last_attempt_at     TEXT,
		provider_message_id TEXT,
		last_error          TEXT,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL,
		expires_at          TEXT NOT NULL,
		superseded          INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_dedup_live ON alerts(dedup_key)
		WHERE status != 'suppressed' AND superseded = 0;
	CREATE INDEX IF NOT EXISTS idx_alerts_subject ON alerts(subject_id);
	CREATE INDEX IF NOT EXISTS idx_alerts_patient ON alerts(patient_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);

	CREATE TABLE IF NOT EXISTS escalations (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		patient_id  TEXT NOT NULL,
		subject_id  TEXT,
		alert_id    TEXT,
		detail      TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_escalations_created ON escalations(created_at DESC);

	CREATE TABLE IF NOT EXISTS inbox (
		id           TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		title        TEXT NOT NULL,
		body         TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		read_at      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_inbox_recipient ON inbox(recipient_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS jobs (
		id             TEXT PRIMARY KEY,
		patient_id     TEXT NOT NULL,
		kind           TEXT NOT NULL,
		schedule       TEXT NOT NULL,
		title          TEXT NOT NULL,
		message        TEXT,
		medication_id  TEXT,
		next_fire_at   TEXT NOT NULL,
		last_fired_at  TEXT,
		enabled        INTEGER NOT NULL DEFAULT 1,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(enabled, next_fire_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_patient ON jobs(patient_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := fmtTime(*t)
	return &v
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func marshalList(v interface{}) *string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" || string(b) == "[]" {
		return nil
	}
	out := string(b)
	return &out
}

func unmarshalList(v sql.NullString, dst interface{}) {
	if v.Valid && v.String != "" {
		json.Unmarshal([]byte(v.String), dst)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
