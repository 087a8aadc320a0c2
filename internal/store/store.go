// Package store provides the care-companion storage interfaces and SQLite implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rcliao/care-companion/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AppendTurnParams holds parameters for appending a conversation turn.
type AppendTurnParams struct {
	PatientID string
	Speaker   model.Speaker
	Text      string
	Timestamp time.Time // zero means now
}

// ListAlertsParams filters alert listings.
type ListAlertsParams struct {
	PatientID string
	SubjectID string
	Status    model.AlertStatus
	Limit     int
}

// OpenCaseParams holds parameters for opening an emergency case.
type OpenCaseParams struct {
	PatientID      string
	TurnID         string
	Severity       model.Severity
	Symptoms       []string
	Excerpt        string
	ActionDeadline time.Time
}

// TurnStore is the append-only conversation log.
type TurnStore interface {
	// AppendTurn stores a raw turn. Turns are never modified afterwards.
	AppendTurn(ctx context.Context, p AppendTurnParams) (*model.ConversationTurn, error)

	// AppendClassification records the derived classification of a turn.
	AppendClassification(ctx context.Context, c model.Classification) error

	// RecentTurns returns up to n turns, most recent first.
	RecentTurns(ctx context.Context, patientID string, n int) ([]model.ConversationTurn, error)

	// TurnsSince returns turns at or after since in chronological order.
	TurnsSince(ctx context.Context, patientID string, since time.Time) ([]model.ConversationTurn, error)

	// GetTurn retrieves one turn by ID.
	GetTurn(ctx context.Context, id string) (*model.ConversationTurn, error)
}

// PatientStore holds patients and their caregivers.
type PatientStore interface {
	GetPatient(ctx context.Context, id string) (*model.Patient, error)
	CaregiversFor(ctx context.Context, patientID string) ([]model.Caregiver, error)
}

// CareDataStore provides the read-only care inputs used for context.
type CareDataStore interface {
	ActiveMedications(ctx context.Context, patientID string, adherenceSince time.Time) ([]model.MedicationState, error)
	MissedDosesSince(ctx context.Context, patientID string, since time.Time) ([]model.MedicationLog, error)
	EventsBetween(ctx context.Context, patientID string, from, to time.Time) ([]model.PersonalEvent, error)
}

// CaseStore persists emergency cases.
type CaseStore interface {
	// OpenCase inserts a case unless the patient already has an open one,
	// in which case the existing case is returned with created=false.
	OpenCase(ctx context.Context, p OpenCaseParams) (c *model.EmergencyCase, created bool, err error)
	GetCase(ctx context.Context, id string) (*model.EmergencyCase, error)
	GetOpenCase(ctx context.Context, patientID string) (*model.EmergencyCase, error)
	UpdateCase(ctx context.Context, c *model.EmergencyCase) error
	ListOpenCases(ctx context.Context) ([]model.EmergencyCase, error)
	LinkCaseTurn(ctx context.Context, caseID, turnID, rel string) error
}

// AlertStore persists alerts and their dedup index.
type AlertStore interface {
	// InsertAlertIfAbsent atomically inserts a when no live alert holds its
	// dedup key. On conflict it returns the existing alert and inserted=false.
	InsertAlertIfAbsent(ctx context.Context, a *model.Alert) (existing *model.Alert, inserted bool, err error)
	InsertSuppressed(ctx context.Context, a *model.Alert) error
	UpdateAlert(ctx context.Context, a *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context, p ListAlertsParams) ([]model.Alert, error)
	PendingAlerts(ctx context.Context) ([]model.Alert, error)
	AppendEscalation(ctx context.Context, e model.EscalationEntry) error
}

// InboxStore backs the in-app caregiver inbox channel.
type InboxStore interface {
	AppendInbox(ctx context.Context, m model.InboxMessage) error
	ListInbox(ctx context.Context, recipientID string, limit int) ([]model.InboxMessage, error)
}

// JobStore persists reminder jobs.
type JobStore interface {
	PutJob(ctx context.Context, j *model.ReminderJob) error
	GetJob(ctx context.Context, id string) (*model.ReminderJob, error)
	ListJobs(ctx context.Context, patientID string) ([]model.ReminderJob, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]model.ReminderJob, error)
	// AdvanceJob moves a job's next firing from expected to next. It returns
	// false without changing anything if another tick already advanced it.
	AdvanceJob(ctx context.Context, id string, expected, next time.Time, enabled bool) (bool, error)
	UpcomingJobs(ctx context.Context, patientID string, until time.Time) ([]model.ReminderJob, error)
	DeleteJob(ctx context.Context, id string) error
}

// Store is the full storage surface.
type Store interface {
	TurnStore
	PatientStore
	CareDataStore
	CaseStore
	AlertStore
	InboxStore
	JobStore

	// Close closes the store.
	Close() error
}
