package model

import "time"

// AlertKind classifies what an alert is about.
type AlertKind string

const (
	KindEmergency    AlertKind = "emergency"
	KindMedication   AlertKind = "medication_reminder"
	KindCheckin      AlertKind = "checkin"
	KindAdherence    AlertKind = "adherence"
	KindWeeklyReport AlertKind = "weekly_report"
	KindCustom       AlertKind = "custom"
)

// AlertStatus is the delivery state of an alert.
type AlertStatus string

const (
	AlertPending    AlertStatus = "pending"
	AlertSent       AlertStatus = "sent"
	AlertFailed     AlertStatus = "failed"
	AlertSuppressed AlertStatus = "suppressed"
)

// Alert is one delivery to one recipient on one channel.
// At most one non-suppressed alert exists per DedupKey within the dedup window.
type Alert struct {
	ID                string      `json:"id"`
	Kind              AlertKind   `json:"kind"`
	SubjectID         string      `json:"subject_id"`
	SubjectKey        string      `json:"subject_key"`
	PatientID         string      `json:"patient_id"`
	Severity          Severity    `json:"severity,omitempty"`
	Channel           Channel     `json:"channel"`
	RecipientID       string      `json:"recipient_id"`
	Address           string      `json:"address"`
	DedupKey          string      `json:"dedup_key"`
	Title             string      `json:"title"`
	Body              string      `json:"body"`
	Status            AlertStatus `json:"status"`
	Attempts          int         `json:"attempts"`
	LastAttemptAt     *time.Time  `json:"last_attempt_at,omitempty"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	LastError         string      `json:"last_error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

// Terminal reports whether the alert will not be attempted again.
func (a Alert) Terminal() bool {
	return a.Status == AlertSent || a.Status == AlertFailed || a.Status == AlertSuppressed
}

// Escalation log entry kinds.
const (
	EscalationAlertFailed    = "alert_delivery_failed"
	EscalationCaseEscalated  = "case_escalated"
	EscalationNoRecipients   = "no_recipients"
	EscalationReminderFailed = "reminder_failed"
)

// EscalationEntry is an operator-visible record of something that needs a human.
type EscalationEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	PatientID string    `json:"patient_id"`
	SubjectID string    `json:"subject_id,omitempty"`
	AlertID   string    `json:"alert_id,omitempty"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// InboxMessage is an alert delivered to the in-app caregiver inbox.
type InboxMessage struct {
	ID          string     `json:"id"`
	RecipientID string     `json:"recipient_id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}
