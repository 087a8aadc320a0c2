package model

import "time"

// CaseState is a state of the per-patient emergency state machine.
type CaseState string

const (
	StateIdle                  CaseState = "idle"
	StateDetected              CaseState = "detected"
	StateAwaitingPatientAction CaseState = "awaiting_patient_action"
	StateEscalated             CaseState = "escalated"
	StateResolved              CaseState = "resolved"
)

// Resolution describes how a case ended.
type Resolution string

const (
	ResolutionSelfResolved     Resolution = "self_resolved"
	ResolutionCaregiverAlerted Resolution = "caregiver_alerted"
	ResolutionAlertFailed      Resolution = "alert_failed"
)

// EscalationTrigger records why a case was escalated.
type EscalationTrigger string

const (
	TriggerPatientRequest EscalationTrigger = "patient_request"
	TriggerTimeout        EscalationTrigger = "timeout"
)

// PatientChoice is an option offered on the safety sheet.
type PatientChoice string

const (
	ChoiceSelfResolve      PatientChoice = "self_resolve"
	ChoiceContactCaregiver PatientChoice = "contact_caregiver"
)

// EmergencyCase tracks one detected emergency from detection to resolution.
// At most one case per patient has a nil ResolvedAt.
type EmergencyCase struct {
	ID             string            `json:"id"`
	PatientID      string            `json:"patient_id"`
	TurnID         string            `json:"turn_id"`
	Severity       Severity          `json:"severity"`
	State          CaseState         `json:"state"`
	Symptoms       []string          `json:"symptoms,omitempty"`
	Excerpt        string            `json:"excerpt,omitempty"`
	OpenedAt       time.Time         `json:"opened_at"`
	ActionDeadline time.Time         `json:"action_deadline"`
	EscalatedAt    *time.Time        `json:"escalated_at,omitempty"`
	Trigger        EscalationTrigger `json:"trigger,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	Resolution     Resolution        `json:"resolution,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Open reports whether the case is unresolved.
func (c EmergencyCase) Open() bool {
	return c.ResolvedAt == nil
}
