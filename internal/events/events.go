// Package events carries UI-facing notifications about emergency cases to
// in-process subscribers and external buses.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rcliao/care-companion/internal/model"
)

// Event types.
const (
	TypeSafetySheet   = "safety_sheet.presented"
	TypeCaseEscalated = "case.escalated"
	TypeCaseResolved  = "case.resolved"
)

// Safety sheet steps, shown in order.
var SheetSteps = []string{"alert", "options", "confirmation"}

// Option is one choice offered on a safety sheet.
type Option struct {
	Choice model.PatientChoice `json:"choice"`
	Label  string              `json:"label"`
}

// DefaultOptions are the choices offered to the patient.
var DefaultOptions = []Option{
	{Choice: model.ChoiceSelfResolve, Label: "I'm OK now"},
	{Choice: model.ChoiceContactCaregiver, Label: "Contact my caregiver"},
}

// SafetySheet asks the patient to confirm or escalate a detected emergency.
type SafetySheet struct {
	CaseID    string         `json:"case_id"`
	PatientID string         `json:"patient_id"`
	Severity  model.Severity `json:"severity"`
	Symptoms  []string       `json:"symptoms,omitempty"`
	Message   string         `json:"message"`
	Steps     []string       `json:"steps"`
	Options   []Option       `json:"options"`
	Deadline  time.Time      `json:"deadline"`
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      string               `json:"type"`
	PatientID string               `json:"patient_id"`
	CaseID    string               `json:"case_id"`
	At        time.Time            `json:"at"`
	Sheet     *SafetySheet         `json:"sheet,omitempty"`
	Case      *model.EmergencyCase `json:"case,omitempty"`
}

// Notifier receives the case lifecycle events the UI needs to act on.
type Notifier interface {
	PresentSafetySheet(ctx context.Context, sheet SafetySheet) error
	CaseEscalated(ctx context.Context, c model.EmergencyCase) error
	CaseResolved(ctx context.Context, c model.EmergencyCase) error
}

// Sink publishes envelopes. Broadcaster and EventBridgePublisher are sinks.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// SinkNotifier adapts a Sink to the Notifier interface.
type SinkNotifier struct {
	Sink Sink
	Now  func() time.Time
}

func (n SinkNotifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now().UTC()
}

func (n SinkNotifier) PresentSafetySheet(ctx context.Context, sheet SafetySheet) error {
	return n.Sink.Publish(ctx, Event{
		Type: TypeSafetySheet, PatientID: sheet.PatientID, CaseID: sheet.CaseID, At: n.now(), Sheet: &sheet,
	})
}

func (n SinkNotifier) CaseEscalated(ctx context.Context, c model.EmergencyCase) error {
	return n.Sink.Publish(ctx, Event{
		Type: TypeCaseEscalated, PatientID: c.PatientID, CaseID: c.ID, At: n.now(), Case: &c,
	})
}

func (n SinkNotifier) CaseResolved(ctx context.Context, c model.EmergencyCase) error {
	return n.Sink.Publish(ctx, Event{
		Type: TypeCaseResolved, PatientID: c.PatientID, CaseID: c.ID, At: n.now(), Case: &c,
	})
}

// Multi fans every call out to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) PresentSafetySheet(ctx context.Context, sheet SafetySheet) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.PresentSafetySheet(ctx, sheet))
	}
	return errors.Join(errs...)
}

func (m Multi) CaseEscalated(ctx context.Context, c model.EmergencyCase) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.CaseEscalated(ctx, c))
	}
	return errors.Join(errs...)
}

func (m Multi) CaseResolved(ctx context.Context, c model.EmergencyCase) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.CaseResolved(ctx, c))
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) PresentSafetySheet(context.Context, SafetySheet) error     { return nil }
func (Nop) CaseEscalated(context.Context, model.EmergencyCase) error { return nil }
func (Nop) CaseResolved(context.Context, model.EmergencyCase) error  { return nil }
