package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/care-companion/internal/model"
)

// PatientExport is a portable snapshot of one patient's record.
type PatientExport struct {
	Patient     model.Patient            `json:"patient"`
	Turns       []model.ConversationTurn `json:"turns"`
	Medications []model.Medication       `json:"medications"`
	Events      []model.PersonalEvent    `json:"events"`
	Cases       []model.EmergencyCase    `json:"cases,omitempty"`
}

// ExportPatient returns the full conversation history and care data for a patient.
func (s *SQLiteStore) ExportPatient(ctx context.Context, patientID string) (*PatientExport, error) {
	p, err := s.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out := &PatientExport{Patient: *p}

	if out.Turns, err = s.TurnsSince(ctx, patientID, time.Time{}); err != nil {
		return nil, fmt.Errorf("export turns: %w", err)
	}
	if out.Medications, err = s.ListMedications(ctx, patientID, false); err != nil {
		return nil, fmt.Errorf("export medications: %w", err)
	}
	far := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	if out.Events, err = s.EventsBetween(ctx, patientID, time.Time{}, far); err != nil {
		return nil, fmt.Errorf("export events: %w", err)
	}
	if out.Cases, err = s.ListCases(ctx, patientID, 1000); err != nil {
		return nil, fmt.Errorf("export cases: %w", err)
	}
	return out, nil
}

// ImportPatient restores a patient with turns, medications and events from an
// export. Records get new IDs; turns keep their original timestamps and
// classifications. Cases are not imported.
func (s *SQLiteStore) ImportPatient(ctx context.Context, exp *PatientExport) (int, error) {
	if _, err := s.PutPatient(ctx, PutPatientParams{
		ID: exp.Patient.ID, Name: exp.Patient.Name, Timezone: exp.Patient.Timezone,
	}); err != nil {
		return 0, err
	}

	imported := 0
	for _, t := range exp.Turns {
		turn, err := s.AppendTurn(ctx, AppendTurnParams{
			PatientID: exp.Patient.ID,
			Speaker:   t.Speaker,
			Text:      t.Text,
			Timestamp: t.Timestamp,
		})
		if err != nil {
			return imported, err
		}
		if t.Classified() {
			c := model.Classification{
				TurnID:    turn.ID,
				PatientID: turn.PatientID,
				Severity:  t.Severity,
				Symptoms:  t.Symptoms,
				Outcome:   "imported",
				CreatedAt: *t.ClassifiedAt,
			}
			if t.Sentiment != nil {
				c.Sentiment = *t.Sentiment
			}
			if err := s.AppendClassification(ctx, c); err != nil {
				return imported, err
			}
		}
		imported++
	}

	for _, m := range exp.Medications {
		if !m.Active {
			continue
		}
		if _, err := s.PutMedication(ctx, PutMedicationParams{
			PatientID:     exp.Patient.ID,
			Name:          m.Name,
			Dosage:        m.Dosage,
			Frequency:     m.Frequency,
			ScheduleTimes: m.ScheduleTimes,
			Instructions:  m.Instructions,
		}); err != nil {
			return imported, err
		}
	}

	for _, e := range exp.Events {
		if _, err := s.PutEvent(ctx, PutEventParams{
			PatientID:   exp.Patient.ID,
			Type:        e.Type,
			Title:       e.Title,
			Description: e.Description,
			EventDate:   e.EventDate,
			Recurring:   e.Recurring,
			Importance:  e.Importance,
		}); err != nil {
			return imported, err
		}
	}

	return imported, nil
}
