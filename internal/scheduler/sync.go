package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/model"
)

// Default check-in times.
var checkinTimes = map[string]string{
	slotMorning:   "09:00",
	slotAfternoon: "14:00",
	slotEvening:   "19:00",
}

// DefaultJobs returns the jobs every patient gets, plus one medication job
// per active schedule time. IDs are derived from the patient and medication
// so repeated syncs address the same rows.
func DefaultJobs(patientID string, meds []model.Medication) []model.ReminderJob {
	var jobs []model.ReminderJob
	for _, slot := range []string{slotMorning, slotAfternoon, slotEvening} {
		jobs = append(jobs, model.ReminderJob{
			ID:        fmt.Sprintf("checkin-%s-%s", patientID, slot),
			PatientID: patientID,
			Kind:      model.JobCheckin,
			Schedule:  model.DailyAt(checkinTimes[slot]),
			Title:     strings.ToUpper(slot[:1]) + slot[1:] + " check-in",
			Enabled:   true,
		})
	}
	jobs = append(jobs,
		model.ReminderJob{
			ID:        "adherence-" + patientID,
			PatientID: patientID,
			Kind:      model.JobAdherence,
			Schedule:  model.Every(time.Hour),
			Title:     "Medication adherence monitoring",
			Enabled:   true,
		},
		model.ReminderJob{
			ID:        "weekly-" + patientID,
			PatientID: patientID,
			Kind:      model.JobWeeklyReport,
			Schedule:  model.WeeklyAt(time.Monday, "08:00"),
			Title:     "Weekly summary report",
			Enabled:   true,
		},
	)

	for _, m := range meds {
		if !m.Active {
			continue
		}
		for _, at := range m.ScheduleTimes {
			if _, _, err := model.ParseClock(at); err != nil {
				continue
			}
			jobs = append(jobs, model.ReminderJob{
				ID:           medJobID(m.ID, at),
				PatientID:    patientID,
				Kind:         model.JobMedication,
				Schedule:     model.DailyAt(at),
				Title:        "Medication reminder for " + m.Name,
				MedicationID: m.ID,
				Enabled:      true,
			})
		}
	}
	return jobs
}

func medJobID(medicationID, at string) string {
	return fmt.Sprintf("med-%s-%s", medicationID, strings.ReplaceAll(at, ":", ""))
}

// SyncPatient registers the patient's default jobs. Existing jobs with an
// unchanged schedule keep their next firing; medication jobs whose dose
// time no longer exists are disabled. It returns the number of jobs written.
func (s *Scheduler) SyncPatient(ctx context.Context, patientID string) (int, error) {
	p, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return 0, err
	}
	meds, err := s.store.ListMedications(ctx, patientID, true)
	if err != nil {
		return 0, fmt.Errorf("list medications: %w", err)
	}
	existing, err := s.store.ListJobs(ctx, patientID)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	byID := make(map[string]model.ReminderJob, len(existing))
	for _, j := range existing {
		byID[j.ID] = j
	}

	loc := p.Location(s.opts.Location)
	now := s.now()
	written := 0
	wanted := map[string]bool{}
	for _, j := range DefaultJobs(patientID, meds) {
		wanted[j.ID] = true
		if old, ok := byID[j.ID]; ok && old.Enabled && reflect.DeepEqual(old.Schedule, j.Schedule) {
			continue
		}
		next, ok := j.Schedule.First(now, loc)
		if !ok {
			continue
		}
		j.NextFireAt = next
		if err := s.store.PutJob(ctx, &j); err != nil {
			return written, fmt.Errorf("put job %s: %w", j.ID, err)
		}
		written++
	}

	for _, j := range existing {
		if j.Kind != model.JobMedication || wanted[j.ID] || !j.Enabled || !strings.HasPrefix(j.ID, "med-") {
			continue
		}
		j.Enabled = false
		if err := s.store.PutJob(ctx, &j); err != nil {
			return written, fmt.Errorf("disable job %s: %w", j.ID, err)
		}
		written++
	}

	if written > 0 {
		s.logger.Info("patient jobs synced", zap.String("patient_id", patientID), zap.Int("written", written))
	}
	return written, nil
}

// SyncAll syncs every patient and returns the total number of jobs written.
func (s *Scheduler) SyncAll(ctx context.Context) (int, error) {
	patients, err := s.store.ListPatients(ctx)
	if err != nil {
		return 0, fmt.Errorf("list patients: %w", err)
	}
	total := 0
	var errs []error
	for _, p := range patients {
		n, err := s.SyncPatient(ctx, p.ID)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ID, err))
		}
	}
	return total, errors.Join(errs...)
}

// AddCustom schedules a one-off reminder for the patient.
func (s *Scheduler) AddCustom(ctx context.Context, patientID, title, message string, at time.Time) (*model.ReminderJob, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("custom reminder needs a title")
	}
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	at = at.UTC()
	j := &model.ReminderJob{
		ID:         fmt.Sprintf("custom-%s-%d", patientID, at.Unix()),
		PatientID:  patientID,
		Kind:       model.JobCustom,
		Schedule:   model.OnceAt(at),
		Title:      title,
		Message:    message,
		NextFireAt: at,
		Enabled:    true,
	}
	if err := s.store.PutJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}
