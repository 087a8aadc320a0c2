package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/care-companion/internal/aggregator"
	"github.com/rcliao/care-companion/internal/alert"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

// errNothingToSend means a job fired but its condition did not hold.
var errNothingToSend = errors.New("nothing to send")

func (s *Scheduler) request(ctx context.Context, j model.ReminderJob, firedAt time.Time) (alert.Request, error) {
	req := alert.Request{
		Kind:      kindFor(j.Kind),
		SubjectID: j.ID,
		PatientID: j.PatientID,
		Bucket:    firedAt,
		Severity:  model.SeverityLow,
		Audience:  alert.AudiencePatient,
	}

	switch j.Kind {
	case model.JobMedication:
		return s.medicationReminder(ctx, j, req)
	case model.JobCheckin:
		return s.checkin(ctx, j, firedAt, req)
	case model.JobAdherence:
		return s.adherenceCheck(ctx, j, req)
	case model.JobWeeklyReport:
		return s.weeklyReport(ctx, j, req)
	case model.JobCustom:
		req.Title = j.Title
		req.Body = j.Message
		if req.Body == "" {
			req.Body = j.Title
		}
		return req, nil
	}
	return req, fmt.Errorf("unknown job kind %q", j.Kind)
}

func kindFor(k model.JobKind) model.AlertKind {
	switch k {
	case model.JobMedication:
		return model.KindMedication
	case model.JobCheckin:
		return model.KindCheckin
	case model.JobAdherence:
		return model.KindAdherence
	case model.JobWeeklyReport:
		return model.KindWeeklyReport
	}
	return model.KindCustom
}

func (s *Scheduler) patientName(ctx context.Context, patientID string) string {
	if p, err := s.store.GetPatient(ctx, patientID); err == nil && p.Name != "" {
		return p.Name
	}
	return "there"
}

func (s *Scheduler) medicationReminder(ctx context.Context, j model.ReminderJob, req alert.Request) (alert.Request, error) {
	med, err := s.store.GetMedication(ctx, j.MedicationID)
	if errors.Is(err, store.ErrNotFound) {
		return req, errNothingToSend
	}
	if err != nil {
		return req, fmt.Errorf("load medication: %w", err)
	}
	if !med.Active {
		return req, errNothingToSend
	}

	req.Title = "Time for " + med.Name
	req.Body = strings.TrimSpace(fmt.Sprintf("Hi %s, it's time to take your %s (%s). %s",
		s.patientName(ctx, j.PatientID), med.Name, med.Dosage, med.Instructions))
	return req, nil
}

// Check-in slots by local hour of the firing.
const (
	slotMorning   = "morning"
	slotAfternoon = "afternoon"
	slotEvening   = "evening"
)

func checkinSlot(t time.Time) string {
	switch h := t.Hour(); {
	case h < 12:
		return slotMorning
	case h < 17:
		return slotAfternoon
	default:
		return slotEvening
	}
}

func checkinPrompt(slot, name string, hasMeds bool) string {
	switch slot {
	case slotAfternoon:
		return fmt.Sprintf("Good afternoon, %s! How has your day been so far? Are you feeling alright?", name)
	case slotEvening:
		msg := fmt.Sprintf("Good evening, %s! How was your day?", name)
		if hasMeds {
			msg += " Did you remember to take all your medications today?"
		}
		return msg
	default:
		msg := fmt.Sprintf("Good morning, %s! I hope you slept well. How are you feeling this morning?", name)
		if hasMeds {
			msg += " Did you take your morning medications?"
		}
		return msg
	}
}

func (s *Scheduler) checkin(ctx context.Context, j model.ReminderJob, firedAt time.Time, req alert.Request) (alert.Request, error) {
	c, err := s.contexts.BuildContext(ctx, j.PatientID, 1, 0)
	if err != nil {
		return req, err
	}
	loc := c.Patient.Location(s.opts.Location)
	slot := checkinSlot(firedAt.In(loc))
	name := c.Patient.Name

	var b strings.Builder
	b.WriteString(checkinPrompt(slot, name, len(c.Medications.Items) > 0))
	today := firedAt.In(loc)
	for _, e := range c.Events.Items {
		d := e.EventDate.In(loc)
		if d.Year() == today.Year() && d.YearDay() == today.YearDay() {
			fmt.Fprintf(&b, " Don't forget: %s today.", e.Title)
			break
		}
	}

	req.Title = j.Title
	if req.Title == "" {
		req.Title = strings.ToUpper(slot[:1]) + slot[1:] + " check-in"
	}
	req.Body = b.String()
	return req, nil
}

// adherenceStats totals dose adherence over the context's medications.
func adherenceStats(c *aggregator.Context) (taken, total int, rate float64) {
	for _, m := range c.Medications.Items {
		taken += m.Adherence.Taken
		total += m.Adherence.Total
	}
	rate = 1
	if total > 0 {
		rate = float64(taken) / float64(total)
	}
	return taken, total, rate
}

// adherenceCheck alerts caregivers when adherence drops under the
// threshold or doses were missed in the recent window.
func (s *Scheduler) adherenceCheck(ctx context.Context, j model.ReminderJob, req alert.Request) (alert.Request, error) {
	c, err := s.contexts.BuildContext(ctx, j.PatientID, 1, 0)
	if err != nil {
		return req, err
	}
	if c.Medications.Status == aggregator.StatusUnavailable {
		return req, fmt.Errorf("medications unavailable: %s", c.Medications.Err)
	}
	missed, err := s.store.MissedDosesSince(ctx, j.PatientID, s.now().Add(-store.RecentMissWindow))
	if err != nil {
		return req, fmt.Errorf("load missed doses: %w", err)
	}

	_, total, rate := adherenceStats(c)
	if (total == 0 || rate >= s.opts.AdherenceThreshold) && len(missed) == 0 {
		return req, errNothingToSend
	}

	desc := fmt.Sprintf("Medication adherence concern for %s: %.1f%% adherence rate", c.Patient.Name, rate*100)
	if len(missed) > 0 {
		desc += fmt.Sprintf(", %d missed dose(s) in the last %s", len(missed), formatWindow(store.RecentMissWindow))
	}
	req.Audience = alert.AudienceCaregivers
	req.Severity = model.SeverityMedium
	if len(missed) > 1 {
		req.Severity = model.SeverityHigh
	}
	req.Title = "Medication adherence alert: " + c.Patient.Name
	req.Body = desc
	return req, nil
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
	return d.String()
}

// moodTrend buckets an average sentiment.
func moodTrend(avg float64) string {
	switch {
	case avg > 0.2:
		return "Positive"
	case avg > -0.2:
		return "Neutral"
	default:
		return "Concerning"
	}
}

func (s *Scheduler) weeklyReport(ctx context.Context, j model.ReminderJob, req alert.Request) (alert.Request, error) {
	c, err := s.contexts.BuildContext(ctx, j.PatientID, 1, 0)
	if err != nil {
		return req, err
	}
	turns, err := s.store.TurnsSince(ctx, j.PatientID, s.now().Add(-7*24*time.Hour))
	if err != nil {
		return req, fmt.Errorf("load turns: %w", err)
	}

	var sum float64
	var scored, conversations int
	for _, t := range turns {
		if t.Speaker != model.SpeakerPatient {
			continue
		}
		conversations++
		if t.Sentiment != nil {
			sum += *t.Sentiment
			scored++
		}
	}
	avg := 0.0
	if scored > 0 {
		avg = sum / float64(scored)
	}
	taken, total, rate := adherenceStats(c)

	var b strings.Builder
	fmt.Fprintf(&b, "Weekly report for %s\n\n", c.Patient.Name)
	b.WriteString("Medication adherence:\n")
	if c.Medications.Status == aggregator.StatusUnavailable {
		b.WriteString("- unavailable\n")
	} else {
		fmt.Fprintf(&b, "- Total doses: %d\n- Doses taken: %d\n- Adherence rate: %.1f%%\n", total, taken, rate*100)
	}
	b.WriteString("\nMood and wellbeing:\n")
	fmt.Fprintf(&b, "- Average mood: %.2f (scale -1 to 1)\n", avg)
	fmt.Fprintf(&b, "- Patient messages: %d\n", conversations)
	fmt.Fprintf(&b, "- Mood trend: %s\n", moodTrend(avg))
	b.WriteString("\nRecommendations:\n")
	for _, r := range recommendations(rate, total, avg) {
		fmt.Fprintf(&b, "- %s\n", r)
	}

	req.Audience = alert.AudienceCaregivers
	req.Title = "Weekly report: " + c.Patient.Name
	req.Body = strings.TrimRight(b.String(), "\n")
	return req, nil
}

func recommendations(rate float64, total int, avgMood float64) []string {
	var recs []string
	if total > 0 && rate < 0.9 {
		recs = append(recs, "Consider improving the medication reminder routine")
	}
	if avgMood < -0.3 {
		recs = append(recs, "Monitor mood closely and consider a professional consultation")
	}
	if len(recs) == 0 {
		recs = append(recs, "Continue the current care routine, all metrics look good")
	}
	return recs
}
