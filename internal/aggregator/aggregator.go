// Package aggregator assembles a bounded view of a patient's recent
// conversation and care data for classification and reminders.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/model"
)

// ErrDataUnavailable means the patient could not be resolved, so no context exists.
var ErrDataUnavailable = errors.New("patient data unavailable")

// minExcerpt is the smallest remaining budget worth spending on a partial turn.
const minExcerpt = 100

type PatientSource interface {
	GetPatient(ctx context.Context, id string) (*model.Patient, error)
}

type TurnSource interface {
	RecentTurns(ctx context.Context, patientID string, n int) ([]model.ConversationTurn, error)
}

type MedicationSource interface {
	ActiveMedications(ctx context.Context, patientID string, adherenceSince time.Time) ([]model.MedicationState, error)
}

type ReminderSource interface {
	UpcomingJobs(ctx context.Context, patientID string, until time.Time) ([]model.ReminderJob, error)
}

type EventSource interface {
	EventsBetween(ctx context.Context, patientID string, from, to time.Time) ([]model.PersonalEvent, error)
}

// Sources wires the aggregator to its inputs. Patients and Turns are
// required; a nil optional source yields an unavailable section.
type Sources struct {
	Patients    PatientSource
	Turns       TurnSource
	Medications MedicationSource
	Reminders   ReminderSource
	Events      EventSource
}

// Options bounds what goes into a context.
type Options struct {
	MaxTurns        int
	MaxChars        int
	ReminderHorizon time.Duration
	EventLookback   time.Duration
	EventLookahead  time.Duration
	AdherenceWindow time.Duration
}

// DefaultOptions returns the default bounds.
func DefaultOptions() Options {
	return Options{
		MaxTurns:        20,
		MaxChars:        6000,
		ReminderHorizon: 4 * time.Hour,
		EventLookback:   30 * 24 * time.Hour,
		EventLookahead:  7 * 24 * time.Hour,
		AdherenceWindow: 7 * 24 * time.Hour,
	}
}

// Aggregator builds Context values. It is safe for concurrent use.
type Aggregator struct {
	src    Sources
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates an aggregator.
func New(src Sources, opts Options, logger *zap.Logger) *Aggregator {
	def := DefaultOptions()
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = def.MaxTurns
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = def.MaxChars
	}
	if opts.ReminderHorizon <= 0 {
		opts.ReminderHorizon = def.ReminderHorizon
	}
	if opts.AdherenceWindow <= 0 {
		opts.AdherenceWindow = def.AdherenceWindow
	}
	return &Aggregator{src: src, opts: opts, logger: logger.Named("aggregator"), now: time.Now}
}

// BuildContext assembles context for a patient. maxTurns and maxChars of
// zero use the configured defaults. Only an unresolvable patient is an
// error; every other missing input becomes an empty or unavailable section.
func (a *Aggregator) BuildContext(ctx context.Context, patientID string, maxTurns, maxChars int) (*Context, error) {
	if maxTurns <= 0 {
		maxTurns = a.opts.MaxTurns
	}
	if maxChars <= 0 {
		maxChars = a.opts.MaxChars
	}

	patient, err := a.src.Patients.GetPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDataUnavailable, patientID, err)
	}

	now := a.now()
	c := &Context{
		Patient:     *patient,
		GeneratedAt: now,
		CharBudget:  maxChars,
	}

	turns, err := a.src.Turns.RecentTurns(ctx, patientID, maxTurns)
	if err != nil {
		a.logger.Warn("turns unavailable", zap.String("patient_id", patientID), zap.Error(err))
		c.Turns = unavailable[ContextTurn](err)
	} else {
		packed, used := pack(turns, maxChars)
		c.Turns = sectionOf(packed, nil)
		c.CharsUsed = used
	}

	if a.src.Medications == nil {
		c.Medications = unavailable[model.MedicationState](errNotConfigured)
	} else {
		meds, err := a.src.Medications.ActiveMedications(ctx, patientID, now.Add(-a.opts.AdherenceWindow))
		c.Medications = collect(a, "medications", patientID, meds, err)
	}

	if a.src.Reminders == nil {
		c.Reminders = unavailable[model.ReminderJob](errNotConfigured)
	} else {
		jobs, err := a.src.Reminders.UpcomingJobs(ctx, patientID, now.Add(a.opts.ReminderHorizon))
		c.Reminders = collect(a, "reminders", patientID, jobs, err)
	}

	if a.src.Events == nil {
		c.Events = unavailable[model.PersonalEvent](errNotConfigured)
	} else {
		events, err := a.src.Events.EventsBetween(ctx, patientID,
			now.Add(-a.opts.EventLookback), now.Add(a.opts.EventLookahead))
		c.Events = collect(a, "events", patientID, events, err)
	}

	return c, nil
}

var errNotConfigured = errors.New("source not configured")

func collect[T any](a *Aggregator, name, patientID string, items []T, err error) Section[T] {
	if err != nil {
		a.logger.Warn("context section unavailable",
			zap.String("section", name), zap.String("patient_id", patientID), zap.Error(err))
		return unavailable[T](err)
	}
	return sectionOf(items, nil)
}

// pack admits turns newest-first while they fit in budget chars. The oldest
// admitted turn may be excerpted. The result is in chronological order.
func pack(newestFirst []model.ConversationTurn, budget int) ([]ContextTurn, int) {
	var out []ContextTurn
	used := 0

	for _, t := range newestFirst {
		n := len(t.Text)
		if used+n <= budget {
			out = append(out, ContextTurn{ConversationTurn: t})
			used += n
			continue
		}
		if remaining := budget - used; remaining >= minExcerpt {
			t.Text = truncate(t.Text, remaining) + "..."
			out = append(out, ContextTurn{ConversationTurn: t, Excerpt: true})
			used += remaining
		}
		break
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, used
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
