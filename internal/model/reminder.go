package model

import (
	"fmt"
	"sort"
	"time"
)

// JobKind identifies what a reminder job produces when it fires.
type JobKind string

const (
	JobMedication   JobKind = "medication"
	JobCheckin      JobKind = "checkin"
	JobAdherence    JobKind = "adherence"
	JobWeeklyReport JobKind = "weekly_report"
	JobCustom       JobKind = "custom"
)

// ValidJobKinds are the allowed reminder job kinds.
var ValidJobKinds = map[JobKind]bool{
	JobMedication:   true,
	JobCheckin:      true,
	JobAdherence:    true,
	JobWeeklyReport: true,
	JobCustom:       true,
}

// ScheduleKind selects the variant of a Schedule.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleOnce     ScheduleKind = "once"
)

// Schedule describes when a job fires. Only the fields of Kind are used.
type Schedule struct {
	Kind     ScheduleKind   `json:"kind"`
	Every    time.Duration  `json:"every,omitempty"`
	At       []string       `json:"at,omitempty"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	When     *time.Time     `json:"when,omitempty"`
}

// Every returns an interval schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: ScheduleInterval, Every: d}
}

// DailyAt returns a schedule firing at each "HH:MM" clock time.
func DailyAt(at ...string) Schedule {
	return Schedule{Kind: ScheduleDaily, At: at}
}

// WeeklyAt returns a daily schedule restricted to one weekday.
func WeeklyAt(day time.Weekday, at string) Schedule {
	return Schedule{Kind: ScheduleDaily, At: []string{at}, Weekdays: []time.Weekday{day}}
}

// OnceAt returns a one-shot schedule.
func OnceAt(t time.Time) Schedule {
	return Schedule{Kind: ScheduleOnce, When: &t}
}

// Validate checks that the fields required by Kind are present.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleInterval:
		if s.Every < time.Minute {
			return fmt.Errorf("interval schedule needs every >= 1m, got %s", s.Every)
		}
	case ScheduleDaily:
		if len(s.At) == 0 {
			return fmt.Errorf("daily schedule needs at least one time")
		}
		for _, at := range s.At {
			if _, _, err := ParseClock(at); err != nil {
				return err
			}
		}
	case ScheduleOnce:
		if s.When == nil {
			return fmt.Errorf("once schedule needs a time")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// First returns the first firing for a newly registered job.
// A once schedule in the past is due immediately.
func (s Schedule) First(now time.Time, loc *time.Location) (time.Time, bool) {
	switch s.Kind {
	case ScheduleInterval:
		return now.Add(s.Every), true
	case ScheduleDaily:
		return s.nextDaily(now, loc)
	case ScheduleOnce:
		return *s.When, true
	}
	return time.Time{}, false
}

// Next returns the firing after fired that is strictly later than now.
// Firings missed while the process was down are coalesced into one.
// ok is false when the schedule is exhausted.
func (s Schedule) Next(fired, now time.Time, loc *time.Location) (time.Time, bool) {
	switch s.Kind {
	case ScheduleInterval:
		next := fired.Add(s.Every)
		if !next.After(now) {
			skipped := now.Sub(fired) / s.Every
			next = fired.Add((skipped + 1) * s.Every)
		}
		return next, true
	case ScheduleDaily:
		after := now
		if fired.After(after) {
			after = fired
		}
		return s.nextDaily(after, loc)
	}
	return time.Time{}, false
}

func (s Schedule) nextDaily(after time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)

	type clock struct{ h, m int }
	var clocks []clock
	for _, at := range s.At {
		h, m, err := ParseClock(at)
		if err != nil {
			continue
		}
		clocks = append(clocks, clock{h, m})
	}
	if len(clocks) == 0 {
		return time.Time{}, false
	}
	sort.Slice(clocks, func(i, j int) bool {
		if clocks[i].h != clocks[j].h {
			return clocks[i].h < clocks[j].h
		}
		return clocks[i].m < clocks[j].m
	})

	for d := 0; d <= 7; d++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+d, 0, 0, 0, 0, loc)
		if !s.allowsWeekday(day.Weekday()) {
			continue
		}
		for _, c := range clocks {
			t := time.Date(day.Year(), day.Month(), day.Day(), c.h, c.m, 0, 0, loc)
			if t.After(after) {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func (s Schedule) allowsWeekday(wd time.Weekday) bool {
	if len(s.Weekdays) == 0 {
		return true
	}
	for _, w := range s.Weekdays {
		if w == wd {
			return true
		}
	}
	return false
}

// ParseClock parses an "HH:MM" wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (use HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ReminderJob is a recurring or one-off task owned by the scheduler.
type ReminderJob struct {
	ID           string     `json:"id"`
	PatientID    string     `json:"patient_id"`
	Kind         JobKind    `json:"kind"`
	Schedule     Schedule   `json:"schedule"`
	Title        string     `json:"title"`
	Message      string     `json:"message,omitempty"`
	MedicationID string     `json:"medication_id,omitempty"`
	NextFireAt   time.Time  `json:"next_fire_at"`
	LastFiredAt  *time.Time `json:"last_fired_at,omitempty"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
}
