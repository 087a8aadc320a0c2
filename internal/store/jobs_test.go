package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcliao/care-companion/internal/model"
)

func TestAdvanceJobCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	due := time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond)
	job := &model.ReminderJob{
		PatientID:  "p1",
		Kind:       model.JobCheckin,
		Schedule:   model.DailyAt("09:00"),
		Title:      "Morning check-in",
		NextFireAt: due,
		Enabled:    true,
	}
	if err := s.PutJob(ctx, job); err != nil {
		t.Fatalf("put job: %v", err)
	}

	jobs, err := s.DueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 due job, got %d", len(jobs))
	}

	next := due.Add(24 * time.Hour)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AdvanceJob(ctx, jobs[0].ID, jobs[0].NextFireAt, next, true)
			if err != nil {
				t.Errorf("advance: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("expected exactly one advance, got %d", wins.Load())
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.NextFireAt.Equal(next) {
		t.Errorf("next fire = %v, want %v", got.NextFireAt, next)
	}
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(due) {
		t.Errorf("last fired = %v, want %v", got.LastFiredAt, due)
	}
	if got.Schedule.Kind != model.ScheduleDaily || got.Schedule.At[0] != "09:00" {
		t.Errorf("schedule not round-tripped: %+v", got.Schedule)
	}

	if jobs, _ := s.DueJobs(ctx, time.Now(), 10); len(jobs) != 0 {
		t.Errorf("expected no due jobs after advance, got %d", len(jobs))
	}
}

func TestPutJobValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.PutJob(ctx, &model.ReminderJob{PatientID: "p1", Kind: "nap", Schedule: model.DailyAt("09:00")})
	if err == nil {
		t.Error("expected error for invalid kind")
	}
	err = s.PutJob(ctx, &model.ReminderJob{PatientID: "p1", Kind: model.JobCustom, Schedule: model.DailyAt("25:00")})
	if err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestUpcomingAndDeleteJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	soon := &model.ReminderJob{PatientID: "p1", Kind: model.JobCustom, Schedule: model.OnceAt(now.Add(time.Hour)),
		Title: "Doctor visit", NextFireAt: now.Add(time.Hour), Enabled: true}
	later := &model.ReminderJob{PatientID: "p1", Kind: model.JobCustom, Schedule: model.OnceAt(now.Add(72 * time.Hour)),
		Title: "Birthday", NextFireAt: now.Add(72 * time.Hour), Enabled: true}
	s.PutJob(ctx, soon)
	s.PutJob(ctx, later)

	upcoming, err := s.UpcomingJobs(ctx, "p1", now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].Title != "Doctor visit" {
		t.Errorf("unexpected upcoming %v", upcoming)
	}

	if err := s.DeleteJob(ctx, soon.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, _ := s.ListJobs(ctx, "p1")
	if len(all) != 1 {
		t.Errorf("expected 1 job left, got %d", len(all))
	}
	if err := s.DeleteJob(ctx, soon.ID); err == nil {
		t.Error("expected error deleting missing job")
	}
}
