package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/care-companion/internal/model"
)

func TestOpenCaseAtMostOnePerPatient(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	turn := mustTurn(t, s, "p1", "I can't breathe", time.Time{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := map[string]bool{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, ok, err := s.OpenCase(ctx, OpenCaseParams{
				PatientID: "p1", TurnID: turn.ID, Severity: model.SeverityHigh,
				ActionDeadline: time.Now().Add(time.Minute),
			})
			if err != nil {
				t.Errorf("open case: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[c.ID] = true
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly 1 created case, got %d", created)
	}
	if len(ids) != 1 {
		t.Errorf("expected every caller to see the same case, got %d ids", len(ids))
	}

	open, err := s.ListOpenCases(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open case, got %d", len(open))
	}

	linked, err := s.CaseTurns(ctx, open[0].ID)
	if err != nil {
		t.Fatalf("case turns: %v", err)
	}
	if len(linked) != 1 || linked[0] != turn.ID {
		t.Errorf("expected trigger turn linked, got %v", linked)
	}
}

func TestResolvedCaseAllowsNewCase(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	turn := mustTurn(t, s, "p1", "dizzy", time.Time{})

	c, _, err := s.OpenCase(ctx, OpenCaseParams{
		PatientID: "p1", TurnID: turn.ID, Severity: model.SeverityMedium,
		ActionDeadline: time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Now()
	c.State = model.StateResolved
	c.ResolvedAt = &now
	c.Resolution = model.ResolutionSelfResolved
	if err := s.UpdateCase(ctx, c); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := s.GetOpenCase(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no open case, got %v", err)
	}

	c2, created, err := s.OpenCase(ctx, OpenCaseParams{
		PatientID: "p1", TurnID: turn.ID, Severity: model.SeverityHigh,
		ActionDeadline: time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !created || c2.ID == c.ID {
		t.Error("expected a new case after resolution")
	}

	got, err := s.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Resolution != model.ResolutionSelfResolved || got.Open() {
		t.Errorf("resolved case not persisted: %+v", got)
	}
}
