// Package scheduler fires reminder jobs on a tick loop and routes them
// through the alert dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/aggregator"
	"github.com/rcliao/care-companion/internal/alert"
	"github.com/rcliao/care-companion/internal/metrics"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

// Store is the storage the scheduler needs.
type Store interface {
	store.JobStore
	store.PatientStore
	store.CareDataStore
	TurnsSince(ctx context.Context, patientID string, since time.Time) ([]model.ConversationTurn, error)
	ListPatients(ctx context.Context) ([]model.Patient, error)
	GetMedication(ctx context.Context, id string) (*model.Medication, error)
	ListMedications(ctx context.Context, patientID string, activeOnly bool) ([]model.Medication, error)
	AppendEscalation(ctx context.Context, e model.EscalationEntry) error
}

// ContextBuilder assembles patient context for reminder content.
type ContextBuilder interface {
	BuildContext(ctx context.Context, patientID string, maxTurns, maxChars int) (*aggregator.Context, error)
}

// Dispatcher delivers reminder and report alerts.
type Dispatcher interface {
	Dispatch(ctx context.Context, req alert.Request) (alert.DeliveryResult, error)
}

// Options configures a Scheduler.
type Options struct {
	Tick               time.Duration
	Location           *time.Location
	AdherenceThreshold float64
	AdherenceWindow    time.Duration
	Concurrency        int
	BatchSize          int
}

// DefaultOptions ticks every 30 seconds in local time.
func DefaultOptions() Options {
	return Options{
		Tick:               30 * time.Second,
		Location:           time.Local,
		AdherenceThreshold: 0.8,
		AdherenceWindow:    7 * 24 * time.Hour,
		Concurrency:        4,
		BatchSize:          100,
	}
}

// Scheduler evaluates due jobs on every tick. A job's next firing is
// committed before its alert is dispatched, so a crash in between loses at
// most that one delivery and two ticks never fire the same firing twice.
type Scheduler struct {
	store      Store
	contexts   ContextBuilder
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
	metrics    *metrics.Collector
	now        func() time.Time

	tickMu sync.Mutex
	sem    chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a scheduler. m may be nil.
func New(s Store, contexts ContextBuilder, d Dispatcher, opts Options, logger *zap.Logger, m *metrics.Collector) *Scheduler {
	def := DefaultOptions()
	if opts.Tick <= 0 {
		opts.Tick = def.Tick
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	if opts.AdherenceThreshold <= 0 {
		opts.AdherenceThreshold = def.AdherenceThreshold
	}
	if opts.AdherenceWindow <= 0 {
		opts.AdherenceWindow = def.AdherenceWindow
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	return &Scheduler{
		store:      s,
		contexts:   contexts,
		dispatcher: d,
		opts:       opts,
		logger:     logger.Named("scheduler"),
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
		sem:        make(chan struct{}, opts.Concurrency),
	}
}

// Start begins the tick loop. It returns immediately; calling it on a
// running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(runCtx)
	return nil
}

// Stop ends the tick loop, cancels in-flight deliveries and waits for them.
// Interrupted alerts stay pending and are re-driven on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		s.wg.Wait()
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("tick", s.opts.Tick))

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("tick", zap.Error(err))
	}
}

// Tick fires every job due now and returns how many firings it claimed.
// Deliveries continue in the background; Stop waits for them.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()
	due, err := s.store.DueJobs(ctx, now, s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due jobs: %w", err)
	}

	locations := map[string]*time.Location{}
	claimed := 0
	for _, j := range due {
		loc, ok := locations[j.PatientID]
		if !ok {
			loc = s.location(ctx, j.PatientID)
			locations[j.PatientID] = loc
		}

		firedAt := j.NextFireAt
		next, more := j.Schedule.Next(firedAt, now, loc)
		if !more {
			next = firedAt
		}
		advanced, err := s.store.AdvanceJob(ctx, j.ID, firedAt, next, more)
		if err != nil {
			s.logger.Error("advance job", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		if !advanced {
			s.metrics.JobFired(string(j.Kind), "skipped")
			s.logger.Debug("job already fired", zap.String("job_id", j.ID))
			continue
		}
		claimed++

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return claimed, ctx.Err()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.fire(ctx, j, firedAt)
		}()
	}
	return claimed, nil
}

func (s *Scheduler) location(ctx context.Context, patientID string) *time.Location {
	p, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return s.opts.Location
	}
	return p.Location(s.opts.Location)
}

// fire builds the job's alert and dispatches it, keyed by the firing it
// claimed so a re-triggered firing is suppressed.
func (s *Scheduler) fire(ctx context.Context, j model.ReminderJob, firedAt time.Time) {
	log := s.logger.With(
		zap.String("job_id", j.ID),
		zap.String("patient_id", j.PatientID),
		zap.String("kind", string(j.Kind)),
		zap.Time("fired_at", firedAt))

	req, err := s.request(ctx, j, firedAt)
	if errors.Is(err, errNothingToSend) {
		s.metrics.JobFired(string(j.Kind), "noop")
		log.Debug("nothing to send")
		return
	}
	if err != nil {
		s.metrics.JobFired(string(j.Kind), "error")
		log.Error("build reminder", zap.Error(err))
		// The firing is already committed; leave a record so it can be re-run.
		entry := model.EscalationEntry{
			Kind:      model.EscalationReminderFailed,
			PatientID: j.PatientID,
			SubjectID: j.ID,
			Detail: fmt.Sprintf("%s reminder %q due %s was not sent: %v",
				j.Kind, j.ID, firedAt.UTC().Format(time.RFC3339), err),
		}
		if err := s.store.AppendEscalation(context.WithoutCancel(ctx), entry); err != nil {
			log.Error("append escalation", zap.Error(err))
		}
		return
	}

	res, err := s.dispatcher.Dispatch(ctx, req)
	result := "failed"
	switch {
	case err != nil:
		result = "error"
		log.Error("dispatch reminder", zap.Error(err))
	case res.Delivered():
		result = "sent"
	case res.Pending() > 0:
		result = "pending"
	case res.Suppressed() > 0 && res.Failed() == 0:
		result = "suppressed"
	}
	s.metrics.JobFired(string(j.Kind), result)
	log.Info("reminder fired", zap.String("result", result))
}

// Wait blocks until dispatches started by earlier ticks have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
