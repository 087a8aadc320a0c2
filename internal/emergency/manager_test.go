package emergency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/alert"
	"github.com/rcliao/care-companion/internal/classifier"
	"github.com/rcliao/care-companion/internal/events"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	reqs    []alert.Request
	outcome alert.Outcome
	block   chan struct{}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req alert.Request) (alert.DeliveryResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return alert.DeliveryResult{Deliveries: []alert.Delivery{{Outcome: alert.OutcomePending}}}, nil
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	outcome := f.outcome
	if outcome == "" {
		outcome = alert.OutcomeSent
	}
	return alert.DeliveryResult{Deliveries: []alert.Delivery{{Outcome: outcome}}}, nil
}

func (f *fakeDispatcher) requests() []alert.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alert.Request(nil), f.reqs...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	sheets    []events.SafetySheet
	escalated []string
	resolved  []string
}

func (r *recordingNotifier) PresentSafetySheet(_ context.Context, s events.SafetySheet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sheets = append(r.sheets, s)
	return nil
}

func (r *recordingNotifier) CaseEscalated(_ context.Context, c model.EmergencyCase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalated = append(r.escalated, c.ID)
	return nil
}

func (r *recordingNotifier) CaseResolved(_ context.Context, c model.EmergencyCase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, c.ID)
	return nil
}

func (r *recordingNotifier) sheetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sheets)
}

type fixture struct {
	store    *store.SQLiteStore
	dispatch *fakeDispatcher
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = s.PutPatient(context.Background(), store.PutPatientParams{ID: "p1", Name: "Ann"})
	require.NoError(t, err)
	return &fixture{store: s, dispatch: &fakeDispatcher{}, notifier: &recordingNotifier{}}
}

func (f *fixture) manager(t *testing.T, window time.Duration) *Manager {
	t.Helper()
	m := NewManager(f.store, f.dispatch, f.notifier,
		Options{Threshold: model.SeverityMedium, ActionWindow: window}, zap.NewNop(), nil)
	t.Cleanup(m.Close)
	return m
}

func (f *fixture) turn(t *testing.T, patientID, text string) model.ConversationTurn {
	t.Helper()
	turn, err := f.store.AppendTurn(context.Background(), store.AppendTurnParams{
		PatientID: patientID, Speaker: model.SpeakerPatient, Text: text,
	})
	require.NoError(t, err)
	return *turn
}

func severe(sev model.Severity, symptoms ...string) classifier.Result {
	return classifier.Result{Severity: sev, Symptoms: symptoms, Outcome: classifier.OutcomeOK}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.CaseState
		want     bool
	}{
		{model.StateIdle, model.StateDetected, true},
		{model.StateDetected, model.StateAwaitingPatientAction, true},
		{model.StateAwaitingPatientAction, model.StateEscalated, true},
		{model.StateAwaitingPatientAction, model.StateResolved, true},
		{model.StateEscalated, model.StateResolved, true},
		{model.StateResolved, model.StateIdle, true},
		{model.StateIdle, model.StateEscalated, false},
		{model.StateEscalated, model.StateAwaitingPatientAction, false},
		{model.StateResolved, model.StateEscalated, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestObserveBelowThresholdStaysIdle(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, time.Minute)
	ctx := context.Background()

	results := []classifier.Result{
		severe(model.SeverityNone),
		severe(model.SeverityLow, "knee pain"),
		classifier.Unknown(classifier.OutcomeMalformed, "not json"),
		classifier.Unknown(classifier.OutcomeTimeout, "deadline exceeded"),
	}
	for _, res := range results {
		obs, err := m.Observe(ctx, f.turn(t, "p1", "hello"), res)
		require.NoError(t, err)
		assert.Nil(t, obs.Case)
	}

	state, c := m.State("p1")
	assert.Equal(t, model.StateIdle, state)
	assert.Nil(t, c)
	open, err := f.store.ListOpenCases(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Zero(t, f.notifier.sheetCount())
}

func TestObserveOpensOneCase(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, 10*time.Minute)
	ctx := context.Background()

	first, err := m.Observe(ctx, f.turn(t, "p1", "my chest feels tight"), severe(model.SeverityMedium, "chest tightness"))
	require.NoError(t, err)
	require.True(t, first.Opened)
	assert.Equal(t, model.StateAwaitingPatientAction, first.Case.State)
	require.Equal(t, 1, f.notifier.sheetCount())
	sheet := f.notifier.sheets[0]
	assert.Equal(t, first.Case.ID, sheet.CaseID)
	assert.Equal(t, events.SheetSteps, sheet.Steps)
	assert.Len(t, sheet.Options, 2)

	second, err := m.Observe(ctx, f.turn(t, "p1", "now it is crushing chest pain"), severe(model.SeverityHigh, "chest pain"))
	require.NoError(t, err)
	assert.False(t, second.Opened)
	assert.True(t, second.Raised)
	assert.Equal(t, first.Case.ID, second.Case.ID)
	assert.Equal(t, model.SeverityHigh, second.Case.Severity)
	assert.Equal(t, []string{"chest tightness", "chest pain"}, second.Case.Symptoms)

	third, err := m.Observe(ctx, f.turn(t, "p1", "still tight"), severe(model.SeverityMedium))
	require.NoError(t, err)
	assert.False(t, third.Raised)
	assert.Equal(t, model.SeverityHigh, third.Case.Severity, "severity is never lowered")

	open, err := f.store.ListOpenCases(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	turns, err := f.store.CaseTurns(ctx, first.Case.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 3)
	assert.Equal(t, 1, f.notifier.sheetCount())
	assert.Empty(t, f.dispatch.requests())
}

func TestSelfResolveSendsNoAlert(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, time.Minute)
	ctx := context.Background()

	obs, err := m.Observe(ctx, f.turn(t, "p1", "I feel dizzy"), severe(model.SeverityMedium, "dizziness"))
	require.NoError(t, err)

	c, err := m.Respond(ctx, obs.Case.ID, model.ChoiceSelfResolve)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, c.State)
	assert.Equal(t, model.ResolutionSelfResolved, c.Resolution)
	m.Wait()

	assert.Empty(t, f.dispatch.requests())
	state, _ := m.State("p1")
	assert.Equal(t, model.StateIdle, state)

	_, err = m.Respond(ctx, obs.Case.ID, model.ChoiceContactCaregiver)
	assert.ErrorIs(t, err, ErrNoPendingAction)
	m.Wait()
	assert.Empty(t, f.dispatch.requests())
}

func TestRespondErrors(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, time.Minute)

	_, err := m.Respond(context.Background(), "missing", model.ChoiceSelfResolve)
	assert.ErrorIs(t, err, ErrCaseNotFound)
	_, err = m.Respond(context.Background(), "missing", "call 911")
	assert.ErrorIs(t, err, ErrInvalidChoice)
}

func TestTimeoutEscalatesOnce(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, 30*time.Millisecond)
	ctx := context.Background()

	obs, err := m.Observe(ctx, f.turn(t, "p1", "I fell and can't get up"), severe(model.SeverityHigh, "fall"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, err := f.store.GetCase(ctx, obs.Case.ID)
		return err == nil && c.State == model.StateResolved
	}, 2*time.Second, 10*time.Millisecond)
	m.Wait()

	c, err := f.store.GetCase(ctx, obs.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerTimeout, c.Trigger)
	assert.Equal(t, model.ResolutionCaregiverAlerted, c.Resolution)
	require.NotNil(t, c.EscalatedAt)

	reqs := f.dispatch.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.KindEmergency, reqs[0].Kind)
	assert.Equal(t, obs.Case.ID, reqs[0].SubjectID)
	assert.Contains(t, reqs[0].Body, "did not respond")

	_, err = m.Respond(ctx, obs.Case.ID, model.ChoiceContactCaregiver)
	assert.ErrorIs(t, err, ErrNoPendingAction)
	m.Wait()
	assert.Len(t, f.dispatch.requests(), 1)
}

func TestTimeoutRacingResponseAlertsOnce(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, time.Millisecond)
	ctx := context.Background()

	var caseIDs []string
	for i := 0; i < 20; i++ {
		obs, err := m.Observe(ctx, f.turn(t, "p1", "help"), severe(model.SeverityHigh))
		require.NoError(t, err)
		require.True(t, obs.Opened)
		caseIDs = append(caseIDs, obs.Case.ID)

		_, err = m.Respond(ctx, obs.Case.ID, model.ChoiceContactCaregiver)
		if err != nil {
			assert.ErrorIs(t, err, ErrNoPendingAction)
		}
		require.Eventually(t, func() bool {
			state, _ := m.State("p1")
			return state == model.StateIdle
		}, 2*time.Second, time.Millisecond)
		m.Wait()
	}

	perCase := map[string]int{}
	for _, r := range f.dispatch.requests() {
		perCase[r.SubjectID]++
	}
	for _, id := range caseIDs {
		assert.Equal(t, 1, perCase[id], "case %s", id)
	}
}

func TestDeliveryFailureStillResolves(t *testing.T) {
	f := newFixture(t)
	f.dispatch.outcome = alert.OutcomeFailed
	m := f.manager(t, time.Minute)
	ctx := context.Background()

	obs, err := m.Observe(ctx, f.turn(t, "p1", "I can't breathe"), severe(model.SeverityHigh, "shortness of breath"))
	require.NoError(t, err)
	c, err := m.Respond(ctx, obs.Case.ID, model.ChoiceContactCaregiver)
	require.NoError(t, err)
	assert.Equal(t, model.StateEscalated, c.State)
	m.Wait()

	stored, err := f.store.GetCase(ctx, obs.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, stored.State)
	assert.Equal(t, model.ResolutionAlertFailed, stored.Resolution)

	escalations, err := f.store.ListEscalations(ctx, "p1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, escalations)
	assert.Equal(t, model.EscalationCaseEscalated, escalations[0].Kind)
}

func TestChestPainScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.PutCaregiver(ctx, store.PutCaregiverParams{
		ID:       "cg1",
		Name:     "Beth",
		Channels: []model.ChannelAddress{{Channel: model.ChannelApp, Address: "cg1"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Assign(ctx, "cg1", "p1", "daughter"))

	d := alert.NewDispatcher(f.store, []alert.Channel{alert.NewAppChannel(f.store)},
		alert.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
		time.Hour, zap.NewNop(), nil)
	m := NewManager(f.store, d, f.notifier, Options{Threshold: model.SeverityMedium, ActionWindow: time.Minute}, zap.NewNop(), nil)
	t.Cleanup(m.Close)

	guard := classifier.NewGuard(classifier.NewRulesProvider(), time.Second, zap.NewNop(), nil)
	turn := f.turn(t, "p1", "I have crushing chest pain")
	res := guard.Classify(ctx, nil, turn)
	require.Equal(t, model.SeverityHigh, res.Severity)

	obs, err := m.Observe(ctx, turn, res)
	require.NoError(t, err)
	require.True(t, obs.Opened)
	require.Equal(t, 1, f.notifier.sheetCount())

	_, err = m.Respond(ctx, obs.Case.ID, model.ChoiceContactCaregiver)
	require.NoError(t, err)
	m.Wait()

	c, err := f.store.GetCase(ctx, obs.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, c.State)
	assert.Equal(t, model.ResolutionCaregiverAlerted, c.Resolution)

	alerts, err := f.store.ListAlerts(ctx, store.ListAlertsParams{PatientID: "p1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertSent, alerts[0].Status)
	assert.Equal(t, model.KindEmergency, alerts[0].Kind)

	inbox, err := f.store.ListInbox(ctx, "cg1", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Contains(t, inbox[0].Title, "Ann")
	assert.Contains(t, inbox[0].Body, "chest pain")
}

func TestTwoSevereTurnsBeforeResolutionAlertOnce(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, 10*time.Minute)
	ctx := context.Background()

	base := time.Now().UTC()
	m.now = func() time.Time { return base }
	first, err := m.Observe(ctx, f.turn(t, "p1", "chest pain"), severe(model.SeverityHigh, "chest pain"))
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(3 * time.Minute) }
	second, err := m.Observe(ctx, f.turn(t, "p1", "the chest pain is worse"), severe(model.SeverityHigh, "chest pain"))
	require.NoError(t, err)
	assert.Equal(t, first.Case.ID, second.Case.ID)

	_, err = m.Respond(ctx, first.Case.ID, model.ChoiceContactCaregiver)
	require.NoError(t, err)
	m.Wait()
	assert.Len(t, f.dispatch.requests(), 1)
}

func TestRecoverResumesOpenCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.PutPatient(ctx, store.PutPatientParams{ID: "p2", Name: "Bo"})
	require.NoError(t, err)

	first := f.manager(t, time.Hour)
	waiting, err := first.Observe(ctx, f.turn(t, "p1", "dizzy"), severe(model.SeverityMedium, "dizziness"))
	require.NoError(t, err)

	// A case whose window ran out while nothing was running.
	expiredTurn := f.turn(t, "p2", "I fell")
	_, created, err := f.store.OpenCase(ctx, store.OpenCaseParams{
		PatientID: "p2", TurnID: expiredTurn.ID, Severity: model.SeverityHigh,
		ActionDeadline: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	require.True(t, created)

	second := f.manager(t, time.Hour)
	require.NoError(t, second.Start(ctx))
	second.Wait()

	state, c := second.State("p1")
	assert.Equal(t, model.StateAwaitingPatientAction, state)
	assert.Equal(t, waiting.Case.ID, c.ID)

	state, _ = second.State("p2")
	assert.Equal(t, model.StateIdle, state)
	reqs := f.dispatch.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "p2", reqs[0].PatientID)

	_, err = second.Respond(ctx, waiting.Case.ID, model.ChoiceSelfResolve)
	require.NoError(t, err)
}

func TestInterruptedEscalationIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.dispatch.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	m := f.manager(t, time.Hour)
	require.NoError(t, m.Start(ctx))
	obs, err := m.Observe(ctx, f.turn(t, "p1", "chest pain"), severe(model.SeverityHigh))
	require.NoError(t, err)
	_, err = m.Respond(ctx, obs.Case.ID, model.ChoiceContactCaregiver)
	require.NoError(t, err)

	cancel()
	m.Wait()
	c, err := f.store.GetCase(context.Background(), obs.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateEscalated, c.State, "interrupted escalation stays open")

	f.dispatch.block = nil
	restarted := f.manager(t, time.Hour)
	require.NoError(t, restarted.Start(context.Background()))
	restarted.Wait()

	c, err = f.store.GetCase(context.Background(), obs.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, c.State)
	assert.Equal(t, model.ResolutionCaregiverAlerted, c.Resolution)
}

// flakyCaseStore fails the first n UpdateCase calls.
type flakyCaseStore struct {
	*store.SQLiteStore
	failures atomic.Int32
}

func (s *flakyCaseStore) UpdateCase(ctx context.Context, c *model.EmergencyCase) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return s.SQLiteStore.UpdateCase(ctx, c)
}

func (f *fixture) flakyManager(t *testing.T, window, retry time.Duration) *Manager {
	t.Helper()
	s := &flakyCaseStore{SQLiteStore: f.store}
	s.failures.Store(1)
	m := NewManager(s, f.dispatch, f.notifier,
		Options{Threshold: model.SeverityMedium, ActionWindow: window}, zap.NewNop(), nil)
	m.retry = retry
	t.Cleanup(m.Close)
	return m
}

func TestFailedSheetTransitionResumesOnNextTurn(t *testing.T) {
	f := newFixture(t)
	m := f.flakyManager(t, time.Minute, time.Hour)
	ctx := context.Background()

	obs, err := m.Observe(ctx, f.turn(t, "p1", "my chest hurts"), severe(model.SeverityHigh, "chest pain"))
	require.NoError(t, err)
	require.True(t, obs.Opened)
	state, _ := m.State("p1")
	assert.Equal(t, model.StateDetected, state)
	assert.Zero(t, f.notifier.sheetCount())

	_, err = m.Observe(ctx, f.turn(t, "p1", "it still hurts"), severe(model.SeverityHigh, "chest pain"))
	require.NoError(t, err)
	state, _ = m.State("p1")
	assert.Equal(t, model.StateAwaitingPatientAction, state)
	assert.Equal(t, 1, f.notifier.sheetCount())

	_, err = m.Respond(ctx, obs.Case.ID, model.ChoiceContactCaregiver)
	require.NoError(t, err)
	m.Wait()
	assert.Len(t, f.dispatch.requests(), 1)
}

func TestFailedSheetTransitionStillEscalatesOnSilence(t *testing.T) {
	f := newFixture(t)
	m := f.flakyManager(t, 50*time.Millisecond, time.Second)
	ctx := context.Background()

	obs, err := m.Observe(ctx, f.turn(t, "p1", "I can't breathe"), severe(model.SeverityHigh, "shortness of breath"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, err := f.store.GetCase(ctx, obs.Case.ID)
		return err == nil && c.State == model.StateResolved
	}, 2*time.Second, 10*time.Millisecond)
	m.Wait()

	c, err := f.store.GetCase(ctx, obs.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerTimeout, c.Trigger)
	assert.Equal(t, model.ResolutionCaregiverAlerted, c.Resolution)
	assert.Len(t, f.dispatch.requests(), 1)
}

func TestRespondResumesDetectedCase(t *testing.T) {
	f := newFixture(t)
	m := f.flakyManager(t, time.Minute, time.Hour)
	ctx := context.Background()

	obs, err := m.Observe(ctx, f.turn(t, "p1", "dizzy and fell"), severe(model.SeverityMedium, "fall"))
	require.NoError(t, err)

	c, err := m.Respond(ctx, obs.Case.ID, model.ChoiceSelfResolve)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, c.State)
	assert.Equal(t, model.ResolutionSelfResolved, c.Resolution)
	m.Wait()
	assert.Empty(t, f.dispatch.requests())
}
