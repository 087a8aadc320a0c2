package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/aggregator"
	"github.com/rcliao/care-companion/internal/alert"
	"github.com/rcliao/care-companion/internal/classifier"
	"github.com/rcliao/care-companion/internal/emergency"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

// recordingClassifier records the order turns are classified in.
type recordingClassifier struct {
	mu    sync.Mutex
	seen  map[string][]string
	hook  func(turn model.ConversationTurn)
	delay time.Duration
}

func (r *recordingClassifier) Classify(_ context.Context, _ *aggregator.Context, turn model.ConversationTurn) classifier.Result {
	if r.hook != nil {
		r.hook(turn)
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string][]string{}
	}
	r.seen[turn.PatientID] = append(r.seen[turn.PatientID], turn.Text)
	return classifier.Result{Severity: model.SeverityNone, Outcome: classifier.OutcomeOK}
}

func (r *recordingClassifier) texts(patientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen[patientID]...)
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, model.ConversationTurn, classifier.Result) (emergency.Observation, error) {
	return emergency.Observation{}, nil
}

func newTestStore(t *testing.T, patients ...string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for _, id := range patients {
		_, err := s.PutPatient(context.Background(), store.PutPatientParams{ID: id, Name: "Patient " + id})
		require.NoError(t, err)
	}
	return s
}

func newAggregator(s *store.SQLiteStore) *aggregator.Aggregator {
	return aggregator.New(aggregator.Sources{
		Patients: s, Turns: s, Medications: s, Reminders: s, Events: s,
	}, aggregator.DefaultOptions(), zap.NewNop())
}

func newPipeline(t *testing.T, s *store.SQLiteStore, c Classifier, o Observer, opts Options) *Pipeline {
	t.Helper()
	p := New(s, newAggregator(s), c, o, opts, zap.NewNop(), nil)
	t.Cleanup(p.Close)
	return p
}

func wait(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestSubmitPreservesOrderPerPatient(t *testing.T) {
	s := newTestStore(t, "p1")
	c := &recordingClassifier{delay: time.Millisecond}
	p := newPipeline(t, s, c, nopObserver{}, Options{Workers: 4, QueueSize: 64})
	p.Start(context.Background())

	var results []<-chan Result
	var want []string
	for i := range 20 {
		text := fmt.Sprintf("message %02d", i)
		want = append(want, text)
		_, ch, err := p.Submit(context.Background(), Turn{PatientID: "p1", Speaker: model.SpeakerPatient, Text: text})
		require.NoError(t, err)
		results = append(results, ch)
	}
	for _, ch := range results {
		r := wait(t, ch)
		require.NoError(t, r.Err)
		assert.True(t, r.Classified)
	}
	assert.Equal(t, want, c.texts("p1"))

	turns, err := s.RecentTurns(context.Background(), "p1", 50)
	require.NoError(t, err)
	require.Len(t, turns, 20)
	for _, turn := range turns {
		assert.True(t, turn.Classified(), turn.Text)
	}
}

func TestPatientsProceedIndependently(t *testing.T) {
	s := newTestStore(t, "p1", "p2")
	release := make(chan struct{})
	c := &recordingClassifier{hook: func(turn model.ConversationTurn) {
		if turn.PatientID == "p1" {
			<-release
		}
	}}
	p := newPipeline(t, s, c, nopObserver{}, Options{Workers: 2, QueueSize: 8})
	p.Start(context.Background())
	defer close(release)

	_, slow, err := p.Submit(context.Background(), Turn{PatientID: "p1", Speaker: model.SpeakerPatient, Text: "first"})
	require.NoError(t, err)
	_, fast, err := p.Submit(context.Background(), Turn{PatientID: "p2", Speaker: model.SpeakerPatient, Text: "hello"})
	require.NoError(t, err)

	r := wait(t, fast)
	require.NoError(t, r.Err)
	assert.Equal(t, []string{"hello"}, c.texts("p2"))
	select {
	case <-slow:
		t.Fatal("p1 finished while its classification was blocked")
	default:
	}
}

func TestSubmitQueueFull(t *testing.T) {
	s := newTestStore(t, "p1")
	p := newPipeline(t, s, &recordingClassifier{}, nopObserver{}, Options{Workers: 1, QueueSize: 2})

	var queued []<-chan Result
	for i := range 2 {
		_, ch, err := p.Submit(context.Background(), Turn{PatientID: "p1", Speaker: model.SpeakerPatient, Text: fmt.Sprint(i)})
		require.NoError(t, err)
		queued = append(queued, ch)
	}
	_, _, err := p.Submit(context.Background(), Turn{PatientID: "p1", Speaker: model.SpeakerPatient, Text: "overflow"})
	assert.ErrorIs(t, err, ErrQueueFull)

	p.Close()
	for _, ch := range queued {
		assert.ErrorIs(t, wait(t, ch).Err, ErrClosed)
	}
	_, _, err = p.Submit(context.Background(), Turn{PatientID: "p1", Speaker: model.SpeakerPatient, Text: "late"})
	assert.ErrorIs(t, err, ErrClosed)

	// Queued turns were stored even though they were never classified.
	turns, err := s.RecentTurns(context.Background(), "p1", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestSubmitRejectsInvalidTurns(t *testing.T) {
	s := newTestStore(t, "p1")
	p := newPipeline(t, s, &recordingClassifier{}, nopObserver{}, Options{})

	tests := []Turn{
		{Speaker: model.SpeakerPatient, Text: "hi"},
		{PatientID: "p1", Speaker: "nurse", Text: "hi"},
		{PatientID: "p1", Speaker: model.SpeakerPatient, Text: "   "},
	}
	for _, tt := range tests {
		_, _, err := p.Submit(context.Background(), tt)
		assert.Error(t, err)
	}
}

func TestPanicAffectsOnlyOneTurn(t *testing.T) {
	s := newTestStore(t, "p1")
	c := &recordingClassifier{hook: func(turn model.ConversationTurn) {
		if turn.Text == "boom" {
			panic("classifier exploded")
		}
	}}
	p := newPipeline(t, s, c, nopObserver{}, Options{Workers: 1, QueueSize: 8})
	p.Start(context.Background())

	_, bad, err := p.Submit(context.Background(), Turn{PatientID: "p1", Speaker: model.SpeakerPatient, Text: "boom"})
	require.NoError(t, err)
	_, good, err := p.Submit(context.Background(), Turn{PatientID: "p1", Speaker: model.SpeakerPatient, Text: "fine"})
	require.NoError(t, err)

	r := wait(t, bad)
	assert.ErrorContains(t, r.Err, "classifier exploded")
	r = wait(t, good)
	assert.NoError(t, r.Err)
	assert.Equal(t, []string{"fine"}, c.texts("p1"))
}

func TestAgentTurnsAreStoredOnly(t *testing.T) {
	s := newTestStore(t, "p1")
	c := &recordingClassifier{}
	p := newPipeline(t, s, c, nopObserver{}, Options{})

	r, err := p.ProcessSync(context.Background(), Turn{PatientID: "p1", Speaker: model.SpeakerAgent, Text: "How are you feeling?"})
	require.NoError(t, err)
	assert.False(t, r.Classified)
	assert.Empty(t, c.texts("p1"))
	assert.NotEmpty(t, r.Turn.ID)
}

func TestUnknownPatientIsStoredUnclassified(t *testing.T) {
	s := newTestStore(t)
	c := &recordingClassifier{}
	p := newPipeline(t, s, c, nopObserver{}, Options{})

	r, err := p.ProcessSync(context.Background(), Turn{PatientID: "ghost", Speaker: model.SpeakerPatient, Text: "hello"})
	require.NoError(t, err)
	assert.False(t, r.Classified)
	assert.Empty(t, c.texts("ghost"))

	turns, err := s.RecentTurns(context.Background(), "ghost", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.False(t, turns[0].Classified())
}

func TestChestPainOpensCase(t *testing.T) {
	s := newTestStore(t, "p1")
	ctx := context.Background()
	d := alert.NewDispatcher(s, []alert.Channel{alert.NewAppChannel(s)},
		alert.RetryPolicy{MaxAttempts: 1, Base: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
		time.Hour, zap.NewNop(), nil)
	m := emergency.NewManager(s, d, nil, emergency.DefaultOptions(), zap.NewNop(), nil)
	t.Cleanup(m.Close)
	guard := classifier.NewGuard(classifier.NewRulesProvider(), time.Second, zap.NewNop(), nil)
	p := newPipeline(t, s, guard, m, Options{})

	r, err := p.ProcessSync(ctx, Turn{PatientID: "p1", Speaker: model.SpeakerPatient, Text: "I have crushing chest pain"})
	require.NoError(t, err)
	require.NotNil(t, r.Score)
	assert.Equal(t, model.SeverityHigh, r.Score.Severity)
	assert.True(t, r.Observation.Opened)

	state, c := m.State("p1")
	assert.Equal(t, model.StateAwaitingPatientAction, state)
	require.NotNil(t, c)

	turn, err := s.GetTurn(ctx, r.Turn.ID)
	require.NoError(t, err)
	assert.True(t, turn.Classified())
	assert.Equal(t, model.SeverityHigh, turn.Severity)

	// A calm follow-up neither opens a second case nor lowers severity.
	r, err = p.ProcessSync(ctx, Turn{PatientID: "p1", Speaker: model.SpeakerPatient, Text: "it is a little better now"})
	require.NoError(t, err)
	assert.False(t, r.Observation.Opened)
	cases, err := s.ListCases(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, model.SeverityHigh, cases[0].Severity)
}
