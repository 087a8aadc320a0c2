package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/aggregator"
	"github.com/rcliao/care-companion/internal/alert"
	"github.com/rcliao/care-companion/internal/classifier"
	"github.com/rcliao/care-companion/internal/emergency"
	"github.com/rcliao/care-companion/internal/events"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/pipeline"
	"github.com/rcliao/care-companion/internal/store"
)

type testServer struct {
	handler http.Handler
	store   *store.SQLiteStore
	events  *events.Broadcaster
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for _, id := range []string{"p1", "p2"} {
		_, err := s.PutPatient(context.Background(), store.PutPatientParams{ID: id, Name: "Patient " + id})
		require.NoError(t, err)
	}

	logger := zap.NewNop()
	b := events.NewBroadcaster(logger)
	agg := aggregator.New(aggregator.Sources{
		Patients: s, Turns: s, Medications: s, Reminders: s, Events: s,
	}, aggregator.DefaultOptions(), logger)
	d := alert.NewDispatcher(s, []alert.Channel{alert.NewAppChannel(s)},
		alert.RetryPolicy{MaxAttempts: 1, Base: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
		time.Hour, logger, nil)
	m := emergency.NewManager(s, d, events.SinkNotifier{Sink: b}, emergency.DefaultOptions(), logger, nil)
	t.Cleanup(m.Close)
	guard := classifier.NewGuard(classifier.NewRulesProvider(), time.Second, logger, nil)
	p := pipeline.New(s, agg, guard, m, pipeline.Options{Workers: 2, QueueSize: 16}, logger, nil)
	p.Start(context.Background())
	t.Cleanup(p.Close)

	h := NewRouter(Deps{Turns: p, Cases: m, Contexts: agg, Store: s, Events: b}, logger)
	return &testServer{handler: h, store: s, events: b}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestPostTurnValidation(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing speaker", map[string]string{"text": "hi"}, "speaker is required"},
		{"bad speaker", map[string]string{"speaker": "nurse", "text": "hi"}, "speaker must be one of"},
		{"missing text", map[string]string{"speaker": "patient"}, "text is required"},
		{"unknown field", map[string]string{"speaker": "patient", "text": "hi", "mood": "x"}, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/patients/p1/turns", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeBody[map[string]string](t, rec)["error"], tt.want)
		})
	}
}

func TestPostTurnQueues(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/patients/p1/turns", map[string]string{"speaker": "patient", "text": "good morning"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	turn := decodeBody[model.ConversationTurn](t, rec)
	assert.NotEmpty(t, turn.ID)

	require.Eventually(t, func() bool {
		stored, err := ts.store.GetTurn(context.Background(), turn.ID)
		return err == nil && stored.Classified()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmergencyRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/patients/p1/turns?wait=true",
		map[string]string{"speaker": "patient", "text": "I have crushing chest pain"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[pipeline.Result](t, rec)
	require.True(t, res.Observation.Opened)
	require.NotNil(t, res.Observation.Case)
	caseID := res.Observation.Case.ID

	rec = ts.do(t, http.MethodGet, "/v1/patients/p1/case", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	c := decodeBody[model.EmergencyCase](t, rec)
	assert.Equal(t, caseID, c.ID)
	assert.Equal(t, model.StateAwaitingPatientAction, c.State)

	rec = ts.do(t, http.MethodPost, "/v1/cases/"+caseID+"/response", map[string]string{"choice": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/cases/"+caseID+"/response", map[string]string{"choice": "self_resolve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c = decodeBody[model.EmergencyCase](t, rec)
	assert.Equal(t, model.StateResolved, c.State)
	assert.Equal(t, model.ResolutionSelfResolved, c.Resolution)

	rec = ts.do(t, http.MethodPost, "/v1/cases/"+caseID+"/response", map[string]string{"choice": "contact_caregiver"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/cases/nope/response", map[string]string{"choice": "self_resolve"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodGet, "/v1/patients/p1/case", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/alerts?patient=p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[map[string][]model.Alert](t, rec)["alerts"])
}

func TestGetContext(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/patients/p1/turns?wait=true", map[string]string{"speaker": "patient", "text": "feeling fine"})

	rec := ts.do(t, http.MethodGet, "/v1/patients/p1/context?turns=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	c := decodeBody[aggregator.Context](t, rec)
	assert.Equal(t, "p1", c.Patient.ID)
	assert.Len(t, c.Turns.Items, 1)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/patients/ghost/context", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/v1/patients/p1/context?turns=-1", nil).Code)
}

func TestListEscalations(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.AppendEscalation(context.Background(), model.EscalationEntry{
		Kind: model.EscalationNoRecipients, PatientID: "p1", SubjectID: "c1", Detail: "no caregivers",
	}))
	rec := ts.do(t, http.MethodGet, "/v1/escalations?patient=p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[map[string][]model.EscalationEntry](t, rec)["escalations"]
	require.Len(t, entries, 1)
	assert.Equal(t, model.EscalationNoRecipients, entries[0].Kind)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?patient=p2", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return ts.events.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	rec := ts.do(t, http.MethodPost, "/v1/patients/p2/turns?wait=true",
		map[string]string{"speaker": "patient", "text": "my chest pain is bad"})
	require.Equal(t, http.StatusOK, rec.Code)

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") && eventLine != "" {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Equal(t, "event: "+events.TypeSafetySheet, eventLine)
	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &e))
	assert.Equal(t, "p2", e.PatientID)
	require.NotNil(t, e.Sheet)
	assert.Contains(t, e.Sheet.Symptoms, "chest pain")
}
