package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/model"
)

func TestBroadcasterFiltersByPatient(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	n := SinkNotifier{Sink: b}

	all, cancelAll := b.Subscribe("", 4)
	defer cancelAll()
	p1, cancelP1 := b.Subscribe("p1", 4)
	defer cancelP1()

	require.NoError(t, n.PresentSafetySheet(context.Background(), SafetySheet{CaseID: "c1", PatientID: "p1"}))
	require.NoError(t, n.CaseResolved(context.Background(), model.EmergencyCase{ID: "c2", PatientID: "p2"}))

	e := <-p1
	assert.Equal(t, TypeSafetySheet, e.Type)
	assert.Equal(t, "c1", e.Sheet.CaseID)
	select {
	case e := <-p1:
		t.Fatalf("unexpected event for p1: %+v", e)
	default:
	}

	assert.Equal(t, TypeSafetySheet, (<-all).Type)
	assert.Equal(t, TypeCaseResolved, (<-all).Type)
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(zap.NewNop())
	ch, cancel := b.Subscribe("", 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{Type: TypeCaseResolved}))
	}
	assert.Len(t, ch, 1)

	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers())
	_, open := <-ch
	assert.True(t, open, "buffered event is still readable")
	_, open = <-ch
	assert.False(t, open)
}

type recordingNotifier struct {
	sheets   int
	resolved int
	err      error
}

func (r *recordingNotifier) PresentSafetySheet(context.Context, SafetySheet) error {
	r.sheets++
	return r.err
}
func (r *recordingNotifier) CaseEscalated(context.Context, model.EmergencyCase) error { return r.err }
func (r *recordingNotifier) CaseResolved(context.Context, model.EmergencyCase) error {
	r.resolved++
	return r.err
}

func TestMultiCallsEveryone(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("bus down")}
	m := Multi{a, b}

	err := m.PresentSafetySheet(context.Background(), SafetySheet{})
	assert.ErrorContains(t, err, "bus down")
	assert.Equal(t, 1, a.sheets)
	assert.Equal(t, 1, b.sheets)
}

type fakeEventBridge struct {
	inputs []*eventbridge.PutEventsInput
	fail   bool
}

func (f *fakeEventBridge) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.inputs = append(f.inputs, in)
	out := &eventbridge.PutEventsOutput{}
	if f.fail {
		out.FailedEntryCount = 1
		out.Entries = []types.PutEventsResultEntry{{ErrorCode: aws.String("ThrottlingException")}}
	}
	return out, nil
}

func TestEventBridgePublisherBatches(t *testing.T) {
	fake := &fakeEventBridge{}
	p := NewEventBridgePublisher(fake, "care-bus", "care-companion", zap.NewNop())

	evs := make([]Event, 23)
	for i := range evs {
		evs[i] = Event{Type: TypeCaseResolved, PatientID: "p1", CaseID: "c1", At: time.Now()}
	}
	require.NoError(t, p.PublishBatch(context.Background(), evs))
	require.Len(t, fake.inputs, 3)
	assert.Len(t, fake.inputs[0].Entries, 10)
	assert.Len(t, fake.inputs[2].Entries, 3)

	entry := fake.inputs[0].Entries[0]
	assert.Equal(t, "care-bus", aws.ToString(entry.EventBusName))
	assert.Equal(t, TypeCaseResolved, aws.ToString(entry.DetailType))
	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(entry.Detail)), &decoded))
	assert.Equal(t, "c1", decoded.CaseID)
}

func TestEventBridgePublisherReportsFailures(t *testing.T) {
	p := NewEventBridgePublisher(&fakeEventBridge{fail: true}, "bus", "src", zap.NewNop())
	err := SinkNotifier{Sink: p}.CaseResolved(context.Background(), model.EmergencyCase{ID: "c1"})
	assert.ErrorContains(t, err, "1 events failed")
}
