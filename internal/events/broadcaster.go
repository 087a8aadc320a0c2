package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Broadcaster is an in-process pub/sub sink. Slow subscribers lose events
// rather than block publishers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	logger *zap.Logger
}

type subscription struct {
	patientID string
	ch        chan Event
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscription), logger: logger.Named("events")}
}

// Subscribe returns a channel of events for patientID, or for every patient
// when patientID is empty. The returned cancel func closes the channel.
func (b *Broadcaster) Subscribe(patientID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{patientID: patientID, ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.patientID != "" && sub.patientID != e.PatientID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				zap.String("type", e.Type), zap.String("patient_id", e.PatientID))
		}
	}
	return nil
}
