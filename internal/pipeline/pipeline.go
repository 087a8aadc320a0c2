// Package pipeline processes conversation turns: it stores each turn,
// classifies it against the patient's context and feeds the result to the
// emergency state machine. Turns of one patient are processed in submission
// order; different patients proceed in parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/aggregator"
	"github.com/rcliao/care-companion/internal/classifier"
	"github.com/rcliao/care-companion/internal/emergency"
	"github.com/rcliao/care-companion/internal/metrics"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

var tracer = otel.Tracer("github.com/rcliao/care-companion/internal/pipeline")

var (
	// ErrQueueFull is returned when too many turns are waiting.
	ErrQueueFull = errors.New("turn queue is full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline is closed")
)

// Turn is an incoming utterance.
type Turn struct {
	PatientID string        `json:"patient_id"`
	Speaker   model.Speaker `json:"speaker"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
}

// Result is what processing a turn produced.
type Result struct {
	Turn        model.ConversationTurn `json:"turn"`
	Classified  bool                   `json:"classified"`
	Score       *classifier.Result     `json:"classification,omitempty"`
	Observation emergency.Observation  `json:"emergency"`
	Err         error                  `json:"-"`
}

// Store is the turn storage the pipeline writes to.
type Store interface {
	AppendTurn(ctx context.Context, p store.AppendTurnParams) (*model.ConversationTurn, error)
	AppendClassification(ctx context.Context, c model.Classification) error
}

type ContextBuilder interface {
	BuildContext(ctx context.Context, patientID string, maxTurns, maxChars int) (*aggregator.Context, error)
}

type Classifier interface {
	Classify(ctx context.Context, c *aggregator.Context, turn model.ConversationTurn) classifier.Result
}

type Observer interface {
	Observe(ctx context.Context, turn model.ConversationTurn, res classifier.Result) (emergency.Observation, error)
}

// Options sizes the worker pool and queue.
type Options struct {
	Workers   int
	QueueSize int
}

type job struct {
	turn model.ConversationTurn
	done chan Result
}

// lane is one patient's queue.
type lane struct {
	submit sync.Mutex // orders append+enqueue
	items  []*job     // guarded by Pipeline.mu
	// active is set while the lane is on ready or one of its turns is being
	// processed; only its holder processes the lane. Guarded by Pipeline.mu.
	active bool
}

// Pipeline is a fixed pool of workers draining per-patient FIFO lanes.
type Pipeline struct {
	store      Store
	contexts   ContextBuilder
	classifier Classifier
	observer   Observer
	opts       Options
	logger     *zap.Logger
	metrics    *metrics.Collector

	mu      sync.Mutex
	lanes   map[string]*lane
	depth   int
	closed  bool
	ready   chan string
	stop    chan struct{}
	started bool
	wg      sync.WaitGroup
}

// New creates a pipeline. m may be nil.
func New(s Store, contexts ContextBuilder, c Classifier, o Observer, opts Options, logger *zap.Logger, m *metrics.Collector) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Pipeline{
		store:      s,
		contexts:   contexts,
		classifier: c,
		observer:   o,
		opts:       opts,
		logger:     logger.Named("pipeline"),
		metrics:    m,
		lanes:      make(map[string]*lane),
		ready:      make(chan string, opts.QueueSize),
		stop:       make(chan struct{}),
	}
}

// Start launches the workers. They run until ctx is cancelled or Close.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for range p.opts.Workers {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("pipeline started", zap.Int("workers", p.opts.Workers))
}

// Close stops accepting turns, waits for the turn in progress on each
// worker and fails whatever is still queued with ErrClosed. Queued turns are
// already stored; only their classification is skipped.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, l := range p.lanes {
		for _, j := range l.items {
			j.done <- Result{Turn: j.turn, Err: ErrClosed}
		}
		delete(p.lanes, id)
	}
	p.depth = 0
	p.metrics.QueueDepth(0)
}

func normalize(t Turn) (store.AppendTurnParams, error) {
	if t.PatientID == "" {
		return store.AppendTurnParams{}, fmt.Errorf("turn needs a patient id")
	}
	if !model.ValidSpeakers[t.Speaker] {
		return store.AppendTurnParams{}, fmt.Errorf("invalid speaker %q", t.Speaker)
	}
	if strings.TrimSpace(t.Text) == "" {
		return store.AppendTurnParams{}, fmt.Errorf("turn text is empty")
	}
	return store.AppendTurnParams{
		PatientID: t.PatientID, Speaker: t.Speaker, Text: t.Text, Timestamp: t.Timestamp,
	}, nil
}

// Submit stores the turn and queues it for classification. The returned
// channel receives exactly one Result.
func (p *Pipeline) Submit(ctx context.Context, t Turn) (*model.ConversationTurn, <-chan Result, error) {
	params, err := normalize(t)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if p.depth >= p.opts.QueueSize {
		p.mu.Unlock()
		return nil, nil, ErrQueueFull
	}
	l := p.lanes[t.PatientID]
	if l == nil {
		l = &lane{}
		p.lanes[t.PatientID] = l
	}
	p.depth++ // reserve a slot before the unlocked append
	p.mu.Unlock()

	l.submit.Lock()
	defer l.submit.Unlock()

	turn, err := p.store.AppendTurn(ctx, params)
	if err != nil {
		p.release()
		return nil, nil, fmt.Errorf("append turn: %w", err)
	}

	j := &job{turn: *turn, done: make(chan Result, 1)}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.depth--
		j.done <- Result{Turn: j.turn, Err: ErrClosed}
		return turn, j.done, nil
	}
	l.items = append(l.items, j)
	if !l.active {
		l.active = true
		p.ready <- t.PatientID
	}
	p.metrics.QueueDepth(p.depth)
	return turn, j.done, nil
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.depth--
	p.mu.Unlock()
}

// ProcessSync stores and processes a turn on the calling goroutine. When
// earlier turns of the same patient are still queued it waits behind them.
func (p *Pipeline) ProcessSync(ctx context.Context, t Turn) (Result, error) {
	params, err := normalize(t)
	if err != nil {
		return Result{}, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Result{}, ErrClosed
	}
	l := p.lanes[t.PatientID]
	if l == nil {
		l = &lane{}
		p.lanes[t.PatientID] = l
	}
	p.mu.Unlock()

	l.submit.Lock()
	turn, err := p.store.AppendTurn(ctx, params)
	if err != nil {
		l.submit.Unlock()
		return Result{}, fmt.Errorf("append turn: %w", err)
	}

	p.mu.Lock()
	if l.active {
		if p.depth >= p.opts.QueueSize {
			p.mu.Unlock()
			l.submit.Unlock()
			return Result{Turn: *turn}, ErrQueueFull
		}
		j := &job{turn: *turn, done: make(chan Result, 1)}
		l.items = append(l.items, j)
		p.depth++
		p.metrics.QueueDepth(p.depth)
		p.mu.Unlock()
		l.submit.Unlock()
		select {
		case res := <-j.done:
			return res, res.Err
		case <-ctx.Done():
			return Result{Turn: *turn}, ctx.Err()
		}
	}
	l.active = true
	p.mu.Unlock()
	l.submit.Unlock()

	res := p.process(ctx, *turn)
	p.handBack(t.PatientID, l)
	return res, res.Err
}

// handBack releases a lane after one of its turns was processed, queueing
// it again if more turns arrived meanwhile.
func (p *Pipeline) handBack(patientID string, l *lane) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(l.items) == 0 || p.closed {
		l.active = false
		return
	}
	// Space is guaranteed: every active lane holds at most one ready slot.
	p.ready <- patientID
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case patientID := <-p.ready:
			p.runLane(ctx, patientID)
		}
	}
}

// runLane processes the lane's next turn, then hands the lane back to the
// ready queue so other patients get a turn.
func (p *Pipeline) runLane(ctx context.Context, patientID string) {
	p.mu.Lock()
	l := p.lanes[patientID]
	if l == nil || len(l.items) == 0 {
		if l != nil {
			l.active = false
		}
		p.mu.Unlock()
		return
	}
	j := l.items[0]
	l.items = l.items[1:]
	p.depth--
	p.metrics.QueueDepth(p.depth)
	p.mu.Unlock()

	j.done <- p.process(ctx, j.turn)
	p.handBack(patientID, l)
}

// process classifies a stored turn and feeds the emergency manager. A panic
// or error affects only this turn.
func (p *Pipeline) process(ctx context.Context, turn model.ConversationTurn) (res Result) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.ProcessTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("patient.id", turn.PatientID),
		attribute.String("turn.id", turn.ID),
		attribute.String("turn.speaker", string(turn.Speaker)),
	)

	res.Turn = turn
	outcome := "ok"
	log := p.logger.With(zap.String("patient_id", turn.PatientID), zap.String("turn_id", turn.ID))
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			res.Err = fmt.Errorf("panic processing turn: %v", r)
			log.Error("panic processing turn", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			if outcome == "ok" {
				outcome = "error"
			}
		}
		p.metrics.TurnProcessed(outcome, time.Since(start))
	}()

	if turn.Speaker != model.SpeakerPatient {
		outcome = "stored"
		return res
	}

	c, err := p.contexts.BuildContext(ctx, turn.PatientID, 0, 0)
	if errors.Is(err, aggregator.ErrDataUnavailable) {
		outcome = "unavailable"
		log.Warn("patient data unavailable, turn stored unclassified", zap.Error(err))
		return res
	}
	if err != nil {
		res.Err = fmt.Errorf("build context: %w", err)
		return res
	}

	score := p.classifier.Classify(ctx, c, turn)
	res.Classified = true
	res.Score = &score
	if err := p.store.AppendClassification(ctx, model.Classification{
		TurnID:    turn.ID,
		PatientID: turn.PatientID,
		Sentiment: score.Sentiment,
		Severity:  score.Severity,
		Symptoms:  score.Symptoms,
		Outcome:   string(score.Outcome),
		Rationale: score.Rationale,
	}); err != nil {
		log.Error("append classification", zap.Error(err))
	}
	if score.Severity == model.SeverityUnknown {
		log.Warn("turn classified as unknown", zap.String("outcome", string(score.Outcome)), zap.String("reason", score.Rationale))
	}

	obs, err := p.observer.Observe(ctx, turn, score)
	if err != nil {
		res.Err = fmt.Errorf("observe: %w", err)
		return res
	}
	res.Observation = obs
	return res
}
