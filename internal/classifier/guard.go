package classifier

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/aggregator"
	"github.com/rcliao/care-companion/internal/breaker"
	"github.com/rcliao/care-companion/internal/metrics"
	"github.com/rcliao/care-companion/internal/model"
)

var tracer = otel.Tracer("github.com/rcliao/care-companion/internal/classifier")

// Guard applies the timeout, circuit breaker, validation and fallback policy
// around a Provider. Classify never fails: every problem becomes a Result
// with severity unknown.
type Guard struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
	timeout  atomic.Int64
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// NewGuard wraps p. m may be nil.
func NewGuard(p Provider, timeout time.Duration, logger *zap.Logger, m *metrics.Collector) *Guard {
	logger = logger.Named("classifier")
	g := &Guard{
		provider: p,
		logger:   logger,
		metrics:  m,
		breaker: breaker.New(breaker.Default("classifier-"+p.Name()), logger, func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}),
	}
	g.SetTimeout(timeout)
	return g
}

// SetTimeout changes the per-call timeout. Safe for concurrent use.
func (g *Guard) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = 10 * time.Second
	}
	g.timeout.Store(int64(d))
}

// Provider returns the wrapped provider's name.
func (g *Guard) Provider() string { return g.provider.Name() }

// Classify scores turn in light of c. c may be nil.
func (g *Guard) Classify(ctx context.Context, c *aggregator.Context, turn model.ConversationTurn) Result {
	ctx, span := tracer.Start(ctx, "classifier.Classify")
	defer span.End()
	span.SetAttributes(
		attribute.String("patient.id", turn.PatientID),
		attribute.String("classifier.provider", g.provider.Name()),
	)

	req := Request{LatestTurn: turn.Text}
	if c != nil {
		req.ContextSummary = c.Summary(0)
	}

	res, err := g.call(ctx, req)
	if err != nil {
		res = g.fallback(turn, err)
	}
	span.SetAttributes(
		attribute.String("classifier.outcome", string(res.Outcome)),
		attribute.String("classifier.severity", string(res.Severity)),
	)
	g.metrics.Classified(string(res.Outcome), string(res.Severity))
	return res
}

func (g *Guard) call(ctx context.Context, req Request) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(g.timeout.Load()))
	defer cancel()

	out, err := g.breaker.Execute(func() (interface{}, error) {
		type reply struct {
			raw string
			err error
		}
		ch := make(chan reply, 1)
		go func() {
			raw, err := g.provider.Complete(callCtx, req)
			ch <- reply{raw, err}
		}()

		var r reply
		select {
		case r = <-ch:
		case <-callCtx.Done():
			return nil, callCtx.Err()
		}
		if r.err != nil {
			if callCtx.Err() != nil {
				return nil, callCtx.Err()
			}
			return nil, r.err
		}
		return ParseResult(r.raw)
	})
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

func (g *Guard) fallback(turn model.ConversationTurn, err error) Result {
	var res Result
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res = Unknown(OutcomeTimeout, ErrTimeout.Error())
	case errors.Is(err, ErrMalformed):
		res = Unknown(OutcomeMalformed, err.Error())
	default:
		res = Unknown(OutcomeFailed, err.Error())
	}
	g.logger.Warn("classification degraded to unknown",
		zap.String("patient_id", turn.PatientID),
		zap.String("turn_id", turn.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.Bool("breaker_open", breaker.Rejected(err)),
		zap.Error(err))
	return res
}
