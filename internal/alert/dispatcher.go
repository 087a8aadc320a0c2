// Package alert delivers deduplicated notifications to caregivers and
// patients over pluggable channels, with retries and an escalation log.
package alert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/care-companion/internal/breaker"
	"github.com/rcliao/care-companion/internal/metrics"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

var tracer = otel.Tracer("github.com/rcliao/care-companion/internal/alert")

// ErrNoRecipients means a request resolved to no deliverable (recipient, channel) pair.
var ErrNoRecipients = errors.New("no recipients for alert")

// Audience selects who a request is for when no explicit recipients are given.
type Audience string

const (
	AudienceCaregivers Audience = "caregivers"
	AudiencePatient    Audience = "patient"
)

// Recipient is one address on one channel.
type Recipient struct {
	ID      string        `json:"id"`
	Channel model.Channel `json:"channel"`
	Address string        `json:"address"`
}

// Request asks for a notification about one subject.
type Request struct {
	Kind      model.AlertKind
	SubjectID string
	PatientID string
	Audience  Audience
	// Bucket separates repeated notifications about the same subject, such
	// as successive firings of one reminder.
	Bucket     time.Time
	Severity   model.Severity
	Title      string
	Body       string
	Recipients []Recipient
}

// Outcome is the result of one delivery.
type Outcome string

const (
	OutcomeSent Outcome = "sent"
	// OutcomeFailed means retries were exhausted or the failure was permanent.
	OutcomeFailed Outcome = "failed"
	// OutcomeSuppressed means a live alert already held the dedup key.
	OutcomeSuppressed Outcome = "duplicate_suppressed"
	// OutcomePending means delivery was interrupted and will be re-driven.
	OutcomePending Outcome = "pending"
)

// Delivery reports what happened for one (recipient, channel) pair.
type Delivery struct {
	Recipient
	AlertID string  `json:"alert_id"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`

	// Existing is the status of the live alert that suppressed this delivery.
	Existing model.AlertStatus `json:"existing_status,omitempty"`
}

// DeliveryResult collects the deliveries of one request.
type DeliveryResult struct {
	SubjectKey string     `json:"subject_key"`
	Deliveries []Delivery `json:"deliveries"`
}

func (r DeliveryResult) count(o Outcome) int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Outcome == o {
			n++
		}
	}
	return n
}

func (r DeliveryResult) Sent() int       { return r.count(OutcomeSent) }
func (r DeliveryResult) Failed() int     { return r.count(OutcomeFailed) }
func (r DeliveryResult) Suppressed() int { return r.count(OutcomeSuppressed) }
func (r DeliveryResult) Pending() int    { return r.count(OutcomePending) }

// Delivered reports whether at least one recipient received the alert.
func (r DeliveryResult) Delivered() bool { return r.Sent() > 0 }

// Store is the storage the dispatcher needs.
type Store interface {
	store.AlertStore
	store.PatientStore
}

// Dispatcher fans requests out to recipients and drives each delivery to a
// terminal state. It is safe for concurrent use.
type Dispatcher struct {
	store    Store
	channels map[model.Channel]Channel
	order    []model.Channel
	policy   atomic.Pointer[RetryPolicy]
	window   atomic.Int64
	logger   *zap.Logger
	metrics  *metrics.Collector
	sleep    func(context.Context, time.Duration) error

	// breakers holds one breaker per (channel, address).
	breakerMu  sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
	breakerCfg breaker.Config
}

// NewDispatcher creates a dispatcher delivering over channels, in the given
// order of preference. m may be nil.
func NewDispatcher(s Store, channels []Channel, policy RetryPolicy, dedupWindow time.Duration, logger *zap.Logger, m *metrics.Collector) *Dispatcher {
	d := &Dispatcher{
		store:      s,
		channels:   make(map[model.Channel]Channel, len(channels)),
		logger:     logger.Named("alert"),
		metrics:    m,
		sleep:      sleepCtx,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		breakerCfg: breaker.Default("channel"),
	}
	for _, ch := range channels {
		name := ch.Name()
		d.channels[name] = ch
		d.order = append(d.order, name)
	}
	d.SetRetryPolicy(policy)
	d.SetDedupWindow(dedupWindow)
	return d
}

// SetRetryPolicy replaces the retry policy for deliveries started afterwards.
func (d *Dispatcher) SetRetryPolicy(p RetryPolicy) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	d.policy.Store(&p)
}

// SetDedupWindow changes how long a delivered alert holds its dedup key.
func (d *Dispatcher) SetDedupWindow(w time.Duration) {
	if w <= 0 {
		w = 24 * time.Hour
	}
	d.window.Store(int64(w))
}

// Channels lists the configured channels in preference order.
func (d *Dispatcher) Channels() []model.Channel {
	return append([]model.Channel(nil), d.order...)
}

// SubjectKey identifies one notification about a subject.
func SubjectKey(kind model.AlertKind, subjectID string, bucket time.Time) string {
	return digest(string(kind), subjectID, bucket.UTC().Format(time.RFC3339Nano))
}

// DedupKey identifies one delivery of a subject to one recipient on one channel.
func DedupKey(subjectKey, recipientID string, ch model.Channel) string {
	return digest(subjectKey, recipientID, string(ch))
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Dispatch delivers req to every resolved (recipient, channel) pair.
// Pairs are delivered concurrently and independently; a duplicate of a live
// alert is reported as OutcomeSuppressed. The error is non-nil only when
// recipients could not be resolved.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (DeliveryResult, error) {
	if req.Kind == "" || req.SubjectID == "" || req.PatientID == "" {
		return DeliveryResult{}, fmt.Errorf("alert request needs kind, subject and patient")
	}
	result := DeliveryResult{SubjectKey: SubjectKey(req.Kind, req.SubjectID, req.Bucket)}

	recipients, err := d.resolve(ctx, req)
	if err != nil {
		return result, err
	}
	if len(recipients) == 0 {
		d.logger.Error("alert has no recipients",
			zap.String("patient_id", req.PatientID),
			zap.String("kind", string(req.Kind)),
			zap.String("subject_id", req.SubjectID))
		d.escalate(ctx, model.EscalationEntry{
			Kind:      model.EscalationNoRecipients,
			PatientID: req.PatientID,
			SubjectID: req.SubjectID,
			Detail:    fmt.Sprintf("%s alert %q has no deliverable recipients", req.Kind, req.Title),
		})
		return result, ErrNoRecipients
	}

	result.Deliveries = make([]Delivery, len(recipients))
	var g errgroup.Group
	for i, r := range recipients {
		g.Go(func() error {
			result.Deliveries[i] = d.deliver(ctx, req, result.SubjectKey, r)
			return nil
		})
	}
	g.Wait()
	return result, nil
}

// resolve returns the explicit recipients or looks them up by audience,
// keeping only channels this dispatcher can deliver on.
func (d *Dispatcher) resolve(ctx context.Context, req Request) ([]Recipient, error) {
	var candidates []Recipient
	switch {
	case len(req.Recipients) > 0:
		candidates = req.Recipients
	case req.Audience == AudiencePatient:
		ch := model.ChannelApp
		if _, ok := d.channels[ch]; !ok {
			ch = model.ChannelLog
		}
		candidates = []Recipient{{ID: req.PatientID, Channel: ch, Address: req.PatientID}}
	default:
		caregivers, err := d.store.CaregiversFor(ctx, req.PatientID)
		if err != nil {
			return nil, fmt.Errorf("resolve caregivers: %w", err)
		}
		for _, cg := range caregivers {
			for _, addr := range cg.Channels {
				candidates = append(candidates, Recipient{ID: cg.ID, Channel: addr.Channel, Address: addr.Address})
			}
		}
	}

	seen := make(map[string]bool, len(candidates))
	out := make([]Recipient, 0, len(candidates))
	for _, r := range candidates {
		if _, ok := d.channels[r.Channel]; !ok || r.Address == "" {
			continue
		}
		key := r.ID + "\x00" + string(r.Channel)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out, nil
}

func (d *Dispatcher) deliver(ctx context.Context, req Request, subjectKey string, r Recipient) Delivery {
	now := time.Now().UTC()
	a := &model.Alert{
		Kind:        req.Kind,
		SubjectID:   req.SubjectID,
		SubjectKey:  subjectKey,
		PatientID:   req.PatientID,
		Severity:    req.Severity,
		Channel:     r.Channel,
		RecipientID: r.ID,
		Address:     r.Address,
		DedupKey:    DedupKey(subjectKey, r.ID, r.Channel),
		Title:       req.Title,
		Body:        req.Body,
		Status:      model.AlertPending,
		ExpiresAt:   now.Add(time.Duration(d.window.Load())),
	}
	log := d.logger.With(
		zap.String("patient_id", a.PatientID),
		zap.String("kind", string(a.Kind)),
		zap.String("channel", string(a.Channel)),
		zap.String("recipient_id", a.RecipientID),
		zap.String("dedup_key", a.DedupKey))

	existing, inserted, err := d.store.InsertAlertIfAbsent(ctx, a)
	if err != nil {
		log.Error("record alert", zap.Error(err))
		if ctx.Err() == nil {
			d.escalate(ctx, model.EscalationEntry{
				Kind:      model.EscalationAlertFailed,
				PatientID: a.PatientID,
				SubjectID: a.SubjectID,
				Detail: fmt.Sprintf("%s alert to %s via %s could not be recorded: %v",
					a.Kind, a.RecipientID, a.Channel, err),
			})
		}
		return Delivery{Recipient: r, Outcome: OutcomePending, Error: err.Error()}
	}
	if !inserted {
		dup := *a
		dup.ID = ""
		if err := d.store.InsertSuppressed(ctx, &dup); err != nil {
			log.Warn("record suppressed duplicate", zap.Error(err))
		}
		log.Info("duplicate alert suppressed",
			zap.String("alert_id", existing.ID),
			zap.String("existing_status", string(existing.Status)))
		d.metrics.AlertFinished(string(a.Kind), string(a.Channel), string(model.AlertSuppressed))
		return Delivery{Recipient: r, AlertID: existing.ID, Outcome: OutcomeSuppressed, Existing: existing.Status}
	}

	ctx, span := tracer.Start(ctx, "alert.Deliver", trace.WithAttributes(
		attribute.String("alert.id", a.ID),
		attribute.String("alert.kind", string(a.Kind)),
		attribute.String("alert.channel", string(a.Channel)),
	))
	outcome := d.drive(ctx, a)
	span.SetAttributes(
		attribute.String("alert.outcome", string(outcome)),
		attribute.Int("alert.attempts", a.Attempts),
	)
	if outcome == OutcomeFailed {
		span.SetStatus(codes.Error, a.LastError)
	}
	span.End()
	return Delivery{Recipient: r, AlertID: a.ID, Outcome: outcome, Error: a.LastError}
}

// drive attempts delivery of a pending alert until it is sent, fails for
// good, or ctx is cancelled.
func (d *Dispatcher) drive(ctx context.Context, a *model.Alert) Outcome {
	log := d.logger.With(
		zap.String("alert_id", a.ID),
		zap.String("patient_id", a.PatientID),
		zap.String("channel", string(a.Channel)))
	// Bookkeeping writes must land even after cancellation.
	persistCtx := context.WithoutCancel(ctx)

	ch, ok := d.channels[a.Channel]
	if !ok {
		a.LastError = fmt.Sprintf("channel %q is not configured", a.Channel)
		return d.fail(persistCtx, a, log)
	}
	policy := *d.policy.Load()
	msg := Message{Kind: a.Kind, Severity: a.Severity, Title: a.Title, Body: a.Body}

	// Calls refused by an open breaker are not delivery attempts; they wait
	// for the breaker to half-open, at most MaxAttempts times.
	rejections := 0
	wait := policy.Delay(a.Attempts)
	pause := a.Attempts > 0
	for a.Attempts < policy.MaxAttempts {
		if pause {
			if err := d.sleep(ctx, wait); err != nil {
				return d.interrupted(persistCtx, a, log)
			}
		}
		pause = true

		now := time.Now().UTC()
		providerID, err := d.send(ctx, ch, a.Address, msg)
		if breaker.Rejected(err) && ctx.Err() == nil {
			d.metrics.DeliveryAttempt(string(a.Channel), "rejected")
			rejections++
			if rejections > policy.MaxAttempts {
				a.LastError = err.Error()
				break
			}
			log.Debug("recipient circuit open, waiting", zap.Error(err))
			wait = d.breakerCfg.Timeout
			continue
		}

		a.Attempts++
		a.LastAttemptAt = &now
		wait = policy.Delay(a.Attempts)

		if err == nil {
			a.Status = model.AlertSent
			a.ProviderMessageID = providerID
			a.LastError = ""
			if err := d.store.UpdateAlert(persistCtx, a); err != nil {
				log.Error("record sent alert", zap.Error(err))
			}
			d.metrics.DeliveryAttempt(string(a.Channel), "ok")
			d.metrics.AlertFinished(string(a.Kind), string(a.Channel), string(model.AlertSent))
			log.Info("alert sent", zap.Int("attempts", a.Attempts), zap.String("provider_message_id", providerID))
			return OutcomeSent
		}

		a.LastError = err.Error()
		if ctx.Err() != nil {
			return d.interrupted(persistCtx, a, log)
		}
		if IsPermanent(err) {
			d.metrics.DeliveryAttempt(string(a.Channel), "permanent")
			break
		}
		d.metrics.DeliveryAttempt(string(a.Channel), "transient")
		log.Warn("alert delivery attempt failed", zap.Int("attempt", a.Attempts), zap.Error(err))
		if err := d.store.UpdateAlert(persistCtx, a); err != nil {
			log.Warn("record attempt", zap.Error(err))
		}
	}

	return d.fail(persistCtx, a, log)
}

// breakerFor returns the circuit breaker guarding one recipient address.
func (d *Dispatcher) breakerFor(ch model.Channel, address string) *gobreaker.CircuitBreaker {
	key := string(ch) + "\x00" + address
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	cb, ok := d.breakers[key]
	if !ok {
		cfg := d.breakerCfg
		cfg.Name = "channel-" + string(ch) + "-" + DedupKey("", address, ch)[:8]
		cb = breaker.New(cfg, d.logger, func(err error) bool {
			return !IsPermanent(err) && !errors.Is(err, context.Canceled)
		})
		d.breakers[key] = cb
	}
	return cb
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, address string, msg Message) (string, error) {
	out, err := d.breakerFor(ch.Name(), address).Execute(func() (interface{}, error) {
		return ch.Send(ctx, address, msg)
	})
	if err != nil {
		return "", err
	}
	id, _ := out.(string)
	return id, nil
}

func (d *Dispatcher) interrupted(ctx context.Context, a *model.Alert, log *zap.Logger) Outcome {
	if err := d.store.UpdateAlert(ctx, a); err != nil {
		log.Warn("record interrupted alert", zap.Error(err))
	}
	log.Info("alert delivery interrupted, left pending", zap.Int("attempts", a.Attempts))
	return OutcomePending
}

// fail marks the alert failed and makes the failure visible to operators.
func (d *Dispatcher) fail(ctx context.Context, a *model.Alert, log *zap.Logger) Outcome {
	a.Status = model.AlertFailed
	if err := d.store.UpdateAlert(ctx, a); err != nil {
		log.Error("record failed alert", zap.Error(err))
	}
	d.metrics.AlertFinished(string(a.Kind), string(a.Channel), string(model.AlertFailed))
	log.Error("alert delivery failed",
		zap.String("kind", string(a.Kind)),
		zap.String("recipient_id", a.RecipientID),
		zap.Int("attempts", a.Attempts),
		zap.String("last_error", a.LastError))
	d.escalate(ctx, model.EscalationEntry{
		Kind:      model.EscalationAlertFailed,
		PatientID: a.PatientID,
		SubjectID: a.SubjectID,
		AlertID:   a.ID,
		Detail: fmt.Sprintf("%s alert to %s via %s failed after %d attempt(s): %s",
			a.Kind, a.RecipientID, a.Channel, a.Attempts, a.LastError),
	})
	return OutcomeFailed
}

func (d *Dispatcher) escalate(ctx context.Context, e model.EscalationEntry) {
	if err := d.store.AppendEscalation(context.WithoutCancel(ctx), e); err != nil {
		d.logger.Error("append escalation", zap.String("kind", e.Kind), zap.Error(err))
	}
}

// Recover re-drives alerts left pending by an interrupted run. Dedup keys
// are already held, so this never produces duplicates.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.store.PendingAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending alerts: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	d.logger.Info("re-driving pending alerts", zap.Int("count", len(pending)))

	var g errgroup.Group
	g.SetLimit(8)
	for i := range pending {
		a := &pending[i]
		g.Go(func() error {
			d.drive(ctx, a)
			return nil
		})
	}
	g.Wait()
	return len(pending), nil
}
