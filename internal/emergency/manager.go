// Package emergency runs the per-patient emergency state machine: it opens a
// case when a turn is classified as severe, asks the patient to confirm their
// safety, and escalates to caregivers on request or when the action window
// runs out.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/alert"
	"github.com/rcliao/care-companion/internal/classifier"
	"github.com/rcliao/care-companion/internal/events"
	"github.com/rcliao/care-companion/internal/metrics"
	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

var (
	// ErrCaseNotFound is returned when a response names an unknown case.
	ErrCaseNotFound = errors.New("case not found")
	// ErrNoPendingAction is returned when a case is no longer waiting on the patient.
	ErrNoPendingAction = errors.New("case is not awaiting patient action")
	// ErrInvalidChoice is returned for a choice that is not on the safety sheet.
	ErrInvalidChoice = errors.New("invalid choice")
	// ErrInvalidTransition is returned when a state change is not allowed.
	ErrInvalidTransition = errors.New("invalid case transition")
)

const excerptLimit = 280

// sheetRetry is how soon a failed safety-sheet transition is retried.
const sheetRetry = time.Second

// Dispatcher sends caregiver alerts. *alert.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req alert.Request) (alert.DeliveryResult, error)
}

// Store is the storage the manager needs.
type Store interface {
	store.CaseStore
	store.PatientStore
	AppendEscalation(ctx context.Context, e model.EscalationEntry) error
}

// Options configures a Manager.
type Options struct {
	Threshold    model.Severity
	ActionWindow time.Duration
}

// DefaultOptions escalates medium and above with a two minute window.
func DefaultOptions() Options {
	return Options{Threshold: model.SeverityMedium, ActionWindow: 2 * time.Minute}
}

// Observation is what Observe did with a classified turn.
type Observation struct {
	Case   *model.EmergencyCase `json:"case,omitempty"`
	Opened bool                 `json:"opened"`
	Raised bool                 `json:"raised"`
}

// machine is one patient's state. current is nil while idle.
type machine struct {
	mu      sync.Mutex
	current *model.EmergencyCase
	timer   *time.Timer
	gen     uint64
}

// Manager owns one machine per patient. It is safe for concurrent use.
type Manager struct {
	store      Store
	dispatcher Dispatcher
	notifier   events.Notifier
	logger     *zap.Logger
	metrics    *metrics.Collector
	now        func() time.Time
	retry      time.Duration

	threshold atomic.Value // model.Severity
	window    atomic.Int64

	mu       sync.Mutex
	machines map[string]*machine
	ctx      context.Context

	inflight sync.WaitGroup
	closed   atomic.Bool
}

// NewManager creates a manager. notifier and m may be nil.
func NewManager(s Store, d Dispatcher, notifier events.Notifier, opts Options, logger *zap.Logger, m *metrics.Collector) *Manager {
	if notifier == nil {
		notifier = events.Nop{}
	}
	mgr := &Manager{
		store:      s,
		dispatcher: d,
		notifier:   notifier,
		logger:     logger.Named("emergency"),
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
		retry:      sheetRetry,
		machines:   make(map[string]*machine),
		ctx:        context.Background(),
	}
	mgr.SetThreshold(opts.Threshold)
	mgr.SetActionWindow(opts.ActionWindow)
	return mgr
}

// SetThreshold changes the lowest severity that opens a case.
// Unknown or empty values fall back to medium.
func (m *Manager) SetThreshold(s model.Severity) {
	if s.Rank() < 0 {
		s = model.SeverityMedium
	}
	m.threshold.Store(s)
}

func (m *Manager) Threshold() model.Severity {
	return m.threshold.Load().(model.Severity)
}

// SetActionWindow changes the window given to cases opened afterwards.
func (m *Manager) SetActionWindow(d time.Duration) {
	if d <= 0 {
		d = DefaultOptions().ActionWindow
	}
	m.window.Store(int64(d))
}

func (m *Manager) ActionWindow() time.Duration {
	return time.Duration(m.window.Load())
}

// Start binds escalations to ctx and recovers open cases. Cancelling ctx
// interrupts in-flight deliveries; their alerts stay pending for the next run.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	return m.Recover(ctx)
}

func (m *Manager) baseContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

func (m *Manager) machine(patientID string) *machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.machines[patientID]
	if !ok {
		mc = &machine{}
		m.machines[patientID] = mc
	}
	return mc
}

// State returns the patient's current state and open case, if any.
func (m *Manager) State(patientID string) (model.CaseState, *model.EmergencyCase) {
	mc := m.machine(patientID)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.current == nil {
		return model.StateIdle, nil
	}
	c := *mc.current
	return c.State, &c
}

// Observe feeds a classified turn to the patient's machine. Results below
// the threshold, including unknown, never change state. While a case is
// open a severe result raises its severity instead of opening another.
func (m *Manager) Observe(ctx context.Context, turn model.ConversationTurn, res classifier.Result) (Observation, error) {
	if !res.Severity.AtLeast(m.Threshold()) {
		return Observation{}, nil
	}

	mc := m.machine(turn.PatientID)
	mc.mu.Lock()

	if mc.current == nil {
		c, created, err := m.store.OpenCase(ctx, store.OpenCaseParams{
			PatientID:      turn.PatientID,
			TurnID:         turn.ID,
			Severity:       res.Severity,
			Symptoms:       res.Symptoms,
			Excerpt:        excerpt(turn.Text),
			ActionDeadline: m.now().Add(m.ActionWindow()),
		})
		if err != nil {
			mc.mu.Unlock()
			return Observation{}, fmt.Errorf("open case: %w", err)
		}
		if created {
			m.metrics.CaseOpened()
			m.logger.Warn("emergency case opened",
				zap.String("patient_id", c.PatientID),
				zap.String("case_id", c.ID),
				zap.String("severity", string(c.Severity)),
				zap.Strings("symptoms", c.Symptoms))
			mc.current = c
			after := m.resumeLocked(ctx, mc)
			snapshot := *mc.current
			mc.mu.Unlock()
			after(ctx)
			return Observation{Case: &snapshot, Opened: true}, nil
		}

		// A case opened by another process or an earlier run.
		mc.current = c
		after := m.resumeLocked(ctx, mc)
		defer after(ctx)
	} else if mc.current.State == model.StateDetected {
		after := m.resumeLocked(ctx, mc)
		defer after(ctx)
	}

	obs, err := m.followUpLocked(ctx, mc, turn, res)
	mc.mu.Unlock()
	return obs, err
}

// followUpLocked attaches a further severe turn to the open case, raising
// its severity and symptoms but never lowering them.
func (m *Manager) followUpLocked(ctx context.Context, mc *machine, turn model.ConversationTurn, res classifier.Result) (Observation, error) {
	cur := mc.current
	next := *cur
	raised := res.Severity.Rank() > cur.Severity.Rank()
	next.Severity = model.MaxSeverity(cur.Severity, res.Severity)
	next.Symptoms = mergeSymptoms(cur.Symptoms, res.Symptoms)

	if raised || len(next.Symptoms) != len(cur.Symptoms) {
		if err := m.store.UpdateCase(ctx, &next); err != nil {
			return Observation{}, fmt.Errorf("update case: %w", err)
		}
		mc.current = &next
	}
	if err := m.store.LinkCaseTurn(ctx, cur.ID, turn.ID, store.RelFollowup); err != nil {
		m.logger.Warn("link follow-up turn", zap.String("case_id", cur.ID), zap.Error(err))
	}
	if raised {
		m.logger.Warn("emergency case severity raised",
			zap.String("case_id", cur.ID),
			zap.String("from", string(cur.Severity)),
			zap.String("to", string(next.Severity)))
	}
	snapshot := *mc.current
	return Observation{Case: &snapshot, Raised: raised}, nil
}

// Respond applies the patient's choice to a case that is waiting on them.
func (m *Manager) Respond(ctx context.Context, caseID string, choice model.PatientChoice) (model.EmergencyCase, error) {
	if choice != model.ChoiceSelfResolve && choice != model.ChoiceContactCaregiver {
		return model.EmergencyCase{}, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}
	stored, err := m.store.GetCase(ctx, caseID)
	if errors.Is(err, store.ErrNotFound) {
		return model.EmergencyCase{}, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	if err != nil {
		return model.EmergencyCase{}, err
	}

	mc := m.machine(stored.PatientID)
	mc.mu.Lock()
	if mc.current == nil || mc.current.ID != caseID {
		if !stored.Open() || !awaitingAction(stored.State) {
			mc.mu.Unlock()
			return *stored, ErrNoPendingAction
		}
		mc.current = stored
	}
	if mc.current.State == model.StateDetected {
		after := m.resumeLocked(ctx, mc)
		defer after(ctx)
	}
	if mc.current.State != model.StateAwaitingPatientAction {
		c := *mc.current
		mc.mu.Unlock()
		return c, ErrNoPendingAction
	}
	m.stopTimerLocked(mc)

	if choice == model.ChoiceSelfResolve {
		c, err := m.resolveLocked(ctx, mc, model.ResolutionSelfResolved)
		mc.mu.Unlock()
		if err != nil {
			return c, err
		}
		m.resolved(ctx, c)
		return c, nil
	}

	c, err := m.escalateLocked(ctx, mc, model.TriggerPatientRequest)
	mc.mu.Unlock()
	if err != nil {
		return c, err
	}
	m.escalated(ctx, c)
	return c, nil
}

// resumeLocked brings mc.current forward to a consistent waiting state: a
// detected case gets its safety sheet, a waiting case gets its timer back
// or is escalated when the window has passed, and an escalated case is
// dispatched again. A detected case whose transition fails keeps a retry
// timer armed. It returns the side effects to run after unlocking.
func (m *Manager) resumeLocked(ctx context.Context, mc *machine) func(context.Context) {
	c := mc.current
	var sheet *events.SafetySheet

	if c.State == model.StateDetected {
		next, err := m.transitionLocked(ctx, mc, model.StateAwaitingPatientAction, nil)
		if err != nil {
			m.logger.Error("present safety sheet", zap.String("case_id", c.ID), zap.Error(err))
			retry := m.retry
			if remaining := c.ActionDeadline.Sub(m.now()); remaining > 0 {
				retry = min(remaining, retry)
			}
			m.armLocked(mc, retry)
			return func(context.Context) {}
		}
		s := safetySheet(next)
		sheet = &s
		c = mc.current
	}

	switch c.State {
	case model.StateAwaitingPatientAction:
		if remaining := c.ActionDeadline.Sub(m.now()); remaining > 0 {
			m.armLocked(mc, remaining)
			return func(ctx context.Context) { m.present(ctx, sheet) }
		}
		esc, err := m.escalateLocked(ctx, mc, model.TriggerTimeout)
		if err != nil {
			m.logger.Error("escalate expired case", zap.String("case_id", c.ID), zap.Error(err))
			return func(ctx context.Context) { m.present(ctx, sheet) }
		}
		return func(ctx context.Context) {
			m.present(ctx, sheet)
			m.escalated(ctx, esc)
		}
	case model.StateEscalated:
		esc := *c
		return func(context.Context) { m.startEscalation(esc) }
	}
	return func(context.Context) {}
}

func (m *Manager) present(ctx context.Context, sheet *events.SafetySheet) {
	if sheet == nil {
		return
	}
	if err := m.notifier.PresentSafetySheet(ctx, *sheet); err != nil {
		m.logger.Warn("notify safety sheet", zap.String("case_id", sheet.CaseID), zap.Error(err))
	}
}

// transitionLocked persists a state change of mc.current. On failure the
// machine keeps its previous state.
func (m *Manager) transitionLocked(ctx context.Context, mc *machine, to model.CaseState, apply func(*model.EmergencyCase)) (model.EmergencyCase, error) {
	cur := mc.current
	if !CanTransition(cur.State, to) {
		return *cur, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, to)
	}
	next := *cur
	next.State = to
	if apply != nil {
		apply(&next)
	}
	if err := m.store.UpdateCase(context.WithoutCancel(ctx), &next); err != nil {
		return *cur, fmt.Errorf("update case: %w", err)
	}
	if IsTerminal(to) {
		mc.current = nil
	} else {
		mc.current = &next
	}
	return next, nil
}

func (m *Manager) escalateLocked(ctx context.Context, mc *machine, trigger model.EscalationTrigger) (model.EmergencyCase, error) {
	m.stopTimerLocked(mc)
	now := m.now()
	c, err := m.transitionLocked(ctx, mc, model.StateEscalated, func(c *model.EmergencyCase) {
		c.EscalatedAt = &now
		c.Trigger = trigger
	})
	if err != nil {
		return c, err
	}
	m.logger.Warn("emergency case escalated",
		zap.String("patient_id", c.PatientID),
		zap.String("case_id", c.ID),
		zap.String("trigger", string(trigger)))
	entry := model.EscalationEntry{
		Kind:      model.EscalationCaseEscalated,
		PatientID: c.PatientID,
		SubjectID: c.ID,
		Detail:    fmt.Sprintf("%s case escalated (%s)", c.Severity, trigger),
	}
	if err := m.store.AppendEscalation(context.WithoutCancel(ctx), entry); err != nil {
		m.logger.Warn("append escalation", zap.String("case_id", c.ID), zap.Error(err))
	}
	return c, nil
}

func (m *Manager) resolveLocked(ctx context.Context, mc *machine, resolution model.Resolution) (model.EmergencyCase, error) {
	now := m.now()
	return m.transitionLocked(ctx, mc, model.StateResolved, func(c *model.EmergencyCase) {
		c.ResolvedAt = &now
		c.Resolution = resolution
	})
}

func (m *Manager) escalated(ctx context.Context, c model.EmergencyCase) {
	if err := m.notifier.CaseEscalated(ctx, c); err != nil {
		m.logger.Warn("notify case escalated", zap.String("case_id", c.ID), zap.Error(err))
	}
	m.startEscalation(c)
}

func (m *Manager) resolved(ctx context.Context, c model.EmergencyCase) {
	m.metrics.CaseResolved(string(c.Resolution))
	m.logger.Info("emergency case resolved",
		zap.String("patient_id", c.PatientID),
		zap.String("case_id", c.ID),
		zap.String("resolution", string(c.Resolution)))
	if err := m.notifier.CaseResolved(ctx, c); err != nil {
		m.logger.Warn("notify case resolved", zap.String("case_id", c.ID), zap.Error(err))
	}
}

// armLocked starts the action-window timer. Bumping the generation makes
// any timer that already fired a no-op.
func (m *Manager) armLocked(mc *machine, d time.Duration) {
	m.stopTimerLocked(mc)
	gen := mc.gen
	patientID, caseID := mc.current.PatientID, mc.current.ID
	mc.timer = time.AfterFunc(d, func() { m.onTimeout(patientID, caseID, gen) })
}

func (m *Manager) stopTimerLocked(mc *machine) {
	if mc.timer != nil {
		mc.timer.Stop()
		mc.timer = nil
	}
	mc.gen++
}

func (m *Manager) onTimeout(patientID, caseID string, gen uint64) {
	if m.closed.Load() {
		return
	}
	ctx := m.baseContext()
	mc := m.machine(patientID)
	mc.mu.Lock()
	if mc.gen != gen || mc.current == nil || mc.current.ID != caseID ||
		!awaitingAction(mc.current.State) {
		mc.mu.Unlock()
		return
	}
	mc.timer = nil
	if mc.current.State == model.StateDetected {
		after := m.resumeLocked(ctx, mc)
		mc.mu.Unlock()
		after(ctx)
		return
	}
	c, err := m.escalateLocked(ctx, mc, model.TriggerTimeout)
	mc.mu.Unlock()
	if err != nil {
		m.logger.Error("escalate on timeout", zap.String("case_id", caseID), zap.Error(err))
		return
	}
	m.escalated(ctx, c)
}

// startEscalation dispatches the caregiver alert in the background. It runs
// outside the patient's lock because delivery may block on retries.
func (m *Manager) startEscalation(c model.EmergencyCase) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		m.runEscalation(m.baseContext(), c)
	}()
}

func (m *Manager) runEscalation(ctx context.Context, c model.EmergencyCase) {
	log := m.logger.With(zap.String("patient_id", c.PatientID), zap.String("case_id", c.ID))

	res, err := m.dispatcher.Dispatch(ctx, m.alertRequest(ctx, c))
	if err != nil && !errors.Is(err, alert.ErrNoRecipients) {
		log.Error("dispatch emergency alert", zap.Error(err))
		entry := model.EscalationEntry{
			Kind:      model.EscalationAlertFailed,
			PatientID: c.PatientID,
			SubjectID: c.ID,
			Detail:    fmt.Sprintf("emergency alert could not be dispatched: %v", err),
		}
		if err := m.store.AppendEscalation(context.WithoutCancel(ctx), entry); err != nil {
			log.Error("append escalation", zap.Error(err))
		}
	}

	resolution, done := resolutionFor(res, err)
	if !done && ctx.Err() != nil {
		log.Info("emergency alert interrupted, case stays escalated for recovery")
		return
	}
	if !done {
		resolution = model.ResolutionAlertFailed
	}
	m.finish(context.WithoutCancel(ctx), c, resolution)
}

// resolutionFor decides how a delivery result closes the case. done is
// false while some delivery is still pending.
func resolutionFor(res alert.DeliveryResult, err error) (model.Resolution, bool) {
	if err != nil {
		return model.ResolutionAlertFailed, true
	}
	delivered, pending := false, false
	for _, d := range res.Deliveries {
		switch d.Outcome {
		case alert.OutcomeSent:
			delivered = true
		case alert.OutcomePending:
			pending = true
		case alert.OutcomeSuppressed:
			switch d.Existing {
			case model.AlertSent:
				delivered = true
			case model.AlertPending:
				pending = true
			}
		}
	}
	switch {
	case delivered:
		return model.ResolutionCaregiverAlerted, true
	case pending:
		return "", false
	default:
		return model.ResolutionAlertFailed, true
	}
}

// finish closes an escalated case once dispatch has an outcome.
func (m *Manager) finish(ctx context.Context, c model.EmergencyCase, resolution model.Resolution) {
	mc := m.machine(c.PatientID)
	mc.mu.Lock()
	if mc.current == nil || mc.current.ID != c.ID {
		// Escalated by another process; resolve the stored copy.
		stored, err := m.store.GetCase(ctx, c.ID)
		if err != nil || !stored.Open() || stored.State != model.StateEscalated {
			mc.mu.Unlock()
			return
		}
		tmp := &machine{current: stored}
		resolvedCase, err := m.resolveLocked(ctx, tmp, resolution)
		mc.mu.Unlock()
		if err != nil {
			m.logger.Error("resolve case", zap.String("case_id", c.ID), zap.Error(err))
			return
		}
		m.resolved(ctx, resolvedCase)
		return
	}

	resolvedCase, err := m.resolveLocked(ctx, mc, resolution)
	mc.mu.Unlock()
	if err != nil {
		m.logger.Error("resolve case", zap.String("case_id", c.ID), zap.Error(err))
		return
	}
	m.resolved(ctx, resolvedCase)
}

func (m *Manager) alertRequest(ctx context.Context, c model.EmergencyCase) alert.Request {
	name := c.PatientID
	if p, err := m.store.GetPatient(ctx, c.PatientID); err == nil && p.Name != "" {
		name = p.Name
	}

	concerns := "unspecified"
	if len(c.Symptoms) > 0 {
		concerns = strings.Join(c.Symptoms, ", ")
	}
	reason := "they asked for their caregiver to be contacted"
	if c.Trigger == model.TriggerTimeout {
		reason = "they did not respond to a safety check"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s may need help: %s\n", name, reason)
	fmt.Fprintf(&b, "Severity: %s\n", c.Severity)
	fmt.Fprintf(&b, "Concerns: %s\n", concerns)
	if c.Excerpt != "" {
		fmt.Fprintf(&b, "They said: %q\n", c.Excerpt)
	}
	fmt.Fprintf(&b, "Detected: %s\n", c.OpenedAt.Format(time.RFC1123))
	b.WriteString("Please check on them as soon as possible.")

	return alert.Request{
		Kind:      model.KindEmergency,
		SubjectID: c.ID,
		PatientID: c.PatientID,
		Audience:  alert.AudienceCaregivers,
		Bucket:    c.OpenedAt,
		Severity:  c.Severity,
		Title:     "Emergency alert for " + name,
		Body:      b.String(),
	}
}

// Recover reloads open cases after a restart and resumes each one.
func (m *Manager) Recover(ctx context.Context) error {
	cases, err := m.store.ListOpenCases(ctx)
	if err != nil {
		return fmt.Errorf("load open cases: %w", err)
	}
	for i := range cases {
		c := cases[i]
		mc := m.machine(c.PatientID)
		mc.mu.Lock()
		if mc.current != nil {
			mc.mu.Unlock()
			continue
		}
		mc.current = &c
		after := m.resumeLocked(ctx, mc)
		mc.mu.Unlock()
		after(ctx)
	}
	if len(cases) > 0 {
		m.logger.Info("recovered open cases", zap.Int("count", len(cases)))
	}
	return nil
}

// Wait blocks until in-flight escalations have finished.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Close stops every action-window timer and waits for in-flight
// escalations. Timed-out cases left open are picked up by Recover.
func (m *Manager) Close() {
	m.closed.Store(true)
	m.mu.Lock()
	machines := make([]*machine, 0, len(m.machines))
	for _, mc := range m.machines {
		machines = append(machines, mc)
	}
	m.mu.Unlock()

	for _, mc := range machines {
		mc.mu.Lock()
		m.stopTimerLocked(mc)
		mc.mu.Unlock()
	}
	m.inflight.Wait()
}

func safetySheet(c model.EmergencyCase) events.SafetySheet {
	msg := "It sounds like you may not be feeling well. Are you safe right now?"
	if len(c.Symptoms) > 0 {
		msg = fmt.Sprintf("It sounds like you may be experiencing %s. Are you safe right now?",
			strings.Join(c.Symptoms, " and "))
	}
	if c.Severity == model.SeverityHigh {
		msg += " If this is an emergency, call 911."
	}
	return events.SafetySheet{
		CaseID:    c.ID,
		PatientID: c.PatientID,
		Severity:  c.Severity,
		Symptoms:  c.Symptoms,
		Message:   msg,
		Steps:     events.SheetSteps,
		Options:   events.DefaultOptions,
		Deadline:  c.ActionDeadline,
	}
}

func mergeSymptoms(have, add []string) []string {
	out := append([]string(nil), have...)
	for _, s := range add {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= excerptLimit {
		return text
	}
	return string(r[:excerptLimit]) + "…"
}
