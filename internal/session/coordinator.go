package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/niviohr/examgate/internal/model"
	"github.com/niviohr/examgate/internal/upstream"
	"github.com/rs/zerolog"
)

// State is the coordinator lifecycle.
type State string

const (
	StateLoading    State = "loading"
	StateActive     State = "active"
	StateSubmitting State = "submitting"
	StateSubmitted  State = "submitted"
	StateFailed     State = "failed"
)

// Coordinator errors surfaced to handlers.
var (
	ErrNotActive           = errors.New("session is not active")
	ErrOutOfRange          = errors.New("navigation target out of range")
	ErrSubmitInFlight      = errors.New("submission already in flight")
	ErrAlreadySubmitted    = errors.New("session already submitted")
	ErrVerificationPending = errors.New("initial identity verification pending")
	ErrUnknownQuestion     = errors.New("unknown question id")
)

// Options tune the coordinator. Zero values give production behavior.
type Options struct {
	// TickInterval is the countdown resolution (default one second).
	TickInterval time.Duration
	// BlockingFirstCheck withholds answers and navigation until the initial
	// identity check reaches a terminal state.
	BlockingFirstCheck bool
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Hooks connect the coordinator to the service layer and the bridge.
// All fields are optional.
type Hooks struct {
	// Emit pushes one event to the candidate bridge.
	Emit func(Event)
	// RecordEvent enqueues a MonitoringEvent for upstream reporting.
	RecordEvent func(model.MonitoringEvent)
	// OnNavigate mirrors the committed question index.
	OnNavigate func(index int)
	// OnDraft mirrors an updated answer draft.
	OnDraft func(questionID uuid.UUID, fields map[string]interface{})
	// OnFinished fires once after a successful submission.
	OnFinished func()
}

// Snapshot is the bridge-facing view of a session, served on start and on
// page-reload state requests.
type Snapshot struct {
	Session              model.ExamSession                    `json:"session"`
	Questions            []model.Question                     `json:"questions"`
	Drafts               map[uuid.UUID]map[string]interface{} `json:"drafts,omitempty"`
	TimeRemainingSeconds *int                                 `json:"time_remaining_seconds"`
	State                State                                `json:"state"`
}

// Coordinator owns one exam session end to end: lifecycle state, the
// countdown, question navigation with persistence, integrity-event capture
// and identity recheck scheduling, and the exactly-once final submission.
// It is the sole writer of the session's status and question index.
type Coordinator struct {
	mu    sync.Mutex
	log   zerolog.Logger
	api   upstream.Client
	token string
	opts  Options
	hooks Hooks

	state     State
	session   *model.ExamSession
	questions []model.Question

	answers *AnswerStore
	timer   *Timer
	monitor *Monitor
	gate    *Gate

	// submitGuard collapses concurrent submit triggers (timer expiry racing
	// a manual click) into exactly one completion call.
	submitGuard atomic.Bool

	// emitGen identifies the current stream attachment so a stale detach
	// cannot clear a newer connection's emitter.
	emitGen uint64
}

// NewCoordinator creates a Coordinator for one candidate attempt. token is
// the candidate's bearer token, forwarded on every upstream call.
func NewCoordinator(api upstream.Client, token string, opts Options, hooks Hooks, log zerolog.Logger) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Coordinator{
		log:   log.With().Str("component", "session_coordinator").Logger(),
		api:   api,
		token: token,
		opts:  opts,
		hooks: hooks,
		state: StateLoading,
	}
}

// Start posts the start/resume request and, on success, wires up the timer,
// the integrity monitor and the verification gate. A start failure is fatal
// to the attempt: it is never retried silently (a failed start must not
// consume an attempt) and the bridge is redirected to the exam list.
func (c *Coordinator) Start(ctx context.Context, req model.StartExamRequest) (*Snapshot, error) {
	resp, err := c.api.StartSession(ctx, c.token, upstream.StartRequest{
		ExamID:           req.ExamID,
		AssignmentID:     req.AssignmentID,
		TestMode:         req.TestMode,
		UserAgent:        req.UserAgent,
		ScreenResolution: req.ScreenResolution,
	})
	if err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		c.emit(Event{Kind: EventDirective, Payload: Directive{Redirect: "/exams"}})
		return nil, fmt.Errorf("start session: %w", err)
	}

	c.mu.Lock()
	sess := resp.Session
	sess.TestMode = req.TestMode
	sess.Status = model.SessionStatusInProgress
	c.session = &sess

	c.questions = make([]model.Question, len(resp.Questions))
	copy(c.questions, resp.Questions)
	sort.Slice(c.questions, func(i, j int) bool {
		return c.questions[i].Position < c.questions[j].Position
	})

	if sess.CurrentQuestionIndex < 0 || sess.CurrentQuestionIndex >= len(c.questions) {
		c.session.CurrentQuestionIndex = 0
	}

	c.answers = NewAnswerStore(c.saveAnswer, c.opts.Clock)
	c.timer = NewTimer(c.opts.TickInterval)

	c.session.TimeRemainingSeconds = resp.TimeRemainingSeconds

	if c.session.MonitorWebUsage {
		c.monitor = NewMonitor(c.session.AllowWebUsage, c.opts.Clock)
	}
	if c.session.RequireFaceVerification {
		interval := time.Duration(c.session.FaceCheckIntervalMinutes) * time.Minute
		c.gate = NewGate(c.verifyFace, interval, GateCallbacks{
			Emit:   c.emit,
			Record: c.recordEvent,
			Closed: func(GateState) {},
			Active: c.isActive,
		}, c.opts.Clock, c.log)
	}

	if len(c.questions) > 0 {
		c.answers.Begin(c.questions[c.session.CurrentQuestionIndex].ID)
	}
	c.state = StateActive
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.timer.Start(resp.TimeRemainingSeconds, c.onTick, c.onExpire)

	if c.monitor != nil {
		// Best-effort fullscreen on entering active; denial is tolerated.
		c.emit(Event{Kind: EventDirective, Payload: Directive{RequestFullscreen: true}})
	}
	if c.gate != nil {
		// First check opens immediately; the scheduler covers the rest.
		c.gate.Open(model.VerificationInitial)
		c.gate.StartSchedule()
	}

	c.emit(Event{Kind: EventState, Payload: snap})
	c.log.Info().
		Str("session_id", sess.ID.String()).
		Str("exam_id", sess.ExamID.String()).
		Bool("test_mode", req.TestMode).
		Int("questions", len(c.questions)).
		Msg("Session started")

	return &snap, nil
}

// Navigate flushes the outgoing question's answer, then commits the new
// index. Out-of-bounds targets are rejected, not clamped. The flush is
// attempted before the index mutates so a fast double-navigation can never
// skip persisting an answer.
func (c *Coordinator) Navigate(ctx context.Context, target int) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	if err := c.verificationGateLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if target < 0 || target >= len(c.questions) {
		c.mu.Unlock()
		return ErrOutOfRange
	}
	outgoing := c.questions[c.session.CurrentQuestionIndex].ID
	c.mu.Unlock()

	// Flush-before-navigate: complete-or-attempt the save before the index
	// changes. A failed save is non-fatal — the draft is retained and the
	// next flush retries.
	if err := c.answers.Flush(ctx, outgoing); err != nil {
		c.log.Warn().Err(err).Str("question_id", outgoing.String()).Msg("Answer flush failed, draft retained")
		c.emit(Event{Kind: EventDirective, Payload: Directive{
			Warning:  "Your answer could not be saved yet. It is kept locally and will be retried.",
			Severity: model.SeverityWarning,
		}})
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.session.CurrentQuestionIndex = target
	incoming := c.questions[target].ID
	c.mu.Unlock()

	c.answers.Begin(incoming)
	if c.hooks.OnNavigate != nil {
		c.hooks.OnNavigate(target)
	}
	return nil
}

// SetAnswer merges fields into the draft for questionID. No network call.
func (c *Coordinator) SetAnswer(questionID uuid.UUID, fields map[string]interface{}) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	if err := c.verificationGateLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	known := false
	for i := range c.questions {
		if c.questions[i].ID == questionID {
			known = true
			break
		}
	}
	c.mu.Unlock()

	if !known {
		return ErrUnknownQuestion
	}

	c.answers.Set(questionID, fields)
	if c.hooks.OnDraft != nil {
		c.hooks.OnDraft(questionID, c.answers.Draft(questionID))
	}
	return nil
}

// Submit performs the final submission exactly once. Concurrent triggers
// (timer expiry racing a manual click) collapse on the compare-and-set
// guard. On completion failure local state is preserved and the guard is
// released so the candidate can retry; the upstream completion endpoint is
// idempotent, which makes the retry safe.
func (c *Coordinator) Submit(ctx context.Context, trigger string) error {
	if !c.submitGuard.CompareAndSwap(false, true) {
		c.mu.Lock()
		done := c.state == StateSubmitted
		c.mu.Unlock()
		if done {
			return ErrAlreadySubmitted
		}
		return ErrSubmitInFlight
	}

	c.mu.Lock()
	if c.state != StateActive {
		state := c.state
		c.mu.Unlock()
		if state == StateSubmitted {
			return ErrAlreadySubmitted
		}
		c.submitGuard.Store(false)
		return ErrNotActive
	}
	c.state = StateSubmitting
	sessionID := c.session.ID
	current := uuid.Nil
	if len(c.questions) > 0 {
		current = c.questions[c.session.CurrentQuestionIndex].ID
	}
	c.mu.Unlock()

	c.log.Info().Str("session_id", sessionID.String()).Str("trigger", trigger).Msg("Submitting session")

	// Flush the current answer first. A save failure here is recoverable-
	// local: log, keep the draft, continue to completion.
	if current != uuid.Nil {
		if err := c.answers.Flush(ctx, current); err != nil {
			c.log.Warn().Err(err).Msg("Final answer flush failed, continuing to completion")
		}
	}

	if err := c.api.CompleteSession(ctx, c.token, sessionID); err != nil {
		c.mu.Lock()
		c.state = StateActive
		c.mu.Unlock()
		c.submitGuard.Store(false)
		c.emit(Event{Kind: EventDirective, Payload: Directive{
			Warning:  "Submission failed. Your answers are preserved — please try again.",
			Severity: model.SeverityWarning,
		}})
		return fmt.Errorf("complete session: %w", err)
	}

	c.mu.Lock()
	c.state = StateSubmitted
	c.session.Status = model.SessionStatusCompleted
	now := c.opts.Clock()
	c.session.FinishedAt = &now
	testMode := c.session.TestMode
	examID := c.session.ExamID
	c.mu.Unlock()

	c.teardownResources()

	redirect := fmt.Sprintf("/results/%s", sessionID)
	if testMode {
		redirect = fmt.Sprintf("/exams/%s/preview", examID)
	}
	c.emit(Event{Kind: EventSubmitted, Payload: SubmittedPayload{Redirect: redirect}})

	if c.hooks.OnFinished != nil {
		c.hooks.OnFinished()
	}
	c.log.Info().Str("session_id", sessionID.String()).Str("trigger", trigger).Msg("Session submitted")
	return nil
}

// HandleIntegrity routes one raw bridge signal through the integrity
// monitor. Returns the directive the bridge should apply, if any.
func (c *Coordinator) HandleIntegrity(sig RawSignal) *Directive {
	c.mu.Lock()
	monitor := c.monitor
	active := c.state == StateActive
	c.mu.Unlock()
	if monitor == nil || !active {
		return nil
	}

	ev, dir := monitor.Observe(sig)
	if ev != nil {
		c.recordEvent(*ev)
	}
	if dir != nil {
		c.emit(Event{Kind: EventDirective, Payload: *dir})
	}
	return dir
}

// FullscreenDenied tolerates a rejected fullscreen request with a warning.
func (c *Coordinator) FullscreenDenied() {
	c.emit(Event{Kind: EventDirective, Payload: Directive{
		Warning:  "Fullscreen could not be enabled. The exam continues, but leaving the window is recorded.",
		Severity: model.SeverityWarning,
	}})
}

// Gate accessors — the bridge drives the verification state machine.

func (c *Coordinator) CameraReady() {
	if g := c.currentGate(); g != nil {
		g.CameraReady()
	}
}

func (c *Coordinator) CameraDenied() {
	if g := c.currentGate(); g != nil {
		g.CameraDenied()
	}
}

func (c *Coordinator) RetryCamera() {
	if g := c.currentGate(); g != nil {
		g.RetryCamera()
	}
}

func (c *Coordinator) SubmitFrame(ctx context.Context, imageData string) {
	if g := c.currentGate(); g != nil {
		g.SubmitFrame(ctx, imageData)
	}
}

func (c *Coordinator) SkipVerification() {
	if g := c.currentGate(); g != nil {
		g.Skip()
	}
}

// Snapshot returns the current bridge-facing view (page reload support).
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// State returns the coordinator lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the session record.
func (c *Coordinator) Session() model.ExamSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return model.ExamSession{}
	}
	return *c.session
}

// Answers exposes the answer store (resume restores drafts through it).
func (c *Coordinator) Answers() *AnswerStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

// SetEmitter swaps the bridge push function when a stream (re)attaches. The
// returned token identifies this attachment for DetachEmitter.
func (c *Coordinator) SetEmitter(emit func(Event)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitGen++
	c.hooks.Emit = emit
	return c.emitGen
}

// DetachEmitter clears the emitter only while token still identifies the
// current attachment. On a reconnect race the old connection's deferred
// detach runs after the new connection attached; it must not silence the
// live stream.
func (c *Coordinator) DetachEmitter(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitGen != token {
		return
	}
	c.hooks.Emit = nil
}

// Teardown cancels the countdown and the recheck scheduler and releases the
// camera. It does not submit: a disconnected session stays resumable until
// it is submitted or expires.
func (c *Coordinator) Teardown() {
	c.teardownResources()
}

func (c *Coordinator) teardownResources() {
	c.mu.Lock()
	timer := c.timer
	gate := c.gate
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if gate != nil {
		gate.Teardown()
	}
}

// onTick mirrors the countdown into the session record and the bridge.
func (c *Coordinator) onTick(remaining int) {
	c.mu.Lock()
	if c.session != nil {
		rem := remaining
		c.session.TimeRemainingSeconds = &rem
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventTick, Payload: TickPayload{RemainingSeconds: remaining}})
}

// onExpire is the forced-submission path. It must not be skippable: the
// candidate cannot cancel it, and the submit guard makes it race-safe
// against a concurrent manual submit.
func (c *Coordinator) onExpire() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Submit(ctx, "timer_expiry"); err != nil &&
		!errors.Is(err, ErrSubmitInFlight) && !errors.Is(err, ErrAlreadySubmitted) {
		c.log.Error().Err(err).Msg("Forced submission failed")
	}
}

func (c *Coordinator) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive
}

func (c *Coordinator) currentGate() *Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate
}

// verificationGateLocked rejects interaction while a blocking initial
// identity check is still pending.
func (c *Coordinator) verificationGateLocked() error {
	if !c.opts.BlockingFirstCheck || c.gate == nil {
		return nil
	}
	if !c.gate.InitialDone() {
		return ErrVerificationPending
	}
	return nil
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{State: c.state}
	if c.session != nil {
		snap.Session = *c.session
		snap.TimeRemainingSeconds = c.session.TimeRemainingSeconds
	}
	snap.Questions = make([]model.Question, len(c.questions))
	copy(snap.Questions, c.questions)
	if c.answers != nil {
		snap.Drafts = c.answers.Drafts()
	}
	return snap
}

// saveAnswer is the AnswerStore flush target.
func (c *Coordinator) saveAnswer(ctx context.Context, ans model.Answer) error {
	c.mu.Lock()
	sessionID := uuid.Nil
	if c.session != nil {
		sessionID = c.session.ID
	}
	c.mu.Unlock()
	return c.api.SaveAnswer(ctx, c.token, sessionID, ans)
}

// verifyFace is the Gate verification target.
func (c *Coordinator) verifyFace(ctx context.Context, imageData string, vtype model.VerificationType) (*model.FaceVerificationResult, error) {
	c.mu.Lock()
	sessionID := uuid.Nil
	if c.session != nil {
		sessionID = c.session.ID
	}
	c.mu.Unlock()
	return c.api.VerifyFace(ctx, c.token, sessionID, upstream.FaceVerificationRequest{
		SessionID:        sessionID,
		ImageData:        imageData,
		Timestamp:        c.opts.Clock(),
		VerificationType: vtype,
	})
}

func (c *Coordinator) emit(ev Event) {
	c.mu.Lock()
	emit := c.hooks.Emit
	c.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

func (c *Coordinator) recordEvent(ev model.MonitoringEvent) {
	if c.hooks.RecordEvent != nil {
		c.hooks.RecordEvent(ev)
	}
}
