package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niviohr/examgate/internal/model"
	"github.com/niviohr/examgate/internal/upstream"
)

// fakeAPI is an in-memory upstream.Client for engine tests.
type fakeAPI struct {
	mu sync.Mutex

	startResp *upstream.StartResponse
	startErr  error

	saved    []model.Answer
	saveErrs int // fail this many SaveAnswer calls, then succeed

	completes    int
	completeErrs int // fail this many CompleteSession calls, then succeed

	reported []model.MonitoringEvent

	verifyResult *model.FaceVerificationResult
}

func (f *fakeAPI) StartSession(ctx context.Context, token string, req upstream.StartRequest) (*upstream.StartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	resp := *f.startResp
	return &resp, nil
}

func (f *fakeAPI) SaveAnswer(ctx context.Context, token string, sessionID uuid.UUID, ans model.Answer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErrs > 0 {
		f.saveErrs--
		return errors.New("save failed")
	}
	f.saved = append(f.saved, ans)
	return nil
}

func (f *fakeAPI) ReportEvent(ctx context.Context, token string, sessionID uuid.UUID, ev model.MonitoringEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, ev)
	return nil
}

func (f *fakeAPI) VerifyFace(ctx context.Context, token string, sessionID uuid.UUID, req upstream.FaceVerificationRequest) (*model.FaceVerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyResult == nil {
		return &model.FaceVerificationResult{Verified: true}, nil
	}
	return f.verifyResult, nil
}

func (f *fakeAPI) CompleteSession(ctx context.Context, token string, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErrs > 0 {
		f.completeErrs--
		return errors.New("complete failed")
	}
	f.completes++
	return nil
}

func (f *fakeAPI) savedAnswers() []model.Answer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Answer, len(f.saved))
	copy(out, f.saved)
	return out
}

func (f *fakeAPI) completeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completes
}

// eventRecorder collects emitted events; timer and gate goroutines emit
// concurrently with test assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) directives() []Directive {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Directive
	for _, ev := range r.events {
		if ev.Kind == EventDirective {
			out = append(out, ev.Payload.(Directive))
		}
	}
	return out
}

func (r *eventRecorder) lastByKind(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func threeQuestions() []model.Question {
	return []model.Question{
		{ID: uuid.New(), Text: "Third", Type: model.QuestionTypeEssay, Position: 3},
		{ID: uuid.New(), Text: "First", Type: model.QuestionTypeMultipleChoice, Position: 1},
		{ID: uuid.New(), Text: "Second", Type: model.QuestionTypeText, Position: 2},
	}
}

func newFakeAPI(sess model.ExamSession, budget *int) *fakeAPI {
	return &fakeAPI{
		startResp: &upstream.StartResponse{
			Session:              sess,
			Questions:            threeQuestions(),
			TimeRemainingSeconds: budget,
		},
	}
}

func startCoordinator(t *testing.T, api *fakeAPI, opts Options, rec *eventRecorder) *Coordinator {
	t.Helper()
	coord := NewCoordinator(api, "test-token", opts, Hooks{Emit: rec.emit}, zerolog.Nop())
	_, err := coord.Start(context.Background(), model.StartExamRequest{ExamID: uuid.New()})
	require.NoError(t, err)
	t.Cleanup(coord.Teardown)
	return coord
}

func TestCoordinatorStartFailureIsFatal(t *testing.T) {
	api := &fakeAPI{startErr: errors.New("attempt limit reached")}
	rec := &eventRecorder{}
	coord := NewCoordinator(api, "test-token", Options{}, Hooks{Emit: rec.emit}, zerolog.Nop())

	_, err := coord.Start(context.Background(), model.StartExamRequest{ExamID: uuid.New()})
	require.Error(t, err)
	assert.Equal(t, StateFailed, coord.State())

	dirs := rec.directives()
	require.NotEmpty(t, dirs)
	assert.Equal(t, "/exams", dirs[0].Redirect)
}

func TestCoordinatorStartOrdersQuestionsByPosition(t *testing.T) {
	api := newFakeAPI(model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}, nil)
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{}, rec)

	snap := coord.Snapshot()
	require.Len(t, snap.Questions, 3)
	assert.Equal(t, "First", snap.Questions[0].Text)
	assert.Equal(t, "Second", snap.Questions[1].Text)
	assert.Equal(t, "Third", snap.Questions[2].Text)
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, 0, snap.Session.CurrentQuestionIndex)
}

func TestCoordinatorNavigateFlushesOutgoingAnswer(t *testing.T) {
	api := newFakeAPI(model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}, nil)
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{}, rec)

	q0 := coord.Snapshot().Questions[0].ID
	require.NoError(t, coord.SetAnswer(q0, map[string]interface{}{"selected_option": "b"}))

	require.NoError(t, coord.Navigate(context.Background(), 1))

	saved := api.savedAnswers()
	require.Len(t, saved, 1)
	assert.Equal(t, q0, saved[0].QuestionID)
	assert.Equal(t, "b", saved[0].Fields["selected_option"])
	assert.Equal(t, 1, coord.Session().CurrentQuestionIndex)
}

func TestCoordinatorNavigateRejectsOutOfRange(t *testing.T) {
	api := newFakeAPI(model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}, nil)
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{}, rec)

	assert.ErrorIs(t, coord.Navigate(context.Background(), -1), ErrOutOfRange)
	assert.ErrorIs(t, coord.Navigate(context.Background(), 3), ErrOutOfRange)
	assert.Equal(t, 0, coord.Session().CurrentQuestionIndex)
}

func TestCoordinatorSetAnswerRejectsUnknownQuestion(t *testing.T) {
	api := newFakeAPI(model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}, nil)
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{}, rec)

	err := coord.SetAnswer(uuid.New(), map[string]interface{}{"text": "x"})
	assert.ErrorIs(t, err, ErrUnknownQuestion)
}

func TestCoordinatorNavigateSurvivesSaveFailure(t *testing.T) {
	api := newFakeAPI(model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}, nil)
	api.saveErrs = 1
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{}, rec)

	q0 := coord.Snapshot().Questions[0].ID
	require.NoError(t, coord.SetAnswer(q0, map[string]interface{}{"text": "keep me"}))

	// The failed save is non-fatal: navigation commits, the candidate is
	// warned, and the draft is retained for the next flush.
	require.NoError(t, coord.Navigate(context.Background(), 1))
	assert.Equal(t, 1, coord.Session().CurrentQuestionIndex)
	assert.Equal(t, "keep me", coord.Answers().Draft(q0)["text"])

	var warned bool
	for _, d := range rec.directives() {
		if d.Warning != "" && !d.PreventDefault {
			warned = true
		}
	}
	assert.True(t, warned, "candidate must be warned about the unsaved answer")

	// Navigating back and away again retries the same draft.
	require.NoError(t, coord.Navigate(context.Background(), 0))
	require.NoError(t, coord.Navigate(context.Background(), 2))
	saved := api.savedAnswers()
	require.NotEmpty(t, saved)
	assert.Equal(t, q0, saved[0].QuestionID)
}

func TestCoordinatorSubmitIsExactlyOnce(t *testing.T) {
	api := newFakeAPI(model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}, nil)
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{}, rec)

	const attempts = 16
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- coord.Submit(context.Background(), "race")
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrSubmitInFlight), errors.Is(err, ErrAlreadySubmitted):
		default:
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	assert.Equal(t, 1, succeeded, "exactly one submit must win")
	assert.Equal(t, 1, api.completeCount(), "exactly one completion call upstream")
	assert.Equal(t, StateSubmitted, coord.State())

	// A late retry reports the terminal state.
	assert.ErrorIs(t, coord.Submit(context.Background(), "late"), ErrAlreadySubmitted)
}

func TestCoordinatorSubmitFailureAllowsRetry(t *testing.T) {
	sess := model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}
	api := newFakeAPI(sess, nil)
	api.completeErrs = 1
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{}, rec)

	err := coord.Submit(context.Background(), "candidate")
	require.Error(t, err)
	assert.Equal(t, StateActive, coord.State(), "failed submit reverts to active")

	require.NoError(t, coord.Submit(context.Background(), "candidate"))
	assert.Equal(t, StateSubmitted, coord.State())

	ev, ok := rec.lastByKind(EventSubmitted)
	require.True(t, ok)
	assert.Equal(t, "/results/"+sess.ID.String(), ev.Payload.(SubmittedPayload).Redirect)
}

func TestCoordinatorTestModeRedirectsToPreview(t *testing.T) {
	sess := model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}
	api := newFakeAPI(sess, nil)
	rec := &eventRecorder{}
	coord := NewCoordinator(api, "test-token", Options{}, Hooks{Emit: rec.emit}, zerolog.Nop())
	_, err := coord.Start(context.Background(), model.StartExamRequest{ExamID: sess.ExamID, TestMode: true})
	require.NoError(t, err)
	t.Cleanup(coord.Teardown)

	require.NoError(t, coord.Submit(context.Background(), "candidate"))

	ev, ok := rec.lastByKind(EventSubmitted)
	require.True(t, ok)
	assert.Equal(t, "/exams/"+sess.ExamID.String()+"/preview", ev.Payload.(SubmittedPayload).Redirect)
}

func TestCoordinatorTimerExpiryForcesSubmission(t *testing.T) {
	budget := 2
	api := newFakeAPI(model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}, &budget)
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{TickInterval: 5 * time.Millisecond}, rec)

	require.Eventually(t, func() bool {
		return coord.State() == StateSubmitted
	}, 2*time.Second, 5*time.Millisecond, "expiry must force submission")

	assert.Equal(t, 1, api.completeCount())

	_, ok := rec.lastByKind(EventSubmitted)
	assert.True(t, ok)
	_, ok = rec.lastByKind(EventTick)
	assert.True(t, ok, "ticks must reach the bridge")
}

func TestCoordinatorIntegritySignalsRecordAndDirect(t *testing.T) {
	sess := model.ExamSession{ID: uuid.New(), ExamID: uuid.New(), MonitorWebUsage: true}
	api := newFakeAPI(sess, nil)
	rec := &eventRecorder{}

	var recorded []model.MonitoringEvent
	var recMu sync.Mutex
	coord := NewCoordinator(api, "test-token", Options{}, Hooks{
		Emit: rec.emit,
		RecordEvent: func(ev model.MonitoringEvent) {
			recMu.Lock()
			recorded = append(recorded, ev)
			recMu.Unlock()
		},
	}, zerolog.Nop())
	_, err := coord.Start(context.Background(), model.StartExamRequest{ExamID: sess.ExamID})
	require.NoError(t, err)
	t.Cleanup(coord.Teardown)

	dir := coord.HandleIntegrity(RawSignal{Kind: SignalKeydown, Key: "t", Ctrl: true})
	require.NotNil(t, dir)
	assert.True(t, dir.PreventDefault)

	recMu.Lock()
	defer recMu.Unlock()
	require.Len(t, recorded, 1)
	assert.Equal(t, model.EventKeyCombination, recorded[0].Type)

	// Monitored sessions are pushed toward fullscreen on start.
	var fullscreen bool
	for _, d := range rec.directives() {
		if d.RequestFullscreen {
			fullscreen = true
		}
	}
	assert.True(t, fullscreen)
}

func TestCoordinatorBlockingFirstCheckGatesInteraction(t *testing.T) {
	sess := model.ExamSession{
		ID:                      uuid.New(),
		ExamID:                  uuid.New(),
		RequireFaceVerification: true,
	}
	api := newFakeAPI(sess, nil)
	rec := &eventRecorder{}

	var recorded []model.MonitoringEvent
	var recMu sync.Mutex
	coord := NewCoordinator(api, "test-token", Options{BlockingFirstCheck: true}, Hooks{
		Emit: rec.emit,
		RecordEvent: func(ev model.MonitoringEvent) {
			recMu.Lock()
			recorded = append(recorded, ev)
			recMu.Unlock()
		},
	}, zerolog.Nop())
	_, err := coord.Start(context.Background(), model.StartExamRequest{ExamID: sess.ExamID})
	require.NoError(t, err)
	t.Cleanup(coord.Teardown)

	q0 := coord.Snapshot().Questions[0].ID
	assert.ErrorIs(t, coord.SetAnswer(q0, map[string]interface{}{"text": "x"}), ErrVerificationPending)
	assert.ErrorIs(t, coord.Navigate(context.Background(), 1), ErrVerificationPending)

	// Skipping resolves the initial check and records it; the exam opens up.
	coord.SkipVerification()

	require.NoError(t, coord.SetAnswer(q0, map[string]interface{}{"text": "x"}))
	require.NoError(t, coord.Navigate(context.Background(), 1))

	recMu.Lock()
	defer recMu.Unlock()
	require.Len(t, recorded, 1)
	assert.Equal(t, model.EventFaceVerificationFailed, recorded[0].Type)
	assert.Equal(t, "skipped_by_user", recorded[0].Data["reason"])
}

func TestCoordinatorVerifiedCheckOpensExam(t *testing.T) {
	sess := model.ExamSession{
		ID:                      uuid.New(),
		ExamID:                  uuid.New(),
		RequireFaceVerification: true,
	}
	api := newFakeAPI(sess, nil)
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{BlockingFirstCheck: true}, rec)

	coord.CameraReady()
	coord.SubmitFrame(context.Background(), "frame-data")

	q0 := coord.Snapshot().Questions[0].ID
	require.NoError(t, coord.SetAnswer(q0, map[string]interface{}{"text": "ok"}))
}

func TestCoordinatorStaleDetachKeepsNewEmitter(t *testing.T) {
	api := newFakeAPI(model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}, nil)
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{}, rec)

	// A reconnect attaches the new stream before the old connection's
	// deferred detach runs. The stale detach must not silence the live one.
	old := coord.SetEmitter(func(Event) {})
	live := &eventRecorder{}
	current := coord.SetEmitter(live.emit)

	coord.DetachEmitter(old)
	coord.FullscreenDenied()
	assert.NotEmpty(t, live.directives(), "live emitter silenced by a stale detach")

	coord.DetachEmitter(current)
	before := len(live.directives())
	coord.FullscreenDenied()
	assert.Len(t, live.directives(), before, "detached emitter must not receive events")
}

func TestCoordinatorTeardownKeepsSessionResumable(t *testing.T) {
	budget := 600
	api := newFakeAPI(model.ExamSession{ID: uuid.New(), ExamID: uuid.New()}, &budget)
	rec := &eventRecorder{}
	coord := startCoordinator(t, api, Options{TickInterval: 5 * time.Millisecond}, rec)

	q0 := coord.Snapshot().Questions[0].ID
	require.NoError(t, coord.SetAnswer(q0, map[string]interface{}{"text": "draft"}))

	coord.Teardown()

	// Drafts and state survive a stream teardown; nothing was submitted.
	assert.Equal(t, StateActive, coord.State())
	assert.Equal(t, "draft", coord.Answers().Draft(q0)["text"])
	assert.Equal(t, 0, api.completeCount())
}
