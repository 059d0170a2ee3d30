package session

import (
	"context"
	"sync"
	"time"

	"github.com/niviohr/examgate/internal/model"
	"github.com/rs/zerolog"
)

// GateState is the verification gate's per-attempt state machine.
type GateState string

const (
	GateIdle             GateState = "idle"
	GateAwaitingCamera   GateState = "awaiting_camera"
	GatePermissionDenied GateState = "permission_denied"
	GateCameraReady      GateState = "camera_ready"
	GateCapturing        GateState = "capturing"
	GateVerifying        GateState = "verifying"
	GateVerified         GateState = "verified"
	GateFailed           GateState = "failed"
	GateSkipped          GateState = "skipped"
)

// VerifyFunc performs one face verification call upstream.
type VerifyFunc func(ctx context.Context, imageData string, vtype model.VerificationType) (*model.FaceVerificationResult, error)

// GateCallbacks wire the gate into its owner.
type GateCallbacks struct {
	// Emit pushes prompts and camera directives to the bridge.
	Emit func(Event)
	// Record appends a MonitoringEvent for upstream reporting.
	Record func(model.MonitoringEvent)
	// Closed fires on every terminal outcome so the coordinator resumes flow.
	Closed func(outcome GateState)
	// Active reports whether the owning session still accepts rechecks.
	Active func() bool
}

// Gate is the identity verification gate: it periodically suspends the exam
// flow to capture a photo and obtain a verified/failed/skipped outcome.
// Verification failures are surveillance signals, not hard gates — the exam
// continues. The camera is exclusively owned by the gate while open; every
// terminal branch releases it.
type Gate struct {
	mu     sync.Mutex
	log    zerolog.Logger
	verify VerifyFunc
	cb     GateCallbacks
	clock  func() time.Time

	state       GateState
	vtype       model.VerificationType
	open        bool
	cameraLive  bool
	initialDone bool

	interval time.Duration
	stop     chan struct{}
}

// NewGate creates a Gate rechecking every interval.
func NewGate(verify VerifyFunc, interval time.Duration, cb GateCallbacks, clock func() time.Time, log zerolog.Logger) *Gate {
	if clock == nil {
		clock = time.Now
	}
	return &Gate{
		log:      log.With().Str("component", "verification_gate").Logger(),
		verify:   verify,
		cb:       cb,
		clock:    clock,
		state:    GateIdle,
		interval: interval,
	}
}

// Open starts a verification attempt: the bridge is asked to open the camera
// and the gate waits in awaiting_camera. Re-opening an already open gate is
// a no-op.
func (g *Gate) Open(vtype model.VerificationType) {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return
	}
	g.open = true
	g.state = GateAwaitingCamera
	g.vtype = vtype
	g.mu.Unlock()

	cam := DefaultCameraConstraints()
	g.emit(Event{Kind: EventDirective, Payload: Directive{OpenCamera: true}})
	g.emit(Event{Kind: EventVerification, Payload: VerificationPrompt{
		State:            GateAwaitingCamera,
		VerificationType: vtype,
		Camera:           &cam,
	}})
}

// CameraReady reports that the bridge obtained a stream and is previewing.
func (g *Gate) CameraReady() {
	g.mu.Lock()
	if g.state != GateAwaitingCamera {
		g.mu.Unlock()
		return
	}
	g.state = GateCameraReady
	g.cameraLive = true
	vtype := g.vtype
	g.mu.Unlock()

	g.emit(Event{Kind: EventVerification, Payload: VerificationPrompt{
		State:            GateCameraReady,
		VerificationType: vtype,
	}})
}

// CameraDenied reports a camera permission denial. Denial is a distinct
// permission state, not a verification failure: no MonitoringEvent is
// recorded until the candidate explicitly skips. The bridge may retry.
func (g *Gate) CameraDenied() {
	g.mu.Lock()
	if !g.open {
		g.mu.Unlock()
		return
	}
	g.state = GatePermissionDenied
	vtype := g.vtype
	g.mu.Unlock()

	g.emit(Event{Kind: EventVerification, Payload: VerificationPrompt{
		State:            GatePermissionDenied,
		VerificationType: vtype,
		Message:          "Camera access was denied. Allow camera access and retry, or skip this check.",
	}})
}

// RetryCamera re-requests the camera after a permission denial.
func (g *Gate) RetryCamera() {
	g.mu.Lock()
	if g.state != GatePermissionDenied {
		g.mu.Unlock()
		return
	}
	g.state = GateAwaitingCamera
	vtype := g.vtype
	g.mu.Unlock()

	cam := DefaultCameraConstraints()
	g.emit(Event{Kind: EventDirective, Payload: Directive{OpenCamera: true}})
	g.emit(Event{Kind: EventVerification, Payload: VerificationPrompt{
		State:            GateAwaitingCamera,
		VerificationType: vtype,
		Camera:           &cam,
	}})
}

// SubmitFrame performs exactly one verification call for the captured frame.
// There is no automatic retry on transient failure: a failed request is
// surfaced as an error and treated as a failed attempt.
func (g *Gate) SubmitFrame(ctx context.Context, imageData string) {
	g.mu.Lock()
	if g.state != GateCameraReady {
		g.mu.Unlock()
		return
	}
	// The capture itself happens bridge-side; once the frame arrives the
	// attempt is verifying.
	g.state = GateVerifying
	vtype := g.vtype
	g.mu.Unlock()

	g.emit(Event{Kind: EventVerification, Payload: VerificationPrompt{
		State:            GateVerifying,
		VerificationType: vtype,
	}})

	result, err := g.verify(ctx, imageData, vtype)
	if err != nil {
		g.log.Warn().Err(err).Msg("Face verification request failed")
		g.record(model.EventFaceVerificationFailed, model.SeverityWarning, map[string]interface{}{
			"reason":            "request_failed",
			"verification_type": string(vtype),
		})
		g.emit(Event{Kind: EventDirective, Payload: Directive{
			Warning:  "Identity verification could not be completed. This has been recorded; the exam continues.",
			Severity: model.SeverityWarning,
		}})
		g.close(GateFailed)
		return
	}

	if result.Verified {
		g.close(GateVerified)
		return
	}

	data := map[string]interface{}{
		"reason":            "not_verified",
		"verification_type": string(vtype),
	}
	if result.RequiresHumanReview {
		data["requires_human_review"] = true
	}
	if result.Message != "" {
		data["message"] = result.Message
	}
	g.record(model.EventFaceVerificationFailed, model.SeverityWarning, data)
	g.emit(Event{Kind: EventDirective, Payload: Directive{
		Warning:  "Identity verification failed. This has been recorded; the exam continues.",
		Severity: model.SeverityWarning,
	}})
	g.close(GateFailed)
}

// Skip closes the gate at the candidate's explicit request. Always records a
// MonitoringEvent with reason skipped_by_user.
func (g *Gate) Skip() {
	g.mu.Lock()
	if !g.open {
		g.mu.Unlock()
		return
	}
	vtype := g.vtype
	g.mu.Unlock()

	g.record(model.EventFaceVerificationFailed, model.SeverityInfo, map[string]interface{}{
		"reason":            "skipped_by_user",
		"verification_type": string(vtype),
	})
	g.close(GateSkipped)
}

// StartSchedule begins the periodic recheck loop. The first check is opened
// by the coordinator directly; this loop only covers subsequent intervals.
func (g *Gate) StartSchedule() {
	g.mu.Lock()
	if g.stop != nil || g.interval <= 0 {
		g.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	g.stop = stop
	g.mu.Unlock()

	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// A tick that lands while the session is not active (e.g.
				// a submission in flight that later fails) is skipped, not
				// fatal: the scheduler runs until Teardown closes stop.
				if g.cb.Active != nil && !g.cb.Active() {
					continue
				}
				g.Open(model.VerificationPeriodic)
			}
		}
	}()
}

// Teardown stops the recheck scheduler and releases the camera if an attempt
// is in flight. Part of the session teardown contract.
func (g *Gate) Teardown() {
	g.mu.Lock()
	if g.stop != nil {
		close(g.stop)
		g.stop = nil
	}
	wasOpen := g.open
	g.open = false
	g.state = GateIdle
	g.cameraLive = false
	g.mu.Unlock()

	if wasOpen {
		g.emit(Event{Kind: EventDirective, Payload: Directive{CloseCamera: true}})
	}
}

// State returns the current gate state.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// CameraReleased reports whether no live camera stream is outstanding.
func (g *Gate) CameraReleased() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.cameraLive
}

// InitialDone reports whether the first check reached a terminal state.
func (g *Gate) InitialDone() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initialDone
}

// close finishes the attempt: the camera is released on every path, the
// outcome is surfaced, and the gate returns to idle awaiting its next open.
func (g *Gate) close(outcome GateState) {
	g.mu.Lock()
	g.state = outcome
	g.open = false
	g.cameraLive = false
	g.initialDone = true
	vtype := g.vtype
	g.mu.Unlock()

	g.emit(Event{Kind: EventDirective, Payload: Directive{CloseCamera: true}})
	g.emit(Event{Kind: EventVerification, Payload: VerificationPrompt{State: outcome, VerificationType: vtype}})

	if g.cb.Closed != nil {
		g.cb.Closed(outcome)
	}
}

func (g *Gate) emit(ev Event) {
	if g.cb.Emit != nil {
		g.cb.Emit(ev)
	}
}

func (g *Gate) record(t model.EventType, sev model.Severity, data map[string]interface{}) {
	if g.cb.Record == nil {
		return
	}
	g.cb.Record(model.MonitoringEvent{
		Type:      t,
		Data:      data,
		Severity:  sev,
		Timestamp: g.clock(),
	})
}
