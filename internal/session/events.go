package session

import (
	"github.com/niviohr/examgate/internal/model"
)

// EventKind tags a server→bridge push on the exam stream.
type EventKind string

const (
	EventState        EventKind = "state"
	EventTick         EventKind = "tick"
	EventDirective    EventKind = "directive"
	EventVerification EventKind = "verification"
	EventSubmitted    EventKind = "submitted"
)

// Event is one push to the candidate bridge.
type Event struct {
	Kind    EventKind   `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Directive tells the bridge to apply a browser-side effect the gateway
// cannot perform itself: suppressing a default action, showing a toast,
// opening or releasing the camera, requesting fullscreen, or redirecting.
type Directive struct {
	PreventDefault    bool           `json:"prevent_default,omitempty"`
	Warning           string         `json:"warning,omitempty"`
	Severity          model.Severity `json:"severity,omitempty"`
	OpenCamera        bool           `json:"open_camera,omitempty"`
	CloseCamera       bool           `json:"close_camera,omitempty"`
	RequestFullscreen bool           `json:"request_fullscreen,omitempty"`
	Redirect          string         `json:"redirect,omitempty"`
}

// CameraConstraints describe the capture the bridge should open:
// 640×480 ideal, front-facing.
type CameraConstraints struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FacingMode string `json:"facing_mode"`
}

// DefaultCameraConstraints returns the capture constraints for identity checks.
func DefaultCameraConstraints() CameraConstraints {
	return CameraConstraints{Width: 640, Height: 480, FacingMode: "user"}
}

// VerificationPrompt mirrors the gate state to the bridge so it can render
// the capture overlay, retry/skip affordances and outcome messages.
type VerificationPrompt struct {
	State            GateState              `json:"state"`
	VerificationType model.VerificationType `json:"verification_type"`
	Camera           *CameraConstraints     `json:"camera,omitempty"`
	Message          string                 `json:"message,omitempty"`
}

// TickPayload carries the remaining budget on each countdown tick.
type TickPayload struct {
	RemainingSeconds int `json:"remaining_seconds"`
}

// SubmittedPayload closes the session on the bridge side.
type SubmittedPayload struct {
	Redirect string `json:"redirect"`
}
