package websocket

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer           Action = "answer"
	ActionNavigate         Action = "navigate"
	ActionSubmit           Action = "submit"
	ActionIntegrity        Action = "integrity"
	ActionCameraReady      Action = "camera_ready"
	ActionCameraDenied     Action = "camera_denied"
	ActionCameraRetry      Action = "camera_retry"
	ActionFrame            Action = "frame"
	ActionSkipVerification Action = "skip_verification"
	ActionFullscreenDenied Action = "fullscreen_denied"
	ActionPing             Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest carries one answer field update for a question.
type AnswerRequest struct {
	Action     Action                 `json:"action"`
	QuestionID uuid.UUID              `json:"question_id"`
	Fields     map[string]interface{} `json:"fields"`
}

// NavigateRequest moves the candidate to another question by index.
type NavigateRequest struct {
	Action Action `json:"action"`
	Index  int    `json:"index"`
}

// IntegrityRequest forwards a raw browser signal for classification.
type IntegrityRequest struct {
	Action Action `json:"action"`

	Kind       string `json:"kind"`
	Hidden     bool   `json:"hidden"`
	Focused    bool   `json:"focused"`
	Fullscreen bool   `json:"fullscreen"`
	Key        string `json:"key"`
	Ctrl       bool   `json:"ctrl"`
	Alt        bool   `json:"alt"`
	Shift      bool   `json:"shift"`
}

// FrameRequest carries a base64 webcam capture for face verification.
type FrameRequest struct {
	Action Action `json:"action"`
	Image  string `json:"image"`
}

// SubmitRequest finishes the session and hands the exam in.
type SubmitRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState        Event = "state"
	EventTick         Event = "tick"
	EventDirective    Event = "directive"
	EventVerification Event = "verification"
	EventSubmitted    Event = "submitted"
	EventError        Event = "error"
	EventPong         Event = "pong"
)

// EventEnvelope wraps every server-to-client message. Payload shape
// depends on the event kind; see the session package event payloads.
type EventEnvelope struct {
	Event   Event       `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// DecodeAs re-decodes a raw message into the concrete request type.
func DecodeAs(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}
