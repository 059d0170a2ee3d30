package model

import (
	"time"
)

// EventType enumerates the closed set of integrity signals the gateway records.
type EventType string

const (
	EventTabSwitch              EventType = "tab_switch"
	EventWindowFocus            EventType = "window_focus"
	EventContextMenu            EventType = "context_menu"
	EventKeyCombination         EventType = "key_combination"
	EventEscapeKey              EventType = "escape_key"
	EventMouseLeave             EventType = "mouse_leave"
	EventFullscreenChange       EventType = "fullscreen_change"
	EventPrintAttempt           EventType = "print_attempt"
	EventCopyAttempt            EventType = "copy_attempt"
	EventPasteAttempt           EventType = "paste_attempt"
	EventFaceVerificationFailed EventType = "face_verification_failed"
)

// Severity grades a monitoring event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// MonitoringEvent is an append-only record of potentially suspicious candidate
// behavior. Produced by the integrity monitor and the verification gate,
// consumed by the upstream reporting endpoint, never read back.
type MonitoringEvent struct {
	Type      EventType              `json:"event_type"`
	Data      map[string]interface{} `json:"event_data,omitempty"`
	Severity  Severity               `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
}
