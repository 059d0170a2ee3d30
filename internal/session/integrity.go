package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/niviohr/examgate/internal/model"
)

// RawSignal is a browser/OS-level signal forwarded by the candidate bridge.
// Kind selects which fields are meaningful.
type RawSignal struct {
	Kind       string `json:"kind"`
	Hidden     bool   `json:"hidden,omitempty"`     // visibility
	Focused    bool   `json:"focused,omitempty"`    // focus
	Fullscreen bool   `json:"fullscreen,omitempty"` // fullscreen
	Key        string `json:"key,omitempty"`        // keydown
	Ctrl       bool   `json:"ctrl,omitempty"`
	Alt        bool   `json:"alt,omitempty"`
	Shift      bool   `json:"shift,omitempty"`
}

// Raw signal kinds accepted from the bridge.
const (
	SignalVisibility  = "visibility"
	SignalFocus       = "focus"
	SignalContextMenu = "contextmenu"
	SignalKeydown     = "keydown"
	SignalMouseLeave  = "mouseleave"
	SignalFullscreen  = "fullscreen"
	SignalBeforePrint = "beforeprint"
	SignalCopy        = "copy"
	SignalPaste       = "paste"
)

// awayWarningThreshold is how long a tab may stay hidden before the
// visible-transition warning escalates.
const awayWarningThreshold = 5 * time.Second

// suspiciousCombos is the fixed table of flagged key combinations.
var suspiciousCombos = map[string]struct{}{
	"alt+tab":        {},
	"ctrl+shift+tab": {},
	"ctrl+t":         {},
	"ctrl+n":         {},
	"ctrl+w":         {},
	"ctrl+r":         {},
	"f5":             {},
	"f11":            {},
	"f12":            {},
}

// Monitor translates raw bridge signals into monitoring events and bridge
// directives. It owns no persistent state beyond the hidden-tab timestamp;
// it is attached only when the session has monitor_web_usage set.
type Monitor struct {
	allowWebUsage bool
	clock         func() time.Time
	hiddenAt      time.Time
}

// NewMonitor creates a Monitor. When allowWebUsage is true violations are
// reported but never suppressed; when false the monitor also instructs the
// bridge to prevent the default action and warns the candidate.
func NewMonitor(allowWebUsage bool, clock func() time.Time) *Monitor {
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{allowWebUsage: allowWebUsage, clock: clock}
}

// Observe translates one raw signal into at most one MonitoringEvent and an
// optional bridge directive. Unflagged keydowns and focus-gain signals
// produce nothing.
func (m *Monitor) Observe(sig RawSignal) (*model.MonitoringEvent, *Directive) {
	switch sig.Kind {
	case SignalVisibility:
		return m.observeVisibility(sig)
	case SignalFocus:
		if sig.Focused {
			return m.event(model.EventWindowFocus, model.SeverityInfo, map[string]interface{}{"state": "focused"}), nil
		}
		ev := m.event(model.EventWindowFocus, model.SeverityWarning, map[string]interface{}{"state": "blurred"})
		return ev, m.warn("Leaving the exam window is recorded.")
	case SignalContextMenu:
		ev := m.event(model.EventContextMenu, model.SeverityInfo, nil)
		return ev, m.suppress("Right-click is disabled during the exam.")
	case SignalKeydown:
		return m.observeKeydown(sig)
	case SignalMouseLeave:
		return m.event(model.EventMouseLeave, model.SeverityInfo, nil), nil
	case SignalFullscreen:
		ev := m.event(model.EventFullscreenChange, model.SeverityWarning, map[string]interface{}{"fullscreen": sig.Fullscreen})
		if sig.Fullscreen {
			ev.Severity = model.SeverityInfo
			return ev, nil
		}
		return ev, m.warn("Leaving fullscreen is recorded.")
	case SignalBeforePrint:
		return m.event(model.EventPrintAttempt, model.SeverityWarning, nil), m.warn("Printing exam content is recorded.")
	case SignalCopy:
		ev := m.event(model.EventCopyAttempt, model.SeverityWarning, nil)
		return ev, m.suppress("Copying exam content is not allowed.")
	case SignalPaste:
		ev := m.event(model.EventPasteAttempt, model.SeverityWarning, nil)
		return ev, m.suppress("Pasting content is not allowed.")
	}
	return nil, nil
}

func (m *Monitor) observeVisibility(sig RawSignal) (*model.MonitoringEvent, *Directive) {
	now := m.clock()
	if sig.Hidden {
		m.hiddenAt = now
		ev := m.event(model.EventTabSwitch, model.SeverityWarning, map[string]interface{}{"state": "hidden"})
		return ev, nil
	}

	data := map[string]interface{}{"state": "visible"}
	var away time.Duration
	if !m.hiddenAt.IsZero() {
		away = now.Sub(m.hiddenAt)
		data["away_duration_ms"] = away.Milliseconds()
		m.hiddenAt = time.Time{}
	}

	ev := m.event(model.EventTabSwitch, model.SeverityWarning, data)
	if away > awayWarningThreshold {
		return ev, m.warn(fmt.Sprintf("You were away from the exam for %d seconds. This has been recorded.", int(away.Seconds())))
	}
	return ev, m.warn("Switching tabs during the exam is recorded.")
}

func (m *Monitor) observeKeydown(sig RawSignal) (*model.MonitoringEvent, *Directive) {
	key := strings.ToLower(sig.Key)
	if key == "escape" {
		return m.event(model.EventEscapeKey, model.SeverityInfo, nil), nil
	}

	combo := comboString(sig, key)
	if _, flagged := suspiciousCombos[combo]; !flagged {
		return nil, nil
	}

	ev := m.event(model.EventKeyCombination, model.SeverityWarning, map[string]interface{}{"combination": combo})
	return ev, m.suppress("This shortcut is disabled during the exam.")
}

func comboString(sig RawSignal, key string) string {
	var parts []string
	if sig.Ctrl {
		parts = append(parts, "ctrl")
	}
	if sig.Alt {
		parts = append(parts, "alt")
	}
	if sig.Shift {
		parts = append(parts, "shift")
	}
	parts = append(parts, key)
	return strings.Join(parts, "+")
}

func (m *Monitor) event(t model.EventType, sev model.Severity, data map[string]interface{}) *model.MonitoringEvent {
	return &model.MonitoringEvent{
		Type:      t,
		Data:      data,
		Severity:  sev,
		Timestamp: m.clock(),
	}
}

// warn returns a report-only warning directive.
func (m *Monitor) warn(msg string) *Directive {
	return &Directive{Warning: msg, Severity: model.SeverityWarning}
}

// suppress returns a directive that also prevents the default browser action,
// but only when the session disallows open web usage.
func (m *Monitor) suppress(msg string) *Directive {
	if m.allowWebUsage {
		return nil
	}
	return &Directive{PreventDefault: true, Warning: msg, Severity: model.SeverityWarning}
}
