// Package event defines the violation event model shared by every detector.
//
// Events are immutable once created: detectors append them to the session's
// ordered log, the aggregator reads them for escalation, and the transport
// ships them to the authority service. Nothing ever mutates an event after
// construction.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies a category of integrity signal.
type Kind string

// Violation kinds. These are the wire names the authority service expects.
const (
	KindTabSwitch          Kind = "tab_switch"
	KindWindowBlur         Kind = "window_blur"
	KindClipboardUse       Kind = "clipboard_use"
	KindDevtoolsSignal     Kind = "devtools_signal"
	KindFullscreenExit     Kind = "fullscreen_exit"
	KindFaceMissing        Kind = "face_missing"
	KindMultiFace          Kind = "multi_face"
	KindGazeDeviation      Kind = "gaze_deviation"
	KindMultiVoice         Kind = "multi_voice"
	KindScreenShareStopped Kind = "screen_share_stopped"
	KindHeartbeatGap       Kind = "heartbeat_gap"
	KindLowBattery         Kind = "low_battery"
)

// Informational kinds. These update local state and the teacher feed but do
// not count toward escalation.
const (
	KindFaceDetected    Kind = "face_detected"
	KindVoiceDetected   Kind = "voice_detected"
	KindBackgroundNoise Kind = "background_noise"
	KindSilence         Kind = "silence"
)

// Severity buckets violation kinds for reporting.
type Severity string

// Severity levels.
const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severity returns the severity bucket for the kind.
func (k Kind) Severity() Severity {
	switch k {
	case KindMultiFace, KindMultiVoice, KindDevtoolsSignal:
		return SeverityCritical
	case KindTabSwitch, KindWindowBlur, KindFaceMissing, KindScreenShareStopped:
		return SeverityHigh
	case KindClipboardUse, KindFullscreenExit, KindGazeDeviation:
		return SeverityMedium
	case KindHeartbeatGap, KindLowBattery, KindBackgroundNoise:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// Penalty returns the trust-score penalty weight the authority applies for
// the kind. Carried in the payload so the teacher dashboard can show the
// pending deduction before the server confirms it.
func (k Kind) Penalty() float64 {
	switch k {
	case KindTabSwitch:
		return 6
	case KindWindowBlur:
		return 5
	case KindClipboardUse:
		return 4
	case KindDevtoolsSignal:
		return 20
	case KindFullscreenExit:
		return 10
	case KindFaceMissing:
		return 8
	case KindMultiFace:
		return 12
	case KindGazeDeviation:
		return 3
	case KindMultiVoice:
		return 10
	case KindScreenShareStopped:
		return 10
	case KindHeartbeatGap:
		return 2
	case KindLowBattery:
		return 1
	default:
		return 0
	}
}

// Countable reports whether the kind contributes to the local escalation
// counter. Informational kinds never do.
func (k Kind) Countable() bool {
	switch k {
	case KindFaceDetected, KindVoiceDetected, KindBackgroundNoise, KindSilence:
		return false
	default:
		return true
	}
}

// Violation is one discrete integrity signal.
type Violation struct {
	ID         string         `json:"id"`
	AttemptID  string         `json:"attempt_id"`
	Kind       Kind           `json:"kind"`
	OccurredAt time.Time      `json:"occurred_at"`
	Confidence float64        `json:"confidence"`
	Payload    map[string]any `json:"payload,omitempty"`
	Signature  string         `json:"signature,omitempty"`
}

// New creates an unsigned violation with a fresh identifier.
func New(attemptID string, kind Kind, confidence float64, payload map[string]any) Violation {
	return Violation{
		ID:         uuid.NewString(),
		AttemptID:  attemptID,
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Confidence: confidence,
		Payload:    payload,
	}
}

// Log is the session's append-only event sequence.
type Log struct {
	events []Violation
}

// Append adds an event to the log.
func (l *Log) Append(v Violation) {
	l.events = append(l.events, v)
}

// Len returns the number of events recorded.
func (l *Log) Len() int {
	return len(l.events)
}

// Events returns a copy of the recorded sequence, in arrival order.
func (l *Log) Events() []Violation {
	out := make([]Violation, len(l.events))
	copy(out, l.events)
	return out
}
