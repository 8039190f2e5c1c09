package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound message types the engine reacts to.
const (
	MsgTrustScore       = "trust_score"
	MsgTrustScoreUpdate = "trust_score_update"
	MsgIntervention     = "intervention"
	MsgTimerSync        = "timer_sync"
	MsgExamPaused       = "exam_paused"
	MsgExamTerminated   = "exam_terminated"
	MsgForcePause       = "force_pause"
	MsgForceTerminate   = "force_terminate"
	MsgPong             = "pong"
)

// Outbound message types.
const (
	MsgViolationEvent     = "violation_event"
	MsgMonitoringSnapshot = "monitoring_snapshot"
	MsgCodeUpdate         = "code_update"
	MsgPing               = "ping"
)

// inboundSchema constrains every message read off the channel: a JSON
// object with a non-empty string type tag. Payload fields vary by type and
// are checked by the individual handlers.
const inboundSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"type": {"type": "string", "minLength": 1}
	},
	"required": ["type"]
}`

var compiledInbound = jsonschema.MustCompileString("inbound.json", inboundSchema)

// ValidateInbound checks a raw inbound message against the envelope schema
// and returns its type tag.
func ValidateInbound(data []byte) (string, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return "", fmt.Errorf("decode message: %w", err)
	}
	if err := compiledInbound.Validate(instance); err != nil {
		return "", fmt.Errorf("message envelope: %w", err)
	}
	obj := instance.(map[string]any)
	return strings.TrimSpace(obj["type"].(string)), nil
}

// TrustScoreMsg is a server trust push.
type TrustScoreMsg struct {
	Type       string  `json:"type"`
	TrustScore float64 `json:"trust_score"`
	RiskLevel  string  `json:"risk_level"`
}

// InterventionMsg carries a teacher or AI intervention for the student.
type InterventionMsg struct {
	Type             string `json:"type"`
	InterventionText string `json:"intervention_text"`
	ChallengePrompt  string `json:"challenge_prompt"`
	RiskLevel        string `json:"risk_level"`
}

// TimerSyncMsg carries the authoritative remaining time.
type TimerSyncMsg struct {
	Type             string  `json:"type"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// ControlMsg covers pause/terminate directives, both the broadcast forms
// (exam_paused, exam_terminated) and the teacher-issued forms
// (force_pause, force_terminate). They are honored immediately regardless
// of local state.
type ControlMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ViolationMsg is the outbound violation envelope.
type ViolationMsg struct {
	Type       string         `json:"type"`
	ExamID     string         `json:"exam_id"`
	AttemptID  string         `json:"attempt_id"`
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	Confidence float64        `json:"confidence"`
	Payload    map[string]any `json:"payload,omitempty"`
	Signature  string         `json:"signature,omitempty"`
	OccurredAt int64          `json:"occurred_at"`
}

// SnapshotMsg is the periodic full monitoring snapshot for the teacher
// dashboard.
type SnapshotMsg struct {
	Type         string  `json:"type"`
	ExamID       string  `json:"exam_id"`
	AttemptID    string  `json:"attempt_id"`
	TrustScore   float64 `json:"trust_score"`
	RiskLevel    string  `json:"risk_level"`
	CameraStatus string  `json:"camera_status"`
	AudioStatus  string  `json:"audio_status"`
	TabVisible   bool    `json:"tab_visible"`
	Fullscreen   bool    `json:"fullscreen"`
}

// CodeUpdateMsg streams a live code preview to the teacher feed.
type CodeUpdateMsg struct {
	Type     string `json:"type"`
	ExamID   string `json:"exam_id"`
	Code     string `json:"code"`
	Language string `json:"language"`
}
