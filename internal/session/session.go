// Package session owns the exam session lifecycle.
//
// A session moves through a fixed sequence of phases; the state machine in
// this package is the single source of truth for the current phase and the
// only component with transition authority. Detectors never start
// themselves; the machine starts them when the exam phase begins and
// tears every one of them down, synchronously, when it ends.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is a stage of the session state machine.
type Phase string

// Phases, in order. Blocked and Ended are terminal.
const (
	PhaseBrowserCheck     Phase = "browser_check"
	PhaseWarningChecklist Phase = "warning_checklist"
	PhaseSecurityChecks   Phase = "security_checks"
	PhaseExam             Phase = "exam"
	PhaseEnded            Phase = "ended"
	PhaseBlocked          Phase = "blocked"
)

// EndReason records why the exam phase ended.
type EndReason string

// End reasons.
const (
	EndSubmitted     EndReason = "submitted"
	EndTimerExpired  EndReason = "timer_expired"
	EndAutoSubmitted EndReason = "auto_submitted"
	EndTerminated    EndReason = "terminated"
)

// Context identifies one exam-taking session. It is owned exclusively by
// the state machine: created when browser_check is entered, mutated only
// through the machine's transitions, and discarded at ended.
type Context struct {
	SessionID     string        `json:"session_id"`
	AttemptID     string        `json:"attempt_id"`
	ExamID        string        `json:"exam_id"`
	StartedAt     time.Time     `json:"started_at"`
	Remaining     time.Duration `json:"remaining"`
	Phase         Phase         `json:"phase"`
	QuestionIndex int           `json:"question_index"`
}

// ChecklistItem is one precondition the user must acknowledge before the
// security checks run.
type ChecklistItem struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	Acknowledged bool   `json:"acknowledged"`
}

// DefaultChecklist returns the fixed precondition list.
func DefaultChecklist() []ChecklistItem {
	texts := []string{
		"My device is plugged in or fully charged",
		"I am alone in the room",
		"My camera has a clear view of my face",
		"I have closed every other application",
		"I will stay in fullscreen until I submit",
	}
	items := make([]ChecklistItem, len(texts))
	for i, t := range texts {
		items[i] = ChecklistItem{ID: itemID(i), Text: t}
	}
	return items
}

func itemID(i int) string {
	return "item-" + string(rune('a'+i))
}

// Config controls the session.
type Config struct {
	// ExamID identifies the exam being attempted.
	ExamID string `json:"exam_id"`

	// Duration is the exam time budget; the countdown starts when the
	// exam phase is entered.
	Duration time.Duration `json:"duration"`

	// SnapshotInterval between monitoring snapshots pushed to the
	// teacher feed while the exam runs.
	SnapshotInterval time.Duration `json:"snapshot_interval"`
}

// DefaultConfig returns a default session configuration.
func DefaultConfig() Config {
	return Config{
		Duration:         time.Hour,
		SnapshotInterval: 5 * time.Second,
	}
}

// checklist is the machine's mutable acknowledgment state.
type checklist struct {
	mu    sync.Mutex
	items []ChecklistItem
}

func newChecklist(items []ChecklistItem) *checklist {
	cp := make([]ChecklistItem, len(items))
	copy(cp, items)
	return &checklist{items: cp}
}

func (c *checklist) acknowledge(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].ID == id {
			c.items[i].Acknowledged = true
			return true
		}
	}
	return false
}

func (c *checklist) complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range c.items {
		if !item.Acknowledged {
			return false
		}
	}
	return len(c.items) > 0
}

func (c *checklist) snapshot() []ChecklistItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]ChecklistItem, len(c.items))
	copy(cp, c.items)
	return cp
}

// newSessionID mints the opaque session identifier.
func newSessionID() string {
	return uuid.NewString()
}
