// Package trust folds every violation event into the session's escalation
// state.
//
// The aggregator keeps one counter and one policy function for the whole
// session. Every detector, the shield included, reports through the same
// path; there is no second private counter with its own threshold anywhere
// else.
//
// The authoritative trust score is computed server-side and pushed to the
// client; the local counter exists so escalation decisions do not wait on
// a network round trip. The two are reconciled in the snapshot: local
// count for liveness, server score for truth.
package trust

import (
	"log/slog"
	"sync"
	"time"

	"proctorforge/internal/event"
)

// Mood is the local escalation level driving the exam UI.
type Mood string

// Moods, in escalation order.
const (
	MoodLow      Mood = "low"
	MoodAlert    Mood = "alert"
	MoodWarning  Mood = "warning"
	MoodCritical Mood = "critical"
)

// RiskLevel buckets the server trust score.
type RiskLevel string

// Risk levels.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFromScore buckets a 0-100 trust score.
func RiskFromScore(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskLow
	case score >= 60:
		return RiskMedium
	case score >= 40:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Snapshot reconciles the server's trust verdict with the local tally.
type Snapshot struct {
	Score          float64   `json:"score"`
	RiskLevel      RiskLevel `json:"risk_level"`
	ViolationCount int       `json:"violation_count"`
}

// Config controls escalation.
type Config struct {
	// Count thresholds: count > Alert -> alert, > Warning -> warning,
	// > Critical -> critical plus a one-shot delayed auto-submit.
	AlertThreshold    int `json:"alert_threshold"`
	WarningThreshold  int `json:"warning_threshold"`
	CriticalThreshold int `json:"critical_threshold"`

	// AutoSubmitDelay between crossing the critical threshold and the
	// forced submission.
	AutoSubmitDelay time.Duration `json:"auto_submit_delay"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		AlertThreshold:    1,
		WarningThreshold:  3,
		CriticalThreshold: 5,
		AutoSubmitDelay:   3 * time.Second,
	}
}

// ForwardFunc ships a signed violation toward the authority (channel or
// replay buffer). Delivery is best-effort.
type ForwardFunc func(v event.Violation)

// Aggregator is the session's escalation authority.
type Aggregator struct {
	mu     sync.Mutex
	cfg    Config
	signer *event.Signer
	logger *slog.Logger

	attemptID string
	log       event.Log
	count     int
	mood      Mood
	snapshot  Snapshot

	forward      ForwardFunc
	onMoodChange func(Mood)
	onAutoSubmit func()

	submitTimer     *time.Timer
	submitScheduled bool
	closed          bool
}

// New creates an aggregator. signer may be nil (events go out unsigned);
// callbacks may be nil.
func New(cfg Config, attemptID string, signer *event.Signer, forward ForwardFunc, onMoodChange func(Mood), onAutoSubmit func(), logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cfg:          cfg,
		signer:       signer,
		logger:       logger,
		attemptID:    attemptID,
		mood:         MoodLow,
		snapshot:     Snapshot{Score: 100, RiskLevel: RiskLow},
		forward:      forward,
		onMoodChange: onMoodChange,
		onAutoSubmit: onAutoSubmit,
	}
}

// Record folds one detector signal into the session state and forwards it.
// Informational kinds are appended to the log and forwarded but never
// escalate. Returns the recorded event.
func (a *Aggregator) Record(kind event.Kind, confidence float64, payload map[string]any) event.Violation {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["penalty"] = kind.Penalty()
	payload["severity"] = string(kind.Severity())

	v := event.New(a.attemptID, kind, confidence, payload)
	if a.signer != nil {
		if signed, err := a.signer.Sign(v); err == nil {
			v = signed
		} else {
			a.logger.Debug("event signing failed", "error", err)
		}
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return v
	}
	a.log.Append(v)

	var moodChanged bool
	var fireSubmit bool
	if kind.Countable() {
		a.count++
		a.snapshot.ViolationCount = a.count
		next := a.policy(a.count)
		if next != a.mood {
			a.mood = next
			moodChanged = true
		}
		// The auto-submit timer is scheduled exactly once; later events
		// past the threshold never reschedule it.
		if next == MoodCritical && !a.submitScheduled {
			a.submitScheduled = true
			fireSubmit = true
		}
	}
	mood := a.mood
	a.mu.Unlock()

	if moodChanged {
		a.logger.Info("escalation mood changed", "mood", mood, "count", a.Count())
		if a.onMoodChange != nil {
			a.onMoodChange(mood)
		}
	}
	if fireSubmit {
		a.scheduleAutoSubmit()
	}
	if a.forward != nil {
		a.forward(v)
	}
	return v
}

// policy maps the running count to a mood.
func (a *Aggregator) policy(count int) Mood {
	switch {
	case count > a.cfg.CriticalThreshold:
		return MoodCritical
	case count > a.cfg.WarningThreshold:
		return MoodWarning
	case count > a.cfg.AlertThreshold:
		return MoodAlert
	default:
		return MoodLow
	}
}

func (a *Aggregator) scheduleAutoSubmit() {
	a.logger.Warn("violation threshold crossed, auto-submit scheduled", "delay", a.cfg.AutoSubmitDelay)
	a.mu.Lock()
	a.submitTimer = time.AfterFunc(a.cfg.AutoSubmitDelay, func() {
		if a.onAutoSubmit != nil {
			a.onAutoSubmit()
		}
	})
	a.mu.Unlock()
}

// UpdateServerScore applies a trust push from the authority.
func (a *Aggregator) UpdateServerScore(score float64, risk string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshot.Score = score
	if risk != "" {
		a.snapshot.RiskLevel = RiskLevel(risk)
	} else {
		a.snapshot.RiskLevel = RiskFromScore(score)
	}
}

// Snapshot returns the reconciled trust state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

// Mood returns the current local escalation mood.
func (a *Aggregator) Mood() Mood {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mood
}

// Count returns the running violation count.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// AutoSubmitScheduled reports whether the forced submission has been
// armed.
func (a *Aggregator) AutoSubmitScheduled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submitScheduled
}

// Events returns the session's ordered event sequence.
func (a *Aggregator) Events() []event.Violation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.log.Events()
}

// Close stops escalation. Only the session state machine calls this, at
// session end; a pending auto-submit timer is cancelled.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.submitTimer != nil {
		a.submitTimer.Stop()
	}
}
