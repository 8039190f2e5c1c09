package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctorforge/internal/audio"
	"proctorforge/internal/authority"
	"proctorforge/internal/camera"
	"proctorforge/internal/checks"
	"proctorforge/internal/detector"
	"proctorforge/internal/event"
	"proctorforge/internal/heartbeat"
	"proctorforge/internal/outbox"
	"proctorforge/internal/shield"
	"proctorforge/internal/transport"
	"proctorforge/internal/trust"
	"proctorforge/internal/typing"
)

var (
	// ErrWrongPhase is returned when an operation is attempted outside
	// its phase.
	ErrWrongPhase = errors.New("session: operation not valid in current phase")

	// ErrChecklistIncomplete is returned when advancing before every
	// checklist item is acknowledged.
	ErrChecklistIncomplete = errors.New("session: checklist not fully acknowledged")

	// ErrBlocked is returned once the session has hit a terminal block.
	ErrBlocked = errors.New("session: blocked")
)

// Authority is the slice of the authority client the engine needs.
type Authority interface {
	SessionInit(ctx context.Context, profile authority.SessionProfile) (*authority.SessionInitResult, error)
	CreateAttempt(ctx context.Context, examID, fingerprint string) (*authority.Attempt, error)
	EndAttempt(ctx context.Context, attemptID, reason string) error
	Heartbeat(ctx context.Context, status authority.HeartbeatStatus) (*authority.HeartbeatReply, error)
	ProbeLatency(ctx context.Context) (time.Duration, error)
	LogViolation(ctx context.Context, v event.Violation) error
	LogTypingMetrics(ctx context.Context, attemptID string, m typing.Metrics) error
	CameraEvent(ctx context.Context, attemptID string, v event.Violation) error
	AudioEvent(ctx context.Context, attemptID string, v event.Violation) error
}

// Deps bundles the engine's collaborators. Camera, audio, and shield
// sources may be nil: the corresponding detector is then reported
// unavailable and stays inactive (non-fatal by policy).
type Deps struct {
	Env       checks.Environment
	Authority Authority

	CameraSource camera.Source
	AudioSource  audio.Source
	ShieldSource shield.Source

	// Telemetry supplies heartbeat liveness fields. Optional.
	Telemetry heartbeat.StatusFunc

	// Dial overrides the websocket dialer. Optional; tests use it.
	Dial transport.DialFunc

	// Outbox is the optional replay buffer for events generated while
	// the channel is down.
	Outbox *outbox.Outbox

	Logger *slog.Logger
}

// Configs bundles per-component configuration.
type Configs struct {
	Session   Config
	Checks    checks.Config
	Camera    camera.Config
	Audio     audio.Config
	Typing    typing.Config
	Shield    shield.Config
	Heartbeat heartbeat.Config
	Transport transport.Config
	Trust     trust.Config
}

// DefaultConfigs returns every component's defaults.
func DefaultConfigs() Configs {
	return Configs{
		Session:   DefaultConfig(),
		Checks:    checks.DefaultConfig(),
		Camera:    camera.DefaultConfig(),
		Audio:     audio.DefaultConfig(),
		Typing:    typing.DefaultConfig(),
		Shield:    shield.DefaultConfig(),
		Heartbeat: heartbeat.DefaultConfig(),
		Transport: transport.DefaultConfig(),
		Trust:     trust.DefaultConfig(),
	}
}

// Engine is the session state machine and detector orchestrator.
type Engine struct {
	mu   sync.Mutex
	cfgs Configs
	deps Deps
	log  *slog.Logger

	phase       Phase
	sctx        Context
	checklist   *checklist
	report      *checks.Report
	blockReason string

	paused      bool
	pauseReason string
	endReason   EndReason

	// Exam-phase machinery, built at exam entry.
	agg       *trust.Aggregator
	channel   *transport.Channel
	camera    *camera.Detector
	audio     *audio.Detector
	typing    *typing.Analyzer
	shield    *shield.Monitor
	heartbeat *heartbeat.Monitor
	detectors []detector.Detector
	snapshots *detector.Sampler
	examTimer *time.Timer
	deadline  time.Time
	runCtx    context.Context
	runCancel context.CancelFunc

	// UI callbacks, registered via the Set* methods and read under mu:
	// timer, heartbeat, and pump goroutines fire them while the exam runs.
	onMoodChange   func(trust.Mood)
	onIntervention func(transport.InterventionMsg)
	onPhaseChange  func(Phase)
}

// NewEngine creates an engine in the browser_check phase with a fresh
// session context.
func NewEngine(cfgs Configs, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfgs:      cfgs,
		deps:      deps,
		log:       logger.With("component", "session"),
		phase:     PhaseBrowserCheck,
		checklist: newChecklist(DefaultChecklist()),
		sctx: Context{
			SessionID: newSessionID(),
			ExamID:    cfgs.Session.ExamID,
			Phase:     PhaseBrowserCheck,
			Remaining: cfgs.Session.Duration,
		},
	}
}

// SetOnMoodChange registers the escalation callback. Safe at any time,
// including while the exam runs.
func (e *Engine) SetOnMoodChange(fn func(trust.Mood)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMoodChange = fn
}

// SetOnIntervention registers the intervention callback.
func (e *Engine) SetOnIntervention(fn func(transport.InterventionMsg)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onIntervention = fn
}

// SetOnPhaseChange registers the phase transition callback.
func (e *Engine) SetOnPhaseChange(fn func(Phase)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPhaseChange = fn
}

func (e *Engine) notifyPhase(p Phase) {
	e.mu.Lock()
	fn := e.onPhaseChange
	e.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Context returns a copy of the session context.
func (e *Engine) Context() Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	sctx := e.sctx
	sctx.Phase = e.phase
	if e.phase == PhaseExam && !e.paused {
		sctx.Remaining = time.Until(e.deadline)
	}
	return sctx
}

// BlockReason returns the terminal block explanation, if blocked.
func (e *Engine) BlockReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blockReason
}

// Checklist returns the acknowledgment state.
func (e *Engine) Checklist() []ChecklistItem {
	return e.checklist.snapshot()
}

// Paused reports whether the exam is paused by directive.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Aggregator exposes the trust aggregator during the exam phase; nil
// before it.
func (e *Engine) Aggregator() *trust.Aggregator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg
}

// Start runs the browser_check phase: a disallowed or outdated browser is
// a terminal block; otherwise the session advances to the warning
// checklist.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.phase != PhaseBrowserCheck {
		e.mu.Unlock()
		return ErrWrongPhase
	}
	e.mu.Unlock()

	result := checks.CheckBrowser(e.cfgs.Checks, e.deps.Env)
	if result.Fatal {
		e.block(result.Detail)
		return fmt.Errorf("%w: %s", ErrBlocked, result.Detail)
	}
	e.transition(PhaseWarningChecklist)
	return nil
}

// Acknowledge marks one checklist item.
func (e *Engine) Acknowledge(itemID string) error {
	e.mu.Lock()
	phase := e.phase
	e.mu.Unlock()
	if phase != PhaseWarningChecklist {
		return ErrWrongPhase
	}
	if !e.checklist.acknowledge(itemID) {
		return fmt.Errorf("session: unknown checklist item %q", itemID)
	}
	return nil
}

// RunSecurityChecks executes the ordered check sequence, registers the
// device profile, creates the attempt, and enters the exam phase. Hard
// stops (virtualization, network latency) block the session terminally.
func (e *Engine) RunSecurityChecks(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhaseWarningChecklist {
		e.mu.Unlock()
		return ErrWrongPhase
	}
	if !e.checklist.complete() {
		e.mu.Unlock()
		return ErrChecklistIncomplete
	}
	e.mu.Unlock()

	e.transition(PhaseSecurityChecks)

	report := checks.Run(ctx, e.cfgs.Checks, e.deps.Env, e.deps.Authority)
	e.mu.Lock()
	e.report = report
	e.mu.Unlock()

	if report.Blocked {
		e.block(report.BlockReason)
		return fmt.Errorf("%w: %s", ErrBlocked, report.BlockReason)
	}

	init, err := e.deps.Authority.SessionInit(ctx, report.Profile)
	if err != nil {
		// Registration is required; without it the attempt cannot be
		// created. Not a terminal block: the caller may retry.
		e.transitionBack(PhaseWarningChecklist)
		return fmt.Errorf("register session profile: %w", err)
	}
	if !init.Ready {
		reason := "session rejected by authority"
		if len(init.Blocking) > 0 {
			reason = init.Blocking[0]
		}
		e.block(reason)
		return fmt.Errorf("%w: %s", ErrBlocked, reason)
	}

	attempt, err := e.deps.Authority.CreateAttempt(ctx, e.cfgs.Session.ExamID, report.Fingerprint)
	if err != nil {
		e.transitionBack(PhaseWarningChecklist)
		return fmt.Errorf("create attempt: %w", err)
	}

	e.mu.Lock()
	e.sctx.AttemptID = attempt.ID
	e.sctx.StartedAt = time.Now()
	e.mu.Unlock()

	return e.enterExam(init.SessionToken)
}

// CheckReport returns the recorded security-check report, if any.
func (e *Engine) CheckReport() *checks.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.report
}

// enterExam builds and starts the full detector set. Only reachable from
// a completed security_checks phase.
func (e *Engine) enterExam(sessionToken string) error {
	e.mu.Lock()
	attemptID := e.sctx.AttemptID
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	runCtx := e.runCtx
	e.mu.Unlock()

	signer, err := event.NewSigner([]byte(sessionToken), attemptID)
	if err != nil {
		e.log.Warn("event signing disabled", "error", err)
		signer = nil
	}

	// Realtime channel, keyed by session type and attempt.
	tcfg := e.cfgs.Transport
	tcfg.SessionType = "exam"
	tcfg.SessionID = attemptID
	if sessionToken != "" {
		tcfg.Token = sessionToken
	}
	channel := transport.New(tcfg, e.deps.Dial, e.log.With("component", "transport"))

	agg := trust.New(
		e.cfgs.Trust,
		attemptID,
		signer,
		e.forwardFunc(channel),
		func(m trust.Mood) {
			e.mu.Lock()
			fn := e.onMoodChange
			e.mu.Unlock()
			if fn != nil {
				fn(m)
			}
		},
		func() { e.End(EndAutoSubmitted) },
		e.log.With("component", "trust"),
	)

	e.mu.Lock()
	e.agg = agg
	e.channel = channel
	e.mu.Unlock()

	e.registerHandlers(channel)
	if e.deps.Outbox != nil {
		channel.OnOpen(func() { e.flushOutbox(channel) })
	}
	if err := channel.Start(runCtx); err != nil {
		return fmt.Errorf("start channel: %w", err)
	}

	e.startDetectors(runCtx, attemptID, agg)
	e.armTimer()
	e.transition(PhaseExam)
	return nil
}

// startDetectors brings up every exam-phase detector. Media-source
// failures are non-fatal: the detector is logged inactive and the session
// proceeds.
func (e *Engine) startDetectors(ctx context.Context, attemptID string, agg *trust.Aggregator) {
	logger := e.log

	var detectors []detector.Detector

	if e.deps.CameraSource != nil {
		cam := camera.New(e.cfgs.Camera, e.deps.CameraSource, func(kind event.Kind, conf float64, payload map[string]any) {
			v := agg.Record(kind, conf, payload)
			e.deps.Authority.CameraEvent(context.Background(), attemptID, v)
		}, logger.With("component", "camera"))
		if err := cam.Start(ctx); err != nil {
			logger.Warn("camera detector inactive", "error", err)
		}
		e.mu.Lock()
		e.camera = cam
		e.mu.Unlock()
		detectors = append(detectors, cam)
	} else {
		logger.Warn("camera detector inactive", "error", detector.ErrSourceUnavailable)
	}

	if e.deps.AudioSource != nil {
		aud := audio.New(e.cfgs.Audio, e.deps.AudioSource, func(kind event.Kind, conf float64, payload map[string]any) {
			v := agg.Record(kind, conf, payload)
			e.deps.Authority.AudioEvent(context.Background(), attemptID, v)
		}, logger.With("component", "audio"))
		if err := aud.Start(ctx); err != nil {
			logger.Warn("audio detector inactive", "error", err)
		}
		e.mu.Lock()
		e.audio = aud
		e.mu.Unlock()
		detectors = append(detectors, aud)
	} else {
		logger.Warn("audio detector inactive", "error", detector.ErrSourceUnavailable)
	}

	typer := typing.New(e.cfgs.Typing, func(m typing.Metrics) {
		e.deps.Authority.LogTypingMetrics(context.Background(), attemptID, m)
	}, logger.With("component", "typing"))
	if err := typer.Start(ctx); err != nil {
		logger.Warn("typing analyzer inactive", "error", err)
	}
	detectors = append(detectors, typer)

	if e.deps.ShieldSource != nil {
		sh := shield.New(e.cfgs.Shield, e.deps.ShieldSource, func(kind event.Kind, conf float64, payload map[string]any) {
			v := agg.Record(kind, conf, payload)
			e.deps.Authority.LogViolation(context.Background(), v)
		}, logger.With("component", "shield"))
		if err := sh.Start(ctx); err != nil {
			logger.Warn("shield inactive", "error", err)
		}
		e.mu.Lock()
		e.shield = sh
		e.mu.Unlock()
		detectors = append(detectors, sh)
	}

	telemetry := e.deps.Telemetry
	if telemetry == nil {
		telemetry = func() authority.HeartbeatStatus {
			return authority.HeartbeatStatus{TabVisible: true, Fullscreen: true}
		}
	}

	e.mu.Lock()
	channel := e.channel
	e.mu.Unlock()
	snapshots := detector.NewSampler(e.cfgs.Session.SnapshotInterval, func(time.Time) {
		e.publishSnapshot(channel, agg, attemptID, telemetry)
	})
	if err := snapshots.Start(ctx); err != nil {
		logger.Warn("snapshot publisher inactive", "error", err)
	}
	wrapped := func() authority.HeartbeatStatus {
		s := telemetry()
		s.AttemptID = attemptID
		s.Timestamp = float64(time.Now().UnixMilli()) / 1000
		return s
	}
	hb := heartbeat.New(e.cfgs.Heartbeat, e.deps.Authority, wrapped,
		func(sv authority.ServerViolation) {
			v := agg.Record(event.Kind(sv.Type), 1.0, map[string]any{"message": sv.Message, "source": "authority"})
			e.deps.Authority.LogViolation(context.Background(), v)
		},
		func() { e.Pause("paused by authority") },
		logger.With("component", "heartbeat"))
	if err := hb.Start(ctx); err != nil {
		logger.Warn("heartbeat inactive", "error", err)
	}
	detectors = append(detectors, hb)

	e.mu.Lock()
	e.typing = typer
	e.heartbeat = hb
	e.detectors = detectors
	e.snapshots = snapshots
	e.mu.Unlock()
}

// publishSnapshot pushes one full monitoring snapshot to the teacher feed.
// Best-effort: a closed channel drops the snapshot, the next tick retries.
func (e *Engine) publishSnapshot(channel *transport.Channel, agg *trust.Aggregator, attemptID string, telemetry heartbeat.StatusFunc) {
	e.mu.Lock()
	cam, aud := e.camera, e.audio
	e.mu.Unlock()

	cameraStatus := "inactive"
	if cam != nil && cam.Active() {
		cameraStatus = "face_missing"
		if cam.FaceDetected() {
			cameraStatus = "face_detected"
		}
	}
	audioStatus := "inactive"
	if aud != nil && aud.Active() {
		audioStatus = "active"
	}

	snap := agg.Snapshot()
	status := telemetry()
	msg := transport.SnapshotMsg{
		Type:         transport.MsgMonitoringSnapshot,
		ExamID:       e.cfgs.Session.ExamID,
		AttemptID:    attemptID,
		TrustScore:   snap.Score,
		RiskLevel:    string(snap.RiskLevel),
		CameraStatus: cameraStatus,
		AudioStatus:  audioStatus,
		TabVisible:   status.TabVisible,
		Fullscreen:   status.Fullscreen,
	}
	if err := channel.Send(msg); err != nil {
		e.log.Debug("snapshot send dropped", "error", err)
	}
}

// PublishCode streams a live code preview to the teacher feed. Only valid
// during the exam phase.
func (e *Engine) PublishCode(code, language string) error {
	e.mu.Lock()
	phase := e.phase
	channel := e.channel
	e.mu.Unlock()
	if phase != PhaseExam || channel == nil {
		return ErrWrongPhase
	}
	return channel.Send(transport.CodeUpdateMsg{
		Type:     transport.MsgCodeUpdate,
		ExamID:   e.cfgs.Session.ExamID,
		Code:     code,
		Language: language,
	})
}

// forwardFunc ships aggregated events over the channel, falling back to
// the outbox while the channel is down.
func (e *Engine) forwardFunc(channel *transport.Channel) trust.ForwardFunc {
	return func(v event.Violation) {
		msg := transport.ViolationMsg{
			Type:       transport.MsgViolationEvent,
			ExamID:     e.cfgs.Session.ExamID,
			AttemptID:  v.AttemptID,
			EventID:    v.ID,
			EventType:  string(v.Kind),
			Confidence: v.Confidence,
			Payload:    v.Payload,
			Signature:  v.Signature,
			OccurredAt: v.OccurredAt.UnixNano(),
		}
		err := channel.Send(msg)
		if err == nil {
			return
		}
		if errors.Is(err, transport.ErrNotOpen) && e.deps.Outbox != nil {
			if qerr := e.deps.Outbox.Enqueue(v); qerr != nil {
				e.log.Debug("outbox enqueue failed", "error", qerr)
			}
			return
		}
		e.log.Debug("violation send dropped", "error", err)
	}
}

// flushOutbox replays buffered events after a reconnect.
func (e *Engine) flushOutbox(channel *transport.Channel) {
	err := e.deps.Outbox.Drain(func(v event.Violation) error {
		return channel.Send(transport.ViolationMsg{
			Type:       transport.MsgViolationEvent,
			ExamID:     e.cfgs.Session.ExamID,
			AttemptID:  v.AttemptID,
			EventID:    v.ID,
			EventType:  string(v.Kind),
			Confidence: v.Confidence,
			Payload:    v.Payload,
			Signature:  v.Signature,
			OccurredAt: v.OccurredAt.UnixNano(),
		})
	})
	if err != nil {
		e.log.Debug("outbox flush interrupted", "error", err)
	}
}

// registerHandlers wires the inbound directive vocabulary. Control
// directives bypass local thresholds and apply immediately.
func (e *Engine) registerHandlers(channel *transport.Channel) {
	score := func(raw json.RawMessage) {
		var msg transport.TrustScoreMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if agg := e.Aggregator(); agg != nil {
			agg.UpdateServerScore(msg.TrustScore, msg.RiskLevel)
		}
	}
	channel.Handle(transport.MsgTrustScore, score)
	channel.Handle(transport.MsgTrustScoreUpdate, score)

	channel.Handle(transport.MsgIntervention, func(raw json.RawMessage) {
		var msg transport.InterventionMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		e.log.Info("intervention received", "risk_level", msg.RiskLevel)
		e.mu.Lock()
		fn := e.onIntervention
		e.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	})

	channel.Handle(transport.MsgTimerSync, func(raw json.RawMessage) {
		var msg transport.TimerSyncMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		e.syncTimer(time.Duration(msg.RemainingSeconds * float64(time.Second)))
	})

	pause := func(raw json.RawMessage) {
		var msg transport.ControlMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		e.Pause(msg.Reason)
	}
	channel.Handle(transport.MsgExamPaused, pause)
	channel.Handle(transport.MsgForcePause, pause)

	terminate := func(raw json.RawMessage) {
		var msg transport.ControlMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		e.log.Warn("exam terminated by authority", "reason", msg.Reason)
		// End stops the channel, which waits for the pump this handler runs
		// on; finish the teardown off the pump goroutine.
		go e.End(EndTerminated)
	}
	channel.Handle(transport.MsgExamTerminated, terminate)
	channel.Handle(transport.MsgForceTerminate, terminate)
}

// armTimer starts the exam countdown.
func (e *Engine) armTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deadline = time.Now().Add(e.sctx.Remaining)
	e.examTimer = time.AfterFunc(e.sctx.Remaining, func() { e.End(EndTimerExpired) })
}

// syncTimer applies an authoritative remaining-time update.
func (e *Engine) syncTimer(remaining time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseExam || e.examTimer == nil {
		return
	}
	e.sctx.Remaining = remaining
	e.deadline = time.Now().Add(remaining)
	e.examTimer.Stop()
	e.examTimer = time.AfterFunc(remaining, func() { e.End(EndTimerExpired) })
}

// Pause suspends the exam on an authority directive. Detectors keep
// running: the pause is a UI overlay, and the heartbeat and channel stay
// live so a resume directive can arrive.
func (e *Engine) Pause(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseExam || e.paused {
		return
	}
	e.paused = true
	e.pauseReason = reason
	e.sctx.Remaining = time.Until(e.deadline)
	if e.examTimer != nil {
		e.examTimer.Stop()
	}
	e.log.Warn("exam paused", "reason", reason)
}

// Resume lifts a pause and re-arms the countdown.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseExam || !e.paused {
		return
	}
	e.paused = false
	e.pauseReason = ""
	e.deadline = time.Now().Add(e.sctx.Remaining)
	e.examTimer = time.AfterFunc(e.sctx.Remaining, func() { e.End(EndTimerExpired) })
	e.log.Info("exam resumed")
}

// Submit ends the exam at the user's request.
func (e *Engine) Submit() error {
	if e.Phase() != PhaseExam {
		return ErrWrongPhase
	}
	e.End(EndSubmitted)
	return nil
}

// End transitions to the terminal ended phase: every detector and the
// heartbeat are stopped synchronously, the final end-of-attempt call is
// flushed, and the channel is torn down last. Idempotent.
func (e *Engine) End(reason EndReason) {
	e.mu.Lock()
	if e.phase != PhaseExam {
		e.mu.Unlock()
		return
	}
	e.phase = PhaseEnded
	e.sctx.Phase = PhaseEnded
	e.endReason = reason
	detectors := e.detectors
	snapshots := e.snapshots
	agg := e.agg
	channel := e.channel
	timer := e.examTimer
	cancel := e.runCancel
	attemptID := e.sctx.AttemptID
	e.mu.Unlock()

	e.log.Info("session ending", "reason", reason)

	if timer != nil {
		timer.Stop()
	}
	if snapshots != nil {
		snapshots.Stop()
	}
	for _, d := range detectors {
		d.Stop()
	}
	if agg != nil {
		agg.Close()
	}

	// Flush the end-of-attempt call while the transport may still be up,
	// then tear everything down.
	ctx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	if err := e.deps.Authority.EndAttempt(ctx, attemptID, string(reason)); err != nil {
		e.log.Warn("end-of-attempt flush failed", "error", err)
	}
	cancelFlush()

	if channel != nil {
		channel.Stop()
	}
	if cancel != nil {
		cancel()
	}

	e.notifyPhase(PhaseEnded)
}

// EndReason reports why the exam ended; empty until it has.
func (e *Engine) EndReason() EndReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endReason
}

func (e *Engine) transition(next Phase) {
	e.mu.Lock()
	e.phase = next
	e.sctx.Phase = next
	e.mu.Unlock()
	e.log.Info("phase transition", "phase", next)
	e.notifyPhase(next)
}

// transitionBack retreats after a recoverable registration failure.
func (e *Engine) transitionBack(prev Phase) {
	e.mu.Lock()
	e.phase = prev
	e.sctx.Phase = prev
	e.mu.Unlock()
}

func (e *Engine) block(reason string) {
	e.mu.Lock()
	e.phase = PhaseBlocked
	e.sctx.Phase = PhaseBlocked
	e.blockReason = reason
	e.mu.Unlock()
	e.log.Error("session blocked", "reason", reason)
	e.notifyPhase(PhaseBlocked)
}
