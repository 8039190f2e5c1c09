package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"proctorforge/internal/authority"
	"proctorforge/internal/camera"
	"proctorforge/internal/event"
	"proctorforge/internal/outbox"
	"proctorforge/internal/transport"
	"proctorforge/internal/trust"
	"proctorforge/internal/typing"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeAuthority struct {
	mu sync.Mutex

	initResult *authority.SessionInitResult
	initErr    error
	attemptErr error

	endCalls   int
	endReason  string
	violations []event.Violation
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		initResult: &authority.SessionInitResult{Ready: true, SessionToken: "session-secret"},
	}
}

func (a *fakeAuthority) SessionInit(context.Context, authority.SessionProfile) (*authority.SessionInitResult, error) {
	if a.initErr != nil {
		return nil, a.initErr
	}
	return a.initResult, nil
}

func (a *fakeAuthority) CreateAttempt(context.Context, string, string) (*authority.Attempt, error) {
	if a.attemptErr != nil {
		return nil, a.attemptErr
	}
	return &authority.Attempt{ID: "attempt-1", Status: "active", TrustScore: 100}, nil
}

func (a *fakeAuthority) EndAttempt(_ context.Context, _ string, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endCalls++
	a.endReason = reason
	return nil
}

func (a *fakeAuthority) Heartbeat(context.Context, authority.HeartbeatStatus) (*authority.HeartbeatReply, error) {
	return &authority.HeartbeatReply{Status: "ok"}, nil
}

func (a *fakeAuthority) ProbeLatency(context.Context) (time.Duration, error) {
	return 30 * time.Millisecond, nil
}

func (a *fakeAuthority) LogViolation(_ context.Context, v event.Violation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.violations = append(a.violations, v)
	return nil
}

func (a *fakeAuthority) LogTypingMetrics(context.Context, string, typing.Metrics) error { return nil }
func (a *fakeAuthority) CameraEvent(context.Context, string, event.Violation) error     { return nil }
func (a *fakeAuthority) AudioEvent(context.Context, string, event.Violation) error      { return nil }

func (a *fakeAuthority) ended() (int, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endCalls, a.endReason
}

type fakeEnv struct {
	browserName    string
	browserVersion string
	gpu            string
}

func (e *fakeEnv) Browser() (string, string)  { return e.browserName, e.browserVersion }
func (e *fakeEnv) OSName() string             { return "linux" }
func (e *fakeEnv) GPURenderer() string        { return e.gpu }
func (e *fakeEnv) ScreenCount() int           { return 1 }
func (e *fakeEnv) Extensions() []string       { return nil }
func (e *fakeEnv) WebcamAvailable() bool      { return true }
func (e *fakeEnv) MicAvailable() bool         { return true }
func (e *fakeEnv) ScreenShareAvailable() bool { return true }
func (e *fakeEnv) FullscreenCapable() bool    { return true }

func goodEnv() *fakeEnv {
	return &fakeEnv{browserName: "Chrome", browserVersion: "126.0", gpu: "NVIDIA GeForce"}
}

// deniedCamera refuses to open, like a browser permission denial.
type deniedCamera struct{}

func (deniedCamera) Open(context.Context) error { return errors.New("permission denied") }

func (deniedCamera) Frame(context.Context) (*camera.Frame, error) {
	return nil, errors.New("not open")
}

func (deniedCamera) Close() error { return nil }

// fakeConn satisfies transport.Conn; reads block until close.
type fakeConn struct {
	mu     sync.Mutex
	inbox  chan []byte
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{inbox: make(chan []byte, 16)} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbox
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbox)
	}
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) sentContaining(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.sent {
		if strings.Contains(string(m), substr) {
			return true
		}
	}
	return false
}

// =============================================================================
// Helper functions
// =============================================================================

func testConfigs() Configs {
	cfgs := DefaultConfigs()
	cfgs.Session.ExamID = "exam-1"
	cfgs.Session.Duration = time.Hour
	cfgs.Transport.URL = "ws://test"
	cfgs.Transport.BaseBackoff = time.Millisecond
	cfgs.Transport.MaxBackoff = 2 * time.Millisecond
	cfgs.Trust.AutoSubmitDelay = 10 * time.Millisecond
	// Keep the periodic loops quiet during tests.
	cfgs.Session.SnapshotInterval = time.Hour
	cfgs.Heartbeat.Interval = time.Hour
	cfgs.Typing.ReportInterval = time.Hour
	cfgs.Shield.ProbeInterval = time.Hour
	return cfgs
}

func newTestEngine(t *testing.T, auth *fakeAuthority) (*Engine, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	deps := Deps{
		Env:       goodEnv(),
		Authority: auth,
		Dial: func(context.Context, string) (transport.Conn, error) {
			return conn, nil
		},
		Logger: slog.Default(),
	}
	e := NewEngine(testConfigs(), deps)
	t.Cleanup(func() { e.End(EndTerminated) })
	return e, conn
}

func advanceToExam(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, item := range e.Checklist() {
		if err := e.Acknowledge(item.ID); err != nil {
			t.Fatalf("Acknowledge(%s): %v", item.ID, err)
		}
	}
	if err := e.RunSecurityChecks(context.Background()); err != nil {
		t.Fatalf("RunSecurityChecks: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// =============================================================================
// Phase ordering
// =============================================================================

func TestPhasesInOrder(t *testing.T) {
	e, _ := newTestEngine(t, newFakeAuthority())

	if e.Phase() != PhaseBrowserCheck {
		t.Fatalf("initial phase = %s", e.Phase())
	}
	if err := e.RunSecurityChecks(context.Background()); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("RunSecurityChecks before Start = %v, want ErrWrongPhase", err)
	}
	if err := e.Acknowledge("item-a"); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("Acknowledge before Start = %v, want ErrWrongPhase", err)
	}
	if err := e.Submit(); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("Submit before exam = %v, want ErrWrongPhase", err)
	}

	advanceToExam(t, e)
	if e.Phase() != PhaseExam {
		t.Fatalf("phase = %s, want exam", e.Phase())
	}
	if e.Context().AttemptID != "attempt-1" {
		t.Errorf("attempt id = %q", e.Context().AttemptID)
	}
}

func TestChecklistGatesSecurityChecks(t *testing.T) {
	e, _ := newTestEngine(t, newFakeAuthority())
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	if err := e.RunSecurityChecks(context.Background()); !errors.Is(err, ErrChecklistIncomplete) {
		t.Fatalf("err = %v, want ErrChecklistIncomplete", err)
	}

	// A partial checklist still gates.
	items := e.Checklist()
	for _, item := range items[:len(items)-1] {
		e.Acknowledge(item.ID)
	}
	if err := e.RunSecurityChecks(context.Background()); !errors.Is(err, ErrChecklistIncomplete) {
		t.Fatalf("err = %v, want ErrChecklistIncomplete with one item pending", err)
	}
}

func TestUnknownChecklistItem(t *testing.T) {
	e, _ := newTestEngine(t, newFakeAuthority())
	e.Start()
	if err := e.Acknowledge("item-z"); err == nil {
		t.Error("unknown item should be rejected")
	}
}

// =============================================================================
// Terminal blocks
// =============================================================================

func TestDisallowedBrowserBlocks(t *testing.T) {
	conn := newFakeConn()
	e := NewEngine(testConfigs(), Deps{
		Env:       &fakeEnv{browserName: "Firefox", browserVersion: "126.0", gpu: "NVIDIA"},
		Authority: newFakeAuthority(),
		Dial:      func(context.Context, string) (transport.Conn, error) { return conn, nil },
		Logger:    slog.Default(),
	})

	err := e.Start()
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked", err)
	}
	if e.Phase() != PhaseBlocked {
		t.Fatalf("phase = %s, want blocked", e.Phase())
	}
	if e.BlockReason() == "" {
		t.Error("block reason should be recorded")
	}
	// Blocked is terminal.
	if err := e.Start(); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("Start after block = %v, want ErrWrongPhase", err)
	}
}

func TestVirtualMachineBlocks(t *testing.T) {
	conn := newFakeConn()
	e := NewEngine(testConfigs(), Deps{
		Env:       &fakeEnv{browserName: "Chrome", browserVersion: "126.0", gpu: "Google SwiftShader"},
		Authority: newFakeAuthority(),
		Dial:      func(context.Context, string) (transport.Conn, error) { return conn, nil },
		Logger:    slog.Default(),
	})

	e.Start()
	for _, item := range e.Checklist() {
		e.Acknowledge(item.ID)
	}
	err := e.RunSecurityChecks(context.Background())
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked", err)
	}
	if e.Phase() != PhaseBlocked {
		t.Errorf("phase = %s, want blocked", e.Phase())
	}
}

func TestCameraDenialIsNonFatal(t *testing.T) {
	conn := newFakeConn()
	e := NewEngine(testConfigs(), Deps{
		Env:          goodEnv(),
		Authority:    newFakeAuthority(),
		CameraSource: deniedCamera{},
		Dial:         func(context.Context, string) (transport.Conn, error) { return conn, nil },
		Logger:       slog.Default(),
	})
	t.Cleanup(func() { e.End(EndTerminated) })
	advanceToExam(t, e)

	// Denied permission leaves the detector inactive; the session still
	// reaches the exam phase and the counter stays untouched.
	if e.Phase() != PhaseExam {
		t.Fatalf("phase = %s, want exam", e.Phase())
	}
	if e.camera == nil || e.camera.Active() {
		t.Error("camera detector should be present but inactive")
	}
	if n := e.Aggregator().Count(); n != 0 {
		t.Errorf("violation count = %d, want 0", n)
	}
}

func TestRegistrationFailureIsRetryable(t *testing.T) {
	auth := newFakeAuthority()
	auth.initErr = errors.New("service unavailable")
	e, _ := newTestEngine(t, auth)

	e.Start()
	for _, item := range e.Checklist() {
		e.Acknowledge(item.ID)
	}
	err := e.RunSecurityChecks(context.Background())
	if err == nil || errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v, want plain failure", err)
	}
	if e.Phase() != PhaseWarningChecklist {
		t.Fatalf("phase = %s, want warning_checklist for retry", e.Phase())
	}

	// Retry succeeds once the authority recovers.
	auth.initErr = nil
	if err := e.RunSecurityChecks(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.Phase() != PhaseExam {
		t.Errorf("phase = %s, want exam", e.Phase())
	}
}

// =============================================================================
// Escalation and session end
// =============================================================================

func TestViolationLadderAutoSubmits(t *testing.T) {
	auth := newFakeAuthority()
	e, _ := newTestEngine(t, auth)
	advanceToExam(t, e)

	agg := e.Aggregator()
	moods := []trust.Mood{}
	e.SetOnMoodChange(func(m trust.Mood) { moods = append(moods, m) })

	for i := 0; i < 6; i++ {
		agg.Record(event.KindTabSwitch, 1.0, nil)
	}
	if agg.Mood() != trust.MoodCritical {
		t.Fatalf("mood = %s, want critical", agg.Mood())
	}
	want := []trust.Mood{trust.MoodAlert, trust.MoodWarning, trust.MoodCritical}
	if len(moods) != len(want) {
		t.Fatalf("mood changes = %v, want %v", moods, want)
	}
	for i := range want {
		if moods[i] != want[i] {
			t.Fatalf("mood changes = %v, want %v", moods, want)
		}
	}

	waitFor(t, func() bool { return e.Phase() == PhaseEnded })
	if e.EndReason() != EndAutoSubmitted {
		t.Errorf("end reason = %s, want auto_submitted", e.EndReason())
	}
	calls, reason := auth.ended()
	if calls != 1 || reason != "auto_submitted" {
		t.Errorf("EndAttempt calls = %d reason = %q", calls, reason)
	}
}

func TestSubmitEndsOnce(t *testing.T) {
	auth := newFakeAuthority()
	e, _ := newTestEngine(t, auth)
	advanceToExam(t, e)

	if err := e.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if e.Phase() != PhaseEnded {
		t.Fatalf("phase = %s, want ended", e.Phase())
	}

	// End is idempotent; a late timer or directive changes nothing.
	e.End(EndTerminated)
	calls, reason := auth.ended()
	if calls != 1 {
		t.Errorf("EndAttempt calls = %d, want 1", calls)
	}
	if reason != "submitted" {
		t.Errorf("reason = %q, want submitted", reason)
	}
	if e.EndReason() != EndSubmitted {
		t.Errorf("end reason = %s, want submitted", e.EndReason())
	}
}

func TestCallbacksSettableWhileExamRuns(t *testing.T) {
	e, _ := newTestEngine(t, newFakeAuthority())
	advanceToExam(t, e)

	// Registration races with the timer, heartbeat, and pump goroutines
	// that fire the callbacks; the setters must make it safe mid-exam.
	phases := make(chan Phase, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			e.SetOnPhaseChange(func(p Phase) { phases <- p })
		}
	}()
	<-done

	if err := e.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case p := <-phases:
		if p != PhaseEnded {
			t.Errorf("phase callback got %s, want ended", p)
		}
	default:
		t.Error("callback registered mid-exam should fire on End")
	}
}

func TestTimerExpiryEndsSession(t *testing.T) {
	auth := newFakeAuthority()
	conn := newFakeConn()
	cfgs := testConfigs()
	cfgs.Session.Duration = 30 * time.Millisecond
	e := NewEngine(cfgs, Deps{
		Env:       goodEnv(),
		Authority: auth,
		Dial:      func(context.Context, string) (transport.Conn, error) { return conn, nil },
		Logger:    slog.Default(),
	})
	e.Start()
	for _, item := range e.Checklist() {
		e.Acknowledge(item.ID)
	}
	if err := e.RunSecurityChecks(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return e.Phase() == PhaseEnded })
	if e.EndReason() != EndTimerExpired {
		t.Errorf("end reason = %s, want timer_expired", e.EndReason())
	}
}

// =============================================================================
// Pause and resume
// =============================================================================

func TestPauseAndResume(t *testing.T) {
	e, _ := newTestEngine(t, newFakeAuthority())
	advanceToExam(t, e)

	e.Pause("suspicious activity review")
	if !e.Paused() {
		t.Fatal("engine should be paused")
	}
	e.Pause("again") // no-op while paused

	e.Resume()
	if e.Paused() {
		t.Fatal("engine should have resumed")
	}
	if e.Phase() != PhaseExam {
		t.Errorf("phase = %s, want exam", e.Phase())
	}
}

// =============================================================================
// Transport integration
// =============================================================================

func TestViolationsShipOverChannel(t *testing.T) {
	e, conn := newTestEngine(t, newFakeAuthority())
	advanceToExam(t, e)

	waitFor(t, func() bool { return e.channel.State() == transport.StateOpen })
	e.Aggregator().Record(event.KindTabSwitch, 1.0, nil)
	waitFor(t, func() bool { return conn.sentCount() >= 1 })
}

func TestInboundDirectivesApply(t *testing.T) {
	e, conn := newTestEngine(t, newFakeAuthority())
	advanceToExam(t, e)
	waitFor(t, func() bool { return e.channel.State() == transport.StateOpen })

	conn.inbox <- []byte(`{"type":"trust_score","trust_score":45,"risk_level":"high"}`)
	waitFor(t, func() bool { return e.Aggregator().Snapshot().Score == 45 })

	conn.inbox <- []byte(`{"type":"force_pause","reason":"teacher review"}`)
	waitFor(t, func() bool { return e.Paused() })

	conn.inbox <- []byte(`{"type":"force_terminate","reason":"cheating confirmed"}`)
	waitFor(t, func() bool { return e.Phase() == PhaseEnded })
	if e.EndReason() != EndTerminated {
		t.Errorf("end reason = %s, want terminated", e.EndReason())
	}
}

func TestTimerSyncAdjustsDeadline(t *testing.T) {
	e, conn := newTestEngine(t, newFakeAuthority())
	advanceToExam(t, e)
	waitFor(t, func() bool { return e.channel.State() == transport.StateOpen })

	conn.inbox <- []byte(`{"type":"timer_sync","remaining_seconds":120}`)
	waitFor(t, func() bool {
		r := e.Context().Remaining
		return r > 110*time.Second && r <= 120*time.Second
	})
}

func TestSnapshotsPublishedPeriodically(t *testing.T) {
	auth := newFakeAuthority()
	conn := newFakeConn()
	cfgs := testConfigs()
	cfgs.Session.SnapshotInterval = 10 * time.Millisecond
	e := NewEngine(cfgs, Deps{
		Env:       goodEnv(),
		Authority: auth,
		Dial:      func(context.Context, string) (transport.Conn, error) { return conn, nil },
		Logger:    slog.Default(),
	})
	t.Cleanup(func() { e.End(EndTerminated) })
	advanceToExam(t, e)

	waitFor(t, func() bool { return conn.sentContaining(`"type":"monitoring_snapshot"`) })
	// No media sources were given, so the snapshot reports both inactive.
	if !conn.sentContaining(`"camera_status":"inactive"`) {
		t.Error("snapshot should report the camera inactive")
	}
	if !conn.sentContaining(`"audio_status":"inactive"`) {
		t.Error("snapshot should report audio inactive")
	}
}

func TestPublishCode(t *testing.T) {
	e, conn := newTestEngine(t, newFakeAuthority())

	if err := e.PublishCode("print(1)", "python"); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("PublishCode before exam = %v, want ErrWrongPhase", err)
	}

	advanceToExam(t, e)
	waitFor(t, func() bool { return e.channel.State() == transport.StateOpen })
	if err := e.PublishCode("print(1)", "python"); err != nil {
		t.Fatalf("PublishCode: %v", err)
	}
	if !conn.sentContaining(`"type":"code_update"`) {
		t.Error("code preview should ship over the channel")
	}
}

// =============================================================================
// Outbox fallback
// =============================================================================

func TestViolationsQueueWhileChannelDown(t *testing.T) {
	ob, err := outbox.Open(outbox.Config{
		Enabled:  true,
		Path:     filepath.Join(t.TempDir(), "outbox.db"),
		Capacity: 16,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ob.Close()

	e := NewEngine(testConfigs(), Deps{
		Env:       goodEnv(),
		Authority: newFakeAuthority(),
		Dial: func(context.Context, string) (transport.Conn, error) {
			return nil, errors.New("refused")
		},
		Outbox: ob,
		Logger: slog.Default(),
	})
	t.Cleanup(func() { e.End(EndTerminated) })
	advanceToExam(t, e)

	e.Aggregator().Record(event.KindTabSwitch, 1.0, nil)
	n, err := ob.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("outbox length = %d, want 1", n)
	}
}

func TestOutboxFlushedWhenChannelOpens(t *testing.T) {
	ob, err := outbox.Open(outbox.Config{
		Enabled:  true,
		Path:     filepath.Join(t.TempDir(), "outbox.db"),
		Capacity: 16,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ob.Close()

	// Queued in an earlier run, before the channel came up.
	if err := ob.Enqueue(event.New("attempt-1", event.KindWindowBlur, 1.0, nil)); err != nil {
		t.Fatal(err)
	}

	conn := newFakeConn()
	e := NewEngine(testConfigs(), Deps{
		Env:       goodEnv(),
		Authority: newFakeAuthority(),
		Dial:      func(context.Context, string) (transport.Conn, error) { return conn, nil },
		Outbox:    ob,
		Logger:    slog.Default(),
	})
	t.Cleanup(func() { e.End(EndTerminated) })
	advanceToExam(t, e)

	waitFor(t, func() bool { return conn.sentCount() >= 1 })
	waitFor(t, func() bool {
		n, err := ob.Len()
		return err == nil && n == 0
	})
}
