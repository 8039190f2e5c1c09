// Package shield implements the environment integrity monitor.
//
// The shield intercepts window- and document-level signals (visibility,
// focus, clipboard, key combinations, fullscreen, unload) through a
// capability object that can be installed and uninstalled as a unit. The
// explicit signal list makes teardown verifiable: after Uninstall nothing
// the shield registered may fire again.
//
// Every violation the shield reports goes through the same aggregator path
// as every other detector; the shield keeps no escalation counter of its
// own.
package shield

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"proctorforge/internal/detector"
	"proctorforge/internal/event"
)

// SignalType identifies a raw environment signal.
type SignalType string

// Signal types the shield subscribes to.
const (
	SignalVisibilityHidden SignalType = "visibility_hidden"
	SignalWindowBlur       SignalType = "window_blur"
	SignalClipboard        SignalType = "clipboard"
	SignalContextMenu      SignalType = "context_menu"
	SignalKeyCombo         SignalType = "key_combo"
	SignalFullscreenExit   SignalType = "fullscreen_exit"
	SignalScreenShareEnd   SignalType = "screen_share_end"
	SignalUnload           SignalType = "unload"
)

// SubscribedSignals is the complete set of signals an installed shield
// listens for. Tests use it to verify full teardown.
var SubscribedSignals = []SignalType{
	SignalVisibilityHidden,
	SignalWindowBlur,
	SignalClipboard,
	SignalContextMenu,
	SignalKeyCombo,
	SignalFullscreenExit,
	SignalScreenShareEnd,
	SignalUnload,
}

// Combo is a key combination as delivered by the environment.
type Combo struct {
	Key   string
	Ctrl  bool
	Alt   bool
	Shift bool
}

// Signal is one raw environment signal.
type Signal struct {
	Type SignalType

	// ClipboardAction is set for SignalClipboard: "copy", "cut", "paste".
	ClipboardAction string

	// Combo is set for SignalKeyCombo.
	Combo Combo
}

// Disposition tells the source what to do with the intercepted action.
type Disposition int

const (
	// Allow lets the action proceed.
	Allow Disposition = iota
	// Cancel blocks the action.
	Cancel
	// Confirm asks the user for a native confirmation (unload only;
	// best-effort, cannot be guaranteed to block navigation).
	Confirm
)

// Handler processes a raw signal and decides its disposition.
type Handler func(sig Signal) Disposition

// WindowMetrics reports outer and inner window dimensions for the docked
// devtools probe.
type WindowMetrics struct {
	OuterWidth  int
	OuterHeight int
	InnerWidth  int
	InnerHeight int
}

// Source is the capability object binding the shield to the environment.
type Source interface {
	// Install registers the handler for every signal in SubscribedSignals.
	Install(h Handler) error

	// Uninstall removes every listener. Must be idempotent.
	Uninstall() error

	// Metrics returns current window dimensions. ok is false when the
	// environment cannot report them.
	Metrics() (m WindowMetrics, ok bool)
}

// Config controls the shield.
type Config struct {
	// ProbeInterval between window-dimension checks.
	ProbeInterval time.Duration `json:"probe_interval"`

	// SizeGapThreshold is the outer/inner dimension gap, in pixels on
	// either axis, read as a docked developer panel.
	SizeGapThreshold int `json:"size_gap_threshold"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:    2 * time.Second,
		SizeGapThreshold: 160,
	}
}

// EmitFunc receives shield violations.
type EmitFunc func(kind event.Kind, confidence float64, payload map[string]any)

// Monitor is the environment shield.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	source Source
	emit   EmitFunc
	logger *slog.Logger
	probe  *detector.Sampler

	installed bool
}

// New creates a shield monitor.
func New(cfg Config, source Source, emit EmitFunc, logger *slog.Logger) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		source: source,
		emit:   emit,
		logger: logger,
	}
	m.probe = detector.NewSampler(cfg.ProbeInterval, m.probeSize)
	return m
}

// Name implements detector.Detector.
func (m *Monitor) Name() string { return "shield" }

// Start installs the listeners and begins the dimension probe.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installed {
		return detector.ErrAlreadyRunning
	}
	if err := m.source.Install(m.handle); err != nil {
		return fmt.Errorf("install shield listeners: %w", err)
	}
	if err := m.probe.Start(ctx); err != nil {
		m.source.Uninstall()
		return err
	}
	m.installed = true
	return nil
}

// Stop removes every listener and halts the probe. Idempotent: a second
// Stop is a no-op and leaves zero active listeners or timers.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.installed {
		m.mu.Unlock()
		return
	}
	m.installed = false
	m.mu.Unlock()

	m.probe.Stop()
	if err := m.source.Uninstall(); err != nil {
		m.logger.Debug("shield uninstall", "error", err)
	}
}

// Active implements detector.Detector.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed
}

// handle maps one raw signal to its violation and disposition.
func (m *Monitor) handle(sig Signal) Disposition {
	switch sig.Type {
	case SignalVisibilityHidden:
		m.emit(event.KindTabSwitch, 1.0, map[string]any{"trigger": "visibility"})
		return Allow
	case SignalWindowBlur:
		m.emit(event.KindWindowBlur, 1.0, map[string]any{"trigger": "blur"})
		return Allow
	case SignalClipboard:
		m.emit(event.KindClipboardUse, 1.0, map[string]any{"action": sig.ClipboardAction})
		return Cancel
	case SignalContextMenu:
		// Cosmetic restriction, not a violation.
		return Cancel
	case SignalKeyCombo:
		return m.handleCombo(sig.Combo)
	case SignalFullscreenExit:
		m.emit(event.KindFullscreenExit, 1.0, map[string]any{"trigger": "fullscreen"})
		return Allow
	case SignalScreenShareEnd:
		m.emit(event.KindScreenShareStopped, 1.0, map[string]any{"trigger": "screen_share"})
		return Allow
	case SignalUnload:
		return Confirm
	default:
		return Allow
	}
}

// handleCombo applies the fixed key-combination mapping table.
func (m *Monitor) handleCombo(c Combo) Disposition {
	kind, trigger, matched := classifyCombo(c)
	if !matched {
		return Allow
	}
	m.emit(kind, 1.0, map[string]any{"trigger": trigger})
	return Cancel
}

// classifyCombo resolves a key combination to a violation kind.
//
//	devtools combos (F12, Ctrl+Shift+I/J/C, Ctrl+U)  -> devtools_signal
//	refresh (Ctrl+R, F5)                             -> tab_switch
//	close window (Alt+F4)                            -> window_blur
//	capture/print (PrintScreen, Ctrl+P)              -> clipboard_use
func classifyCombo(c Combo) (kind event.Kind, trigger string, matched bool) {
	key := strings.ToLower(c.Key)

	switch {
	case key == "f12",
		c.Ctrl && c.Shift && (key == "i" || key == "j" || key == "c"),
		c.Ctrl && !c.Shift && key == "u":
		return event.KindDevtoolsSignal, "key_combo", true
	case key == "f5", c.Ctrl && key == "r":
		return event.KindTabSwitch, "refresh_combo", true
	case c.Alt && key == "f4":
		return event.KindWindowBlur, "close_combo", true
	case key == "printscreen", c.Ctrl && key == "p":
		return event.KindClipboardUse, "capture_combo", true
	default:
		return "", "", false
	}
}

// probeSize compares outer and inner window dimensions; a gap beyond the
// threshold on either axis is read as a docked developer panel.
func (m *Monitor) probeSize(time.Time) {
	metrics, ok := m.source.Metrics()
	if !ok {
		return
	}
	wGap := metrics.OuterWidth - metrics.InnerWidth
	hGap := metrics.OuterHeight - metrics.InnerHeight
	if wGap > m.cfg.SizeGapThreshold || hGap > m.cfg.SizeGapThreshold {
		m.emit(event.KindDevtoolsSignal, 0.7, map[string]any{
			"trigger":    "size_gap",
			"width_gap":  wGap,
			"height_gap": hGap,
		})
	}
}
