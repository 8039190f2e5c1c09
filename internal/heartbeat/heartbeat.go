// Package heartbeat implements the liveness channel.
//
// While a session is active the monitor pings the authority service on a
// fixed interval with tab-visibility, fullscreen, and best-effort battery
// telemetry. Replies can carry violations the authority discovered from
// correlated signals and a pause directive; both are surfaced through
// callbacks exactly like locally detected events.
//
// Consecutive failed pings mark the channel degraded for the UI, but the
// monitor keeps pinging: tearing down the session is never the
// heartbeat's call.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"proctorforge/internal/authority"
	"proctorforge/internal/detector"
)

// Pinger is the slice of the authority client the monitor needs.
type Pinger interface {
	Heartbeat(ctx context.Context, status authority.HeartbeatStatus) (*authority.HeartbeatReply, error)
}

// StatusFunc supplies the current liveness telemetry.
type StatusFunc func() authority.HeartbeatStatus

// Config controls the monitor.
type Config struct {
	// Interval between pings.
	Interval time.Duration `json:"interval"`

	// MissThreshold is how many consecutive failures mark the channel
	// degraded.
	MissThreshold int `json:"miss_threshold"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      3 * time.Second,
		MissThreshold: 3,
	}
}

// Monitor sends liveness pings and surfaces the authority's replies.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	pinger  Pinger
	status  StatusFunc
	logger  *slog.Logger
	sampler *detector.Sampler

	// Callbacks.
	onViolation func(v authority.ServerViolation)
	onPause     func()

	misses   int
	degraded bool
	lastPing time.Time
}

// New creates a heartbeat monitor. onViolation and onPause may be nil.
func New(cfg Config, pinger Pinger, status StatusFunc, onViolation func(authority.ServerViolation), onPause func(), logger *slog.Logger) *Monitor {
	m := &Monitor{
		cfg:         cfg,
		pinger:      pinger,
		status:      status,
		logger:      logger,
		onViolation: onViolation,
		onPause:     onPause,
	}
	m.sampler = detector.NewSampler(cfg.Interval, m.ping)
	return m
}

// Name implements detector.Detector.
func (m *Monitor) Name() string { return "heartbeat" }

// Start begins pinging.
func (m *Monitor) Start(ctx context.Context) error {
	return m.sampler.Start(ctx)
}

// Stop halts pinging. Idempotent.
func (m *Monitor) Stop() {
	m.sampler.Stop()
}

// Active implements detector.Detector.
func (m *Monitor) Active() bool { return m.sampler.Running() }

// Degraded reports whether the channel has missed too many pings in a
// row. Surfaced to the UI; never fatal.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *Monitor) ping(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
	defer cancel()

	reply, err := m.pinger.Heartbeat(ctx, m.status())
	m.mu.Lock()
	m.lastPing = now
	if err != nil {
		m.misses++
		if m.misses >= m.cfg.MissThreshold && !m.degraded {
			m.degraded = true
			m.logger.Warn("heartbeat channel degraded", "misses", m.misses)
		}
		m.mu.Unlock()
		m.logger.Debug("heartbeat failed", "error", err)
		return
	}
	if m.degraded {
		m.logger.Info("heartbeat channel recovered", "misses", m.misses)
	}
	m.misses = 0
	m.degraded = false
	m.mu.Unlock()

	for _, v := range reply.Violations {
		if m.onViolation != nil {
			m.onViolation(v)
		}
	}
	if reply.Paused && m.onPause != nil {
		m.onPause()
	}
}
