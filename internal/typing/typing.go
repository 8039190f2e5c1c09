// Package typing implements the input cadence analyzer.
//
// The analyzer accumulates keystroke timestamps while active and reports
// rhythm metrics on a fixed interval: words-per-minute, backspace ratio,
// a normalized inter-key interval entropy, idle time, and a burst flag.
// It does not judge the metrics locally; authenticity scoring belongs to
// the authority service.
//
// Only timing is recorded. The analyzer never sees which key was pressed
// beyond whether it was a correction key.
package typing

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"proctorforge/internal/detector"
)

// Interval bucketing for the entropy estimate.
const (
	bucketSize = 20 * time.Millisecond
	numBuckets = 20
)

// Config controls the analyzer.
type Config struct {
	// ReportInterval between metric reports.
	ReportInterval time.Duration `json:"report_interval"`

	// HistorySize is how many timestamps survive each report cycle.
	HistorySize int `json:"history_size"`

	// BurstWindow and BurstKeys define the burst flag: more than
	// BurstKeys keystrokes inside any trailing BurstWindow.
	BurstWindow time.Duration `json:"burst_window"`
	BurstKeys   int           `json:"burst_keys"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		ReportInterval: 5 * time.Second,
		HistorySize:    50,
		BurstWindow:    500 * time.Millisecond,
		BurstKeys:      10,
	}
}

// Metrics is one reporting cycle's rhythm summary. Field names follow the
// authority's typing_metrics record.
type Metrics struct {
	WPM            float64   `json:"wpm"`
	BackspaceRatio float64   `json:"backspace_ratio"`
	EntropyScore   float64   `json:"entropy_score"`
	IdleSeconds    float64   `json:"idle_time"`
	PasteSize      int       `json:"paste_size"`
	BurstDetected  bool      `json:"burst_detected"`
	KeyCount       int       `json:"key_count"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// ReportFunc receives metrics once per cycle.
type ReportFunc func(m Metrics)

// Analyzer accumulates keystroke timing and reports periodically.
type Analyzer struct {
	mu      sync.Mutex
	cfg     Config
	report  ReportFunc
	logger  *slog.Logger
	sampler *detector.Sampler

	timestamps []time.Time
	lastKeyAt  time.Time
	lastReport time.Time

	periodKeys       int
	periodBackspaces int
	pasteChars       int
	periodBurst      bool
}

// New creates a typing analyzer.
func New(cfg Config, report ReportFunc, logger *slog.Logger) *Analyzer {
	a := &Analyzer{
		cfg:    cfg,
		report: report,
		logger: logger,
	}
	a.sampler = detector.NewSampler(cfg.ReportInterval, a.flush)
	return a
}

// Name implements detector.Detector.
func (a *Analyzer) Name() string { return "typing" }

// Start begins the reporting loop.
func (a *Analyzer) Start(ctx context.Context) error {
	a.mu.Lock()
	a.lastReport = time.Now()
	a.mu.Unlock()
	return a.sampler.Start(ctx)
}

// Stop halts reporting. Idempotent.
func (a *Analyzer) Stop() {
	a.sampler.Stop()
}

// Active implements detector.Detector.
func (a *Analyzer) Active() bool { return a.sampler.Running() }

// RecordKeystroke registers one key-press. backspace marks correction keys
// (Backspace, Delete).
func (a *Analyzer) RecordKeystroke(at time.Time, backspace bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.timestamps = append(a.timestamps, at)
	a.lastKeyAt = at
	a.periodKeys++
	if backspace {
		a.periodBackspaces++
	}
	if burstEndingAt(a.timestamps, a.cfg.BurstWindow, a.cfg.BurstKeys) {
		a.periodBurst = true
	}
}

// RecordPaste registers pasted characters.
func (a *Analyzer) RecordPaste(chars int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pasteChars += chars
}

func (a *Analyzer) flush(now time.Time) {
	m := a.Snapshot(now)
	a.report(m)
}

// Snapshot computes the current metrics and resets the per-period
// counters. The rolling timestamp history is trimmed, not cleared.
func (a *Analyzer) Snapshot(now time.Time) Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	elapsed := now.Sub(a.lastReport).Minutes()
	if elapsed <= 0 {
		elapsed = a.cfg.ReportInterval.Minutes()
	}

	m := Metrics{
		KeyCount:   a.periodKeys,
		PasteSize:  a.pasteChars,
		RecordedAt: now,
	}

	// WPM estimate: keystrokes / 5 per elapsed minute.
	m.WPM = float64(a.periodKeys) / 5.0 / elapsed

	if a.periodKeys > 0 {
		m.BackspaceRatio = float64(a.periodBackspaces) / float64(a.periodKeys)
	}
	if !a.lastKeyAt.IsZero() {
		m.IdleSeconds = now.Sub(a.lastKeyAt).Seconds()
	}

	m.EntropyScore = intervalEntropy(a.timestamps)
	m.BurstDetected = a.periodBurst

	// Reset period counters; trim (never clear) the history.
	a.periodKeys = 0
	a.periodBackspaces = 0
	a.pasteChars = 0
	a.periodBurst = false
	a.lastReport = now
	if len(a.timestamps) > a.cfg.HistorySize {
		a.timestamps = a.timestamps[len(a.timestamps)-a.cfg.HistorySize:]
	}

	return m
}

// intervalEntropy computes Shannon entropy over inter-key intervals
// bucketed into 20 ms bins, normalized to [0, 1]. A perfectly uniform
// cadence lands in a single bucket and scores 0.
func intervalEntropy(timestamps []time.Time) float64 {
	if len(timestamps) < 2 {
		return 0
	}

	counts := make(map[int]int)
	total := 0
	for i := 1; i < len(timestamps); i++ {
		interval := timestamps[i].Sub(timestamps[i-1])
		if interval < 0 {
			continue
		}
		bucket := int(interval / bucketSize)
		if bucket >= numBuckets {
			bucket = numBuckets - 1
		}
		counts[bucket]++
		total++
	}
	if total == 0 {
		return 0
	}

	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}

	// Normalize by the maximum achievable entropy for the bucket count.
	maxEntropy := math.Log2(float64(numBuckets))
	normalized := entropy / maxEntropy
	if normalized > 1 {
		normalized = 1
	}
	return normalized
}

// burstEndingAt reports whether more than burstKeys keystrokes fall inside
// the window ending at the newest timestamp. Checked on every keystroke so
// the flag latches for the current period only and clears at each report.
func burstEndingAt(timestamps []time.Time, window time.Duration, burstKeys int) bool {
	if len(timestamps) <= burstKeys {
		return false
	}
	newest := timestamps[len(timestamps)-1]
	count := 0
	for i := len(timestamps) - 1; i >= 0; i-- {
		if newest.Sub(timestamps[i]) > window {
			break
		}
		count++
		if count > burstKeys {
			return true
		}
	}
	return false
}
