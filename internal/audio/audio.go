// Package audio implements the spectrum sampler.
//
// Each cycle measures RMS volume over the time-domain buffer and the
// fraction of spectral energy inside the human-voice band (85-3000 Hz).
// A rolling window of voice-band ratios feeds a crude two-speaker
// heuristic: high variance plus a majority of strong-voice samples reads
// as more than one voice. Silence is suppressed from outward reporting so
// the aggregator is not flooded with non-events.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"proctorforge/internal/detector"
	"proctorforge/internal/event"
)

// Capture is one interval's worth of signal, as the analyser exposes it:
// a time-domain buffer and a magnitude spectrum.
type Capture struct {
	// TimeDomain holds normalized samples in [-1, 1].
	TimeDomain []float64

	// Spectrum holds magnitude per frequency bin, DC first.
	Spectrum []float64

	// SampleRate in Hz. Bin width is SampleRate / (2 * len(Spectrum)).
	SampleRate int
}

// Source supplies live audio captures.
type Source interface {
	Open(ctx context.Context) error
	Capture(ctx context.Context) (*Capture, error)
	Close() error
}

// Config controls the sampler.
type Config struct {
	// Interval between captures.
	Interval time.Duration `json:"interval"`

	// VoiceVolume is the minimum RMS treated as possible speech.
	VoiceVolume float64 `json:"voice_volume"`

	// AmbientVolume is the minimum RMS treated as background noise.
	AmbientVolume float64 `json:"ambient_volume"`

	// VoiceBandLow and VoiceBandHigh bound the voice band in Hz.
	VoiceBandLow  float64 `json:"voice_band_low"`
	VoiceBandHigh float64 `json:"voice_band_high"`

	// VoiceRatio is the minimum voice-band energy fraction for speech.
	VoiceRatio float64 `json:"voice_ratio"`

	// WindowSize is the rolling ratio window length.
	WindowSize int `json:"window_size"`

	// VarianceThreshold flags multi-voice when the window variance
	// exceeds it and most recent samples show strong voice energy.
	VarianceThreshold float64 `json:"variance_threshold"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          3 * time.Second,
		VoiceVolume:       0.02,
		AmbientVolume:     0.005,
		VoiceBandLow:      85,
		VoiceBandHigh:     3000,
		VoiceRatio:        0.3,
		WindowSize:        10,
		VarianceThreshold: 0.03,
	}
}

// EmitFunc receives one audio event per cycle. Silence cycles are not
// emitted.
type EmitFunc func(kind event.Kind, confidence float64, payload map[string]any)

// Detector is the audio spectrum sampler.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	source  Source
	emit    EmitFunc
	logger  *slog.Logger
	sampler *detector.Sampler

	// Rolling window of voice-band ratios.
	ratios []float64

	// Local state for UI display.
	voiceDetected bool
	lastVolume    float64
	lastSampleAt  time.Time
}

// New creates an audio detector.
func New(cfg Config, source Source, emit EmitFunc, logger *slog.Logger) *Detector {
	d := &Detector{
		cfg:    cfg,
		source: source,
		emit:   emit,
		logger: logger,
	}
	d.sampler = detector.NewSampler(cfg.Interval, d.sample)
	return d
}

// Name implements detector.Detector.
func (d *Detector) Name() string { return "audio" }

// Start acquires the audio source and begins sampling. Permission denial
// leaves the detector inactive; there is no automatic retry.
func (d *Detector) Start(ctx context.Context) error {
	if d.sampler.Running() {
		return detector.ErrAlreadyRunning
	}
	if err := d.source.Open(ctx); err != nil {
		d.logger.Warn("microphone unavailable", "error", err)
		return fmt.Errorf("%w: %v", detector.ErrSourceUnavailable, err)
	}
	return d.sampler.Start(ctx)
}

// Stop halts sampling and releases the device. Idempotent.
func (d *Detector) Stop() {
	if !d.sampler.Running() {
		return
	}
	d.sampler.Stop()
	if err := d.source.Close(); err != nil {
		d.logger.Debug("microphone close", "error", err)
	}
}

// Active implements detector.Detector.
func (d *Detector) Active() bool { return d.sampler.Running() }

// VoiceDetected reports the last cycle's voice presence, for UI display.
func (d *Detector) VoiceDetected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.voiceDetected
}

func (d *Detector) sample(now time.Time) {
	capture, err := d.source.Capture(context.Background())
	if err != nil {
		d.logger.Debug("audio capture failed", "error", err)
		return
	}
	kind, confidence, payload := d.Analyze(capture)

	d.mu.Lock()
	d.lastSampleAt = now
	d.lastVolume = payload["volume_level"].(float64)
	d.voiceDetected = kind == event.KindVoiceDetected || kind == event.KindMultiVoice
	d.mu.Unlock()

	if kind == event.KindSilence {
		return
	}
	d.emit(kind, confidence, payload)
}

// Analyze classifies one capture and advances the rolling ratio window.
func (d *Detector) Analyze(c *Capture) (event.Kind, float64, map[string]any) {
	volume := rms(c.TimeDomain)
	ratio := voiceBandRatio(c, d.cfg.VoiceBandLow, d.cfg.VoiceBandHigh)

	d.mu.Lock()
	d.ratios = append(d.ratios, ratio)
	if len(d.ratios) > d.cfg.WindowSize {
		d.ratios = d.ratios[len(d.ratios)-d.cfg.WindowSize:]
	}
	window := make([]float64, len(d.ratios))
	copy(window, d.ratios)
	d.mu.Unlock()

	payload := map[string]any{
		"volume_level": volume,
		"voice_ratio":  ratio,
		"voice_count":  0,
	}

	switch {
	case volume >= d.cfg.VoiceVolume && ratio > d.cfg.VoiceRatio:
		if variance(window) > d.cfg.VarianceThreshold && strongMajority(window, d.cfg.VoiceRatio) {
			payload["voice_count"] = 2
			return event.KindMultiVoice, 0.7, payload
		}
		payload["voice_count"] = 1
		return event.KindVoiceDetected, clamp01(ratio), payload
	case volume >= d.cfg.AmbientVolume:
		return event.KindBackgroundNoise, 0.5, payload
	default:
		return event.KindSilence, 1.0, payload
	}
}

// rms computes root-mean-square volume of the time-domain buffer.
func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// voiceBandRatio is the fraction of total spectral energy inside the
// voice band.
func voiceBandRatio(c *Capture, low, high float64) float64 {
	if len(c.Spectrum) == 0 || c.SampleRate <= 0 {
		return 0
	}
	binWidth := float64(c.SampleRate) / (2 * float64(len(c.Spectrum)))
	var total, band float64
	for i, mag := range c.Spectrum {
		energy := mag * mag
		total += energy
		freq := float64(i) * binWidth
		if freq >= low && freq <= high {
			band += energy
		}
	}
	if total == 0 {
		return 0
	}
	return band / total
}

// variance of the rolling ratio window.
func variance(window []float64) float64 {
	if len(window) < 2 {
		return 0
	}
	var mean float64
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))
	var sum float64
	for _, v := range window {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(window))
}

// strongMajority reports whether most window samples show strong voice
// energy.
func strongMajority(window []float64, threshold float64) bool {
	if len(window) == 0 {
		return false
	}
	strong := 0
	for _, v := range window {
		if v > threshold {
			strong++
		}
	}
	return strong*2 > len(window)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
