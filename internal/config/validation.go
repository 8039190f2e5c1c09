package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		errs = append(errs, fmt.Sprintf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Sprintf("logging.format: unknown format %q", c.Logging.Format))
	}
	if strings.ToLower(c.Logging.Output) == "file" && c.Logging.FilePath == "" {
		errs = append(errs, "logging.file_path: required when output is \"file\"")
	}

	if c.Authority.BaseURL == "" {
		errs = append(errs, "authority.base_url: required")
	} else if u, err := url.Parse(c.Authority.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Sprintf("authority.base_url: invalid URL %q", c.Authority.BaseURL))
	}
	if c.Authority.TimeoutMs <= 0 {
		errs = append(errs, "authority.timeout_ms: must be positive")
	}

	if c.Transport.URL == "" {
		errs = append(errs, "transport.url: required")
	} else if u, err := url.Parse(c.Transport.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Sprintf("transport.url: invalid websocket URL %q", c.Transport.URL))
	}
	if c.Transport.BaseBackoffMs <= 0 {
		errs = append(errs, "transport.base_backoff_ms: must be positive")
	}
	if c.Transport.MaxBackoffMs < c.Transport.BaseBackoffMs {
		errs = append(errs, "transport.max_backoff_ms: must be >= base_backoff_ms")
	}
	if c.Transport.MaxAttempts <= 0 {
		errs = append(errs, "transport.max_attempts: must be positive")
	}

	if c.Outbox.Enabled {
		if c.Outbox.Path == "" {
			errs = append(errs, "outbox.path: required when enabled")
		}
		if c.Outbox.Capacity <= 0 {
			errs = append(errs, "outbox.capacity: must be positive")
		}
	}

	if c.Camera.IntervalMs <= 0 {
		errs = append(errs, "camera.interval_ms: must be positive")
	}
	if c.Camera.GridStep <= 0 {
		errs = append(errs, "camera.grid_step: must be positive")
	}
	if c.Camera.CenterDeviation <= 0 || c.Camera.CenterDeviation > 1 {
		errs = append(errs, "camera.center_deviation: must be in (0, 1]")
	}

	if c.Audio.IntervalMs <= 0 {
		errs = append(errs, "audio.interval_ms: must be positive")
	}
	if c.Audio.VoiceBandLow >= c.Audio.VoiceBandHigh {
		errs = append(errs, "audio.voice_band_low: must be below voice_band_high")
	}
	if c.Audio.WindowSize < 2 {
		errs = append(errs, "audio.window_size: must be at least 2")
	}

	if c.Typing.ReportIntervalMs <= 0 {
		errs = append(errs, "typing.report_interval_ms: must be positive")
	}
	if c.Typing.BurstKeys <= 0 {
		errs = append(errs, "typing.burst_keys: must be positive")
	}

	if c.Shield.ProbeIntervalMs <= 0 {
		errs = append(errs, "shield.probe_interval_ms: must be positive")
	}
	if c.Shield.SizeGapThreshold <= 0 {
		errs = append(errs, "shield.size_gap_threshold: must be positive")
	}

	if c.Heartbeat.IntervalMs <= 0 {
		errs = append(errs, "heartbeat.interval_ms: must be positive")
	}
	if c.Heartbeat.MissThreshold <= 0 {
		errs = append(errs, "heartbeat.miss_threshold: must be positive")
	}

	if !(c.Trust.AlertThreshold < c.Trust.WarningThreshold && c.Trust.WarningThreshold < c.Trust.CriticalThreshold) {
		errs = append(errs, "trust: thresholds must satisfy alert < warning < critical")
	}
	if c.Trust.AutoSubmitDelayMs < 0 {
		errs = append(errs, "trust.auto_submit_delay_ms: must not be negative")
	}

	if c.Checks.LatencyCeilingMs <= 0 {
		errs = append(errs, "checks.latency_ceiling_ms: must be positive")
	}

	if c.Session.DurationSec <= 0 {
		errs = append(errs, "session.duration_sec: must be positive")
	}
	if c.Session.SnapshotIntervalMs <= 0 {
		errs = append(errs, "session.snapshot_interval_ms: must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation: %s", strings.Join(errs, "; "))
	}
	return nil
}
