// Package config handles configuration loading and validation for proctord.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"proctorforge/internal/audio"
	"proctorforge/internal/authority"
	"proctorforge/internal/camera"
	"proctorforge/internal/checks"
	"proctorforge/internal/heartbeat"
	"proctorforge/internal/logging"
	"proctorforge/internal/outbox"
	"proctorforge/internal/session"
	"proctorforge/internal/shield"
	"proctorforge/internal/transport"
	"proctorforge/internal/trust"
	"proctorforge/internal/typing"
)

// Config holds the complete proctord configuration.
type Config struct {
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
	Authority AuthorityConfig `toml:"authority" json:"authority"`
	Transport TransportConfig `toml:"transport" json:"transport"`
	Outbox    OutboxConfig    `toml:"outbox" json:"outbox"`
	Camera    CameraConfig    `toml:"camera" json:"camera"`
	Audio     AudioConfig     `toml:"audio" json:"audio"`
	Typing    TypingConfig    `toml:"typing" json:"typing"`
	Shield    ShieldConfig    `toml:"shield" json:"shield"`
	Heartbeat HeartbeatConfig `toml:"heartbeat" json:"heartbeat"`
	Trust     TrustConfig     `toml:"trust" json:"trust"`
	Checks    ChecksConfig    `toml:"checks" json:"checks"`
	Session   SessionConfig   `toml:"session" json:"session"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format"`

	// Output is the log output: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path"`

	// AddSource adds source file and line to log entries.
	AddSource bool `toml:"add_source" json:"add_source"`
}

// AuthorityConfig holds the REST client configuration.
type AuthorityConfig struct {
	// BaseURL of the authority service, without trailing slash.
	BaseURL string `toml:"base_url" json:"base_url"`

	// Token is the bearer token for the authenticated student.
	// Prefer the PROCTORD_TOKEN environment variable.
	Token string `toml:"token" json:"token"`

	// TimeoutMs is the per-request timeout in milliseconds.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms"`
}

// TransportConfig holds the realtime channel configuration.
type TransportConfig struct {
	// URL is the websocket base, e.g. "ws://localhost:8000".
	URL string `toml:"url" json:"url"`

	// BaseBackoffMs is the first reconnect delay in milliseconds; it
	// doubles per attempt up to MaxBackoffMs.
	BaseBackoffMs int `toml:"base_backoff_ms" json:"base_backoff_ms"`
	MaxBackoffMs  int `toml:"max_backoff_ms" json:"max_backoff_ms"`

	// MaxAttempts bounds consecutive reconnect attempts.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts"`
}

// OutboxConfig holds the replay buffer configuration.
type OutboxConfig struct {
	// Enabled turns the replay buffer on.
	Enabled bool `toml:"enabled" json:"enabled"`

	// Path of the sqlite database.
	Path string `toml:"path" json:"path"`

	// Capacity bounds the queue; overflow evicts the oldest entries.
	Capacity int `toml:"capacity" json:"capacity"`
}

// CameraConfig holds the frame sampler configuration.
type CameraConfig struct {
	IntervalMs       int     `toml:"interval_ms" json:"interval_ms"`
	GridStep         int     `toml:"grid_step" json:"grid_step"`
	MergeDistance    int     `toml:"merge_distance" json:"merge_distance"`
	MinClusterPoints int     `toml:"min_cluster_points" json:"min_cluster_points"`
	MaxClusters      int     `toml:"max_clusters" json:"max_clusters"`
	CenterDeviation  float64 `toml:"center_deviation" json:"center_deviation"`
}

// AudioConfig holds the spectrum sampler configuration.
type AudioConfig struct {
	IntervalMs        int     `toml:"interval_ms" json:"interval_ms"`
	VoiceVolume       float64 `toml:"voice_volume" json:"voice_volume"`
	AmbientVolume     float64 `toml:"ambient_volume" json:"ambient_volume"`
	VoiceBandLow      float64 `toml:"voice_band_low" json:"voice_band_low"`
	VoiceBandHigh     float64 `toml:"voice_band_high" json:"voice_band_high"`
	VoiceRatio        float64 `toml:"voice_ratio" json:"voice_ratio"`
	WindowSize        int     `toml:"window_size" json:"window_size"`
	VarianceThreshold float64 `toml:"variance_threshold" json:"variance_threshold"`
}

// TypingConfig holds the cadence analyzer configuration.
type TypingConfig struct {
	ReportIntervalMs int `toml:"report_interval_ms" json:"report_interval_ms"`
	HistorySize      int `toml:"history_size" json:"history_size"`
	BurstWindowMs    int `toml:"burst_window_ms" json:"burst_window_ms"`
	BurstKeys        int `toml:"burst_keys" json:"burst_keys"`
}

// ShieldConfig holds the environment monitor configuration.
type ShieldConfig struct {
	ProbeIntervalMs  int `toml:"probe_interval_ms" json:"probe_interval_ms"`
	SizeGapThreshold int `toml:"size_gap_threshold" json:"size_gap_threshold"`
}

// HeartbeatConfig holds the liveness channel configuration.
type HeartbeatConfig struct {
	IntervalMs    int `toml:"interval_ms" json:"interval_ms"`
	MissThreshold int `toml:"miss_threshold" json:"miss_threshold"`
}

// TrustConfig holds the escalation configuration.
type TrustConfig struct {
	AlertThreshold    int `toml:"alert_threshold" json:"alert_threshold"`
	WarningThreshold  int `toml:"warning_threshold" json:"warning_threshold"`
	CriticalThreshold int `toml:"critical_threshold" json:"critical_threshold"`
	AutoSubmitDelayMs int `toml:"auto_submit_delay_ms" json:"auto_submit_delay_ms"`
}

// ChecksConfig holds the pre-exam validation configuration.
type ChecksConfig struct {
	DisallowedBrowsers   []string `toml:"disallowed_browsers" json:"disallowed_browsers"`
	MinBrowserVersion    int      `toml:"min_browser_version" json:"min_browser_version"`
	SuspiciousExtensions []string `toml:"suspicious_extensions" json:"suspicious_extensions"`
	LatencyCeilingMs     int      `toml:"latency_ceiling_ms" json:"latency_ceiling_ms"`
}

// SessionConfig holds the exam session configuration.
type SessionConfig struct {
	// ExamID identifies the exam being attempted.
	ExamID string `toml:"exam_id" json:"exam_id"`

	// DurationSec is the exam time budget in seconds.
	DurationSec int `toml:"duration_sec" json:"duration_sec"`

	// SnapshotIntervalMs between monitoring snapshots on the realtime
	// channel.
	SnapshotIntervalMs int `toml:"snapshot_interval_ms" json:"snapshot_interval_ms"`
}

// DefaultConfig returns a configuration matching every component's tuned
// defaults.
func DefaultConfig() *Config {
	cam := camera.DefaultConfig()
	aud := audio.DefaultConfig()
	typ := typing.DefaultConfig()
	shl := shield.DefaultConfig()
	hb := heartbeat.DefaultConfig()
	tr := transport.DefaultConfig()
	tru := trust.DefaultConfig()
	chk := checks.DefaultConfig()
	ob := outbox.DefaultConfig()
	auth := authority.DefaultConfig()
	ses := session.DefaultConfig()

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Authority: AuthorityConfig{
			BaseURL:   auth.BaseURL,
			TimeoutMs: int(auth.Timeout / time.Millisecond),
		},
		Transport: TransportConfig{
			URL:           "ws://localhost:8000",
			BaseBackoffMs: int(tr.BaseBackoff / time.Millisecond),
			MaxBackoffMs:  int(tr.MaxBackoff / time.Millisecond),
			MaxAttempts:   tr.MaxAttempts,
		},
		Outbox: OutboxConfig{
			Enabled:  ob.Enabled,
			Path:     ob.Path,
			Capacity: ob.Capacity,
		},
		Camera: CameraConfig{
			IntervalMs:       int(cam.Interval / time.Millisecond),
			GridStep:         cam.GridStep,
			MergeDistance:    cam.MergeDistance,
			MinClusterPoints: cam.MinClusterPoints,
			MaxClusters:      cam.MaxClusters,
			CenterDeviation:  cam.CenterDeviation,
		},
		Audio: AudioConfig{
			IntervalMs:        int(aud.Interval / time.Millisecond),
			VoiceVolume:       aud.VoiceVolume,
			AmbientVolume:     aud.AmbientVolume,
			VoiceBandLow:      aud.VoiceBandLow,
			VoiceBandHigh:     aud.VoiceBandHigh,
			VoiceRatio:        aud.VoiceRatio,
			WindowSize:        aud.WindowSize,
			VarianceThreshold: aud.VarianceThreshold,
		},
		Typing: TypingConfig{
			ReportIntervalMs: int(typ.ReportInterval / time.Millisecond),
			HistorySize:      typ.HistorySize,
			BurstWindowMs:    int(typ.BurstWindow / time.Millisecond),
			BurstKeys:        typ.BurstKeys,
		},
		Shield: ShieldConfig{
			ProbeIntervalMs:  int(shl.ProbeInterval / time.Millisecond),
			SizeGapThreshold: shl.SizeGapThreshold,
		},
		Heartbeat: HeartbeatConfig{
			IntervalMs:    int(hb.Interval / time.Millisecond),
			MissThreshold: hb.MissThreshold,
		},
		Trust: TrustConfig{
			AlertThreshold:    tru.AlertThreshold,
			WarningThreshold:  tru.WarningThreshold,
			CriticalThreshold: tru.CriticalThreshold,
			AutoSubmitDelayMs: int(tru.AutoSubmitDelay / time.Millisecond),
		},
		Checks: ChecksConfig{
			DisallowedBrowsers:   chk.DisallowedBrowsers,
			MinBrowserVersion:    chk.MinBrowserVersion,
			SuspiciousExtensions: chk.SuspiciousExtensions,
			LatencyCeilingMs:     int(chk.LatencyCeiling / time.Millisecond),
		},
		Session: SessionConfig{
			ExamID:             ses.ExamID,
			DurationSec:        int(ses.Duration / time.Second),
			SnapshotIntervalMs: int(ses.SnapshotInterval / time.Millisecond),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "proctord", "config.toml")
	}
	return "proctord.toml"
}

// Load reads configuration from the specified path. A missing file yields
// the defaults. Supports TOML and JSON based on file extension.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides. Variables are
// prefixed with PROCTORD_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PROCTORD_AUTHORITY_URL"); v != "" {
		c.Authority.BaseURL = v
	}
	if v := os.Getenv("PROCTORD_TOKEN"); v != "" {
		c.Authority.Token = v
	}
	if v := os.Getenv("PROCTORD_WS_URL"); v != "" {
		c.Transport.URL = v
	}
	if v := os.Getenv("PROCTORD_EXAM_ID"); v != "" {
		c.Session.ExamID = v
	}
	if v := os.Getenv("PROCTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROCTORD_LOG_PATH"); v != "" {
		c.Logging.Output = "file"
		c.Logging.FilePath = v
	}
	if v := os.Getenv("PROCTORD_OUTBOX_PATH"); v != "" {
		c.Outbox.Path = v
	}
	if v := os.Getenv("PROCTORD_OUTBOX_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Outbox.Enabled = b
		}
	}
}

// LoggingOptions converts the section to the logging package's form.
func (c *Config) LoggingOptions() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:     level,
		Format:    format,
		Output:    c.Logging.Output,
		FilePath:  c.Logging.FilePath,
		AddSource: c.Logging.AddSource,
		Component: "proctord",
	}, nil
}

// AuthorityOptions converts the section to the authority client's form.
func (c *Config) AuthorityOptions() authority.Config {
	return authority.Config{
		BaseURL: c.Authority.BaseURL,
		Token:   c.Authority.Token,
		Timeout: time.Duration(c.Authority.TimeoutMs) * time.Millisecond,
	}
}

// OutboxOptions converts the section to the outbox package's form.
func (c *Config) OutboxOptions() outbox.Config {
	return outbox.Config{
		Enabled:  c.Outbox.Enabled,
		Path:     c.Outbox.Path,
		Capacity: c.Outbox.Capacity,
	}
}

// EngineConfigs converts every detector section to the session engine's
// form.
func (c *Config) EngineConfigs() session.Configs {
	return session.Configs{
		Session: session.Config{
			ExamID:           c.Session.ExamID,
			Duration:         time.Duration(c.Session.DurationSec) * time.Second,
			SnapshotInterval: time.Duration(c.Session.SnapshotIntervalMs) * time.Millisecond,
		},
		Checks: checks.Config{
			DisallowedBrowsers:   c.Checks.DisallowedBrowsers,
			MinBrowserVersion:    c.Checks.MinBrowserVersion,
			SuspiciousExtensions: c.Checks.SuspiciousExtensions,
			LatencyCeiling:       time.Duration(c.Checks.LatencyCeilingMs) * time.Millisecond,
		},
		Camera: camera.Config{
			Interval:         time.Duration(c.Camera.IntervalMs) * time.Millisecond,
			GridStep:         c.Camera.GridStep,
			MergeDistance:    c.Camera.MergeDistance,
			MinClusterPoints: c.Camera.MinClusterPoints,
			MaxClusters:      c.Camera.MaxClusters,
			CenterDeviation:  c.Camera.CenterDeviation,
		},
		Audio: audio.Config{
			Interval:          time.Duration(c.Audio.IntervalMs) * time.Millisecond,
			VoiceVolume:       c.Audio.VoiceVolume,
			AmbientVolume:     c.Audio.AmbientVolume,
			VoiceBandLow:      c.Audio.VoiceBandLow,
			VoiceBandHigh:     c.Audio.VoiceBandHigh,
			VoiceRatio:        c.Audio.VoiceRatio,
			WindowSize:        c.Audio.WindowSize,
			VarianceThreshold: c.Audio.VarianceThreshold,
		},
		Typing: typing.Config{
			ReportInterval: time.Duration(c.Typing.ReportIntervalMs) * time.Millisecond,
			HistorySize:    c.Typing.HistorySize,
			BurstWindow:    time.Duration(c.Typing.BurstWindowMs) * time.Millisecond,
			BurstKeys:      c.Typing.BurstKeys,
		},
		Shield: shield.Config{
			ProbeInterval:    time.Duration(c.Shield.ProbeIntervalMs) * time.Millisecond,
			SizeGapThreshold: c.Shield.SizeGapThreshold,
		},
		Heartbeat: heartbeat.Config{
			Interval:      time.Duration(c.Heartbeat.IntervalMs) * time.Millisecond,
			MissThreshold: c.Heartbeat.MissThreshold,
		},
		Transport: transport.Config{
			URL:         c.Transport.URL,
			Token:       c.Authority.Token,
			BaseBackoff: time.Duration(c.Transport.BaseBackoffMs) * time.Millisecond,
			MaxBackoff:  time.Duration(c.Transport.MaxBackoffMs) * time.Millisecond,
			MaxAttempts: c.Transport.MaxAttempts,
		},
		Trust: trust.Config{
			AlertThreshold:    c.Trust.AlertThreshold,
			WarningThreshold:  c.Trust.WarningThreshold,
			CriticalThreshold: c.Trust.CriticalThreshold,
			AutoSubmitDelay:   time.Duration(c.Trust.AutoSubmitDelayMs) * time.Millisecond,
		},
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Checks.DisallowedBrowsers = append([]string{}, c.Checks.DisallowedBrowsers...)
	clone.Checks.SuspiciousExtensions = append([]string{}, c.Checks.SuspiciousExtensions...)
	return &clone
}
