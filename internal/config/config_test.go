package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// =============================================================================
// Defaults and loading
// =============================================================================

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultConfig()
	if cfg.Authority.BaseURL != want.Authority.BaseURL {
		t.Errorf("base_url = %q, want default %q", cfg.Authority.BaseURL, want.Authority.BaseURL)
	}
	if cfg.Heartbeat.IntervalMs != want.Heartbeat.IntervalMs {
		t.Errorf("heartbeat interval = %d, want default %d", cfg.Heartbeat.IntervalMs, want.Heartbeat.IntervalMs)
	}
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "config.toml", `
[session]
exam_id = "exam-42"
duration_sec = 5400

[transport]
url = "wss://exams.example.com"

[trust]
critical_threshold = 8
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.ExamID != "exam-42" || cfg.Session.DurationSec != 5400 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Transport.URL != "wss://exams.example.com" {
		t.Errorf("transport url = %q", cfg.Transport.URL)
	}
	if cfg.Trust.CriticalThreshold != 8 {
		t.Errorf("critical threshold = %d", cfg.Trust.CriticalThreshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Heartbeat.MissThreshold != DefaultConfig().Heartbeat.MissThreshold {
		t.Errorf("miss threshold = %d", cfg.Heartbeat.MissThreshold)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"session":{"exam_id":"exam-9"},"logging":{"level":"debug"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.ExamID != "exam-9" {
		t.Errorf("exam id = %q", cfg.Session.ExamID)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := writeFile(t, "config.toml", "[session\nexam_id =")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed TOML should fail to load")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROCTORD_AUTHORITY_URL", "https://authority.example.com")
	t.Setenv("PROCTORD_TOKEN", "secret-token")
	t.Setenv("PROCTORD_EXAM_ID", "exam-env")
	t.Setenv("PROCTORD_LOG_PATH", "/var/log/proctord.log")
	t.Setenv("PROCTORD_OUTBOX_ENABLED", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Authority.BaseURL != "https://authority.example.com" {
		t.Errorf("base_url = %q", cfg.Authority.BaseURL)
	}
	if cfg.Authority.Token != "secret-token" {
		t.Errorf("token = %q", cfg.Authority.Token)
	}
	if cfg.Session.ExamID != "exam-env" {
		t.Errorf("exam id = %q", cfg.Session.ExamID)
	}
	if cfg.Logging.Output != "file" || cfg.Logging.FilePath != "/var/log/proctord.log" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Outbox.Enabled {
		t.Error("outbox should be disabled by override")
	}
}

// =============================================================================
// Validation
// =============================================================================

func TestValidateCatchesErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		keyword string
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"file output without path", func(c *Config) { c.Logging.Output = "file" }, "logging.file_path"},
		{"bad authority scheme", func(c *Config) { c.Authority.BaseURL = "ftp://host" }, "authority.base_url"},
		{"bad websocket scheme", func(c *Config) { c.Transport.URL = "http://host" }, "transport.url"},
		{"inverted backoff", func(c *Config) { c.Transport.MaxBackoffMs = c.Transport.BaseBackoffMs - 1 }, "max_backoff_ms"},
		{"outbox without path", func(c *Config) { c.Outbox.Path = "" }, "outbox.path"},
		{"deviation out of range", func(c *Config) { c.Camera.CenterDeviation = 1.5 }, "center_deviation"},
		{"inverted voice band", func(c *Config) { c.Audio.VoiceBandLow = c.Audio.VoiceBandHigh }, "voice_band_low"},
		{"inverted trust ladder", func(c *Config) { c.Trust.AlertThreshold = 9 }, "alert < warning < critical"},
		{"zero duration", func(c *Config) { c.Session.DurationSec = 0 }, "duration_sec"},
		{"zero snapshot interval", func(c *Config) { c.Session.SnapshotIntervalMs = 0 }, "snapshot_interval_ms"},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.keyword) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.keyword)
		}
	}
}

// =============================================================================
// Conversion
// =============================================================================

func TestEngineConfigsConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Authority.Token = "secret"
	cfg.Session.DurationSec = 5400

	engine := cfg.EngineConfigs()
	if engine.Session.Duration != 90*time.Minute {
		t.Errorf("duration = %v", engine.Session.Duration)
	}
	if engine.Heartbeat.Interval != 3*time.Second {
		t.Errorf("heartbeat interval = %v", engine.Heartbeat.Interval)
	}
	if engine.Trust.AutoSubmitDelay != 3*time.Second {
		t.Errorf("auto submit delay = %v", engine.Trust.AutoSubmitDelay)
	}
	if engine.Transport.Token != "secret" {
		t.Error("channel should inherit the authority token")
	}
}

func TestLoggingOptionsRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if _, err := cfg.LoggingOptions(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Checks.DisallowedBrowsers[0] = "edited"
	clone.Session.ExamID = "other"

	if cfg.Checks.DisallowedBrowsers[0] == "edited" {
		t.Error("clone shares the browser list")
	}
	if cfg.Session.ExamID == "other" {
		t.Error("clone shares scalar fields")
	}
}

// =============================================================================
// Hot reload
// =============================================================================

func TestLoaderReloadAppliesValidConfig(t *testing.T) {
	path := writeFile(t, "config.toml", `[session]
exam_id = "before"
`)
	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var changed *Config
	l.OnChange(func(c *Config) { changed = c })

	if err := os.WriteFile(path, []byte("[session]\nexam_id = \"after\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l.reload()

	if l.Config().Session.ExamID != "after" {
		t.Errorf("exam id = %q, want after", l.Config().Session.ExamID)
	}
	if changed == nil || changed.Session.ExamID != "after" {
		t.Error("change callback should receive the new config")
	}
}

func TestLoaderKeepsOldConfigOnInvalidReload(t *testing.T) {
	path := writeFile(t, "config.toml", `[session]
exam_id = "stable"
`)
	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("[trust]\nalert_threshold = 99\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l.reload()

	if l.Config().Session.ExamID != "stable" {
		t.Error("invalid reload must not replace the active config")
	}
	select {
	case err := <-l.Errors():
		if !strings.Contains(err.Error(), "trust") {
			t.Errorf("error = %v", err)
		}
	default:
		t.Error("invalid reload should surface an error")
	}
}
