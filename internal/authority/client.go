// Package authority is the REST client for the proctoring authority
// service.
//
// The engine is a pure client: session validation, attempt lifecycle, and
// all telemetry logging happen here. Telemetry calls are best-effort by
// contract: a lost logging call must never interrupt the exam, so those
// methods log failures at debug level and return nil.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"proctorforge/internal/event"
	"proctorforge/internal/typing"
)

// Config controls the client.
type Config struct {
	// BaseURL of the authority service, without trailing slash.
	BaseURL string `json:"base_url"`

	// Token is the bearer token for the authenticated student.
	Token string `json:"token"`

	// Timeout per request.
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8000",
		Timeout: 10 * time.Second,
	}
}

// Client talks to the authority service.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates an authority client.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// SessionProfile is the browser/device profile registered before an exam.
type SessionProfile struct {
	BrowserName         string  `json:"browser_name"`
	BrowserVersion      string  `json:"browser_version"`
	OSName              string  `json:"os_name"`
	ScreenCount         int     `json:"screen_count"`
	GPURenderer         string  `json:"gpu_renderer"`
	DeviceFingerprint   string  `json:"device_fingerprint"`
	VMDetected          bool    `json:"vm_detected"`
	WebcamAvailable     bool    `json:"webcam_available"`
	MicAvailable        bool    `json:"mic_available"`
	FullscreenCapable   bool    `json:"fullscreen_capable"`
	ConnectionSpeedMbps float64 `json:"connection_speed_mbps,omitempty"`
}

// SessionInitResult is the authority's readiness verdict.
type SessionInitResult struct {
	Ready                bool     `json:"ready"`
	Blocking             []string `json:"blocking"`
	Warnings             []string `json:"warnings"`
	FingerprintSignature string   `json:"fingerprint_signature"`
	SessionToken         string   `json:"session_token"`
	HeartbeatIntervalMS  int      `json:"heartbeat_interval_ms"`
}

// SessionInit registers the device profile and returns readiness.
func (c *Client) SessionInit(ctx context.Context, profile SessionProfile) (*SessionInitResult, error) {
	var result SessionInitResult
	if err := c.post(ctx, "/api/monitoring/session-init", profile, &result); err != nil {
		return nil, fmt.Errorf("session init: %w", err)
	}
	return &result, nil
}

// Attempt is the authority's attempt record.
type Attempt struct {
	ID         string    `json:"id"`
	ExamID     string    `json:"exam_id"`
	StartTime  time.Time `json:"start_time"`
	TrustScore float64   `json:"trust_score"`
	RiskLevel  string    `json:"risk_level"`
	Status     string    `json:"status"`
}

// CreateAttempt opens a new attempt for the exam.
func (c *Client) CreateAttempt(ctx context.Context, examID, fingerprint string) (*Attempt, error) {
	body := map[string]any{
		"exam_id":            examID,
		"device_fingerprint": fingerprint,
	}
	var attempt Attempt
	if err := c.post(ctx, "/api/attempts/", body, &attempt); err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	return &attempt, nil
}

// EndAttempt closes the attempt. reason is "submitted", "timer_expired",
// "auto_submitted", or "terminated".
func (c *Client) EndAttempt(ctx context.Context, attemptID, reason string) error {
	body := map[string]any{"reason": reason}
	if err := c.patch(ctx, "/api/attempts/"+attemptID+"/end", body, nil); err != nil {
		return fmt.Errorf("end attempt: %w", err)
	}
	return nil
}

// LogViolation records a violation event. Best-effort.
func (c *Client) LogViolation(ctx context.Context, v event.Violation) error {
	body := map[string]any{
		"event_type":       string(v.Kind),
		"event_data":       v.Payload,
		"confidence_score": v.Confidence,
		"hmac_signature":   v.Signature,
	}
	c.bestEffort("violation", c.post(ctx, "/api/attempts/"+v.AttemptID+"/events", body, nil))
	return nil
}

// LogTypingMetrics records one typing report. Best-effort.
func (c *Client) LogTypingMetrics(ctx context.Context, attemptID string, m typing.Metrics) error {
	body := map[string]any{
		"wpm":             m.WPM,
		"backspace_ratio": m.BackspaceRatio,
		"paste_size":      m.PasteSize,
		"idle_time":       m.IdleSeconds,
		"entropy_score":   m.EntropyScore,
		"burst_detected":  fmt.Sprintf("%t", m.BurstDetected),
	}
	c.bestEffort("typing metrics", c.post(ctx, "/api/attempts/"+attemptID+"/typing", body, nil))
	return nil
}

// CameraEvent forwards a camera detector event. Best-effort.
func (c *Client) CameraEvent(ctx context.Context, attemptID string, v event.Violation) error {
	body := map[string]any{
		"attempt_id": attemptID,
		"event_type": strings.TrimPrefix(string(v.Kind), "camera_"),
		"confidence": v.Confidence,
		"details":    v.Payload,
	}
	if n, ok := v.Payload["face_count"].(int); ok {
		body["face_count"] = n
	}
	c.bestEffort("camera event", c.post(ctx, "/api/monitoring/camera-event", body, nil))
	return nil
}

// AudioEvent forwards an audio detector event. Best-effort.
func (c *Client) AudioEvent(ctx context.Context, attemptID string, v event.Violation) error {
	body := map[string]any{
		"attempt_id": attemptID,
		"event_type": string(v.Kind),
		"confidence": v.Confidence,
		"details":    v.Payload,
	}
	if vol, ok := v.Payload["volume_level"].(float64); ok {
		body["volume_level"] = vol
	}
	if n, ok := v.Payload["voice_count"].(int); ok {
		body["voice_count"] = n
	}
	c.bestEffort("audio event", c.post(ctx, "/api/monitoring/audio-event", body, nil))
	return nil
}

// HeartbeatStatus is the liveness telemetry carried by each ping.
type HeartbeatStatus struct {
	AttemptID       string   `json:"attempt_id"`
	Timestamp       float64  `json:"timestamp"`
	TabVisible      bool     `json:"tab_visible"`
	Fullscreen      bool     `json:"fullscreen"`
	BatteryCharging *bool    `json:"battery_charging,omitempty"`
	BatteryLevel    *float64 `json:"battery_level,omitempty"`
}

// HeartbeatReply is the authority's response to a ping. It may carry
// violations discovered server-side and a pause directive.
type HeartbeatReply struct {
	Status     string            `json:"status"`
	ServerTime string            `json:"server_time"`
	GapSeconds float64           `json:"gap_seconds"`
	Violations []ServerViolation `json:"violations"`
	Paused     bool              `json:"paused"`
}

// ServerViolation is a violation the authority detected from correlated
// signals.
type ServerViolation struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Gap     float64 `json:"gap_seconds,omitempty"`
}

// Heartbeat sends one liveness ping.
func (c *Client) Heartbeat(ctx context.Context, status HeartbeatStatus) (*HeartbeatReply, error) {
	var reply HeartbeatReply
	if err := c.post(ctx, "/api/monitoring/heartbeat", status, &reply); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &reply, nil
}

// ProbeLatency measures one round trip to the authority service.
func (c *Client) ProbeLatency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/monitoring/ping", nil)
	if err != nil {
		return 0, err
	}
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("latency probe: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return time.Since(start), nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

// bestEffort logs a telemetry failure without propagating it.
func (c *Client) bestEffort(what string, err error) {
	if err != nil {
		c.logger.Debug("telemetry call failed", "call", what, "error", err)
	}
}
