// Package checks runs the pre-exam environment validation sequence.
//
// The sequence is a fixed, ordered list of one-shot probes over the host
// environment. Only two outcomes block entry: a positive virtualization
// detection and a round-trip latency above the ceiling. Everything else is
// advisory: recorded and reported to the authority, but never fatal.
package checks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"proctorforge/internal/authority"
)

// Environment exposes the host probes the sequence needs. The browser
// layer (or a simulator) implements it.
type Environment interface {
	// Browser returns the user agent's browser name and version.
	Browser() (name, version string)

	// OSName returns the host operating system name.
	OSName() string

	// GPURenderer returns the WebGL renderer string.
	GPURenderer() string

	// ScreenCount returns the number of attached displays.
	ScreenCount() int

	// Extensions returns identifiers of detectable browser extensions.
	Extensions() []string

	// Device availability probes.
	WebcamAvailable() bool
	MicAvailable() bool
	ScreenShareAvailable() bool
	FullscreenCapable() bool
}

// LatencyProber measures a round trip to the authority service. The
// authority client satisfies it.
type LatencyProber interface {
	ProbeLatency(ctx context.Context) (time.Duration, error)
}

// Config controls the sequence.
type Config struct {
	// DisallowedBrowsers are lowercase substrings of rejected browser
	// names.
	DisallowedBrowsers []string `json:"disallowed_browsers"`

	// MinBrowserVersion is the major-version floor.
	MinBrowserVersion int `json:"min_browser_version"`

	// SuspiciousExtensions are extension identifiers flagged as advisory
	// risks.
	SuspiciousExtensions []string `json:"suspicious_extensions"`

	// LatencyCeiling blocks entry when the round trip exceeds it.
	LatencyCeiling time.Duration `json:"latency_ceiling"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		DisallowedBrowsers:   []string{"firefox", "safari", "opera", "internet explorer"},
		MinBrowserVersion:    100,
		SuspiciousExtensions: []string{"screen-recorder", "remote-desktop", "auto-clicker", "answer-helper"},
		LatencyCeiling:       200 * time.Millisecond,
	}
}

// vmIndicators are renderer substrings that betray a virtualized GPU.
var vmIndicators = []string{"swiftshader", "llvmpipe", "virtualbox", "vmware", "parallels"}

// Status classifies one check outcome.
type Status string

// Statuses.
const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Result is one check outcome.
type Result struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`

	// Fatal marks the hard stops (virtualization, latency ceiling).
	Fatal bool `json:"fatal,omitempty"`
}

// Report is the full sequence outcome.
type Report struct {
	Results     []Result                 `json:"results"`
	Fingerprint string                   `json:"fingerprint"`
	Profile     authority.SessionProfile `json:"profile"`
	Blocked     bool                     `json:"blocked"`
	BlockReason string                   `json:"block_reason,omitempty"`
}

// CheckBrowser validates the user agent alone. The browser_check phase
// runs it before anything else; failure is terminal for the session.
func CheckBrowser(cfg Config, env Environment) Result {
	name, version := env.Browser()
	lower := strings.ToLower(name)

	for _, banned := range cfg.DisallowedBrowsers {
		if strings.Contains(lower, banned) {
			return Result{
				Name:   "browser_identity",
				Status: StatusFail,
				Detail: fmt.Sprintf("unsupported browser: %s", name),
				Fatal:  true,
			}
		}
	}
	if major := majorVersion(version); major > 0 && major < cfg.MinBrowserVersion {
		return Result{
			Name:   "browser_identity",
			Status: StatusFail,
			Detail: fmt.Sprintf("browser version %s below floor %d", version, cfg.MinBrowserVersion),
			Fatal:  true,
		}
	}
	return Result{Name: "browser_identity", Status: StatusPass, Detail: name + " " + version}
}

// Run executes the security_checks sequence in its fixed order and builds
// the session profile for registration.
func Run(ctx context.Context, cfg Config, env Environment, prober LatencyProber) *Report {
	report := &Report{}

	add := func(r Result) {
		report.Results = append(report.Results, r)
		if r.Fatal && !report.Blocked {
			report.Blocked = true
			report.BlockReason = r.Detail
		}
	}

	// 1. Browser identity (re-validated; the state machine already gated
	// on it in browser_check).
	add(CheckBrowser(cfg, env))

	// 2. Virtualization renderer heuristic. The only check in this phase
	// that is a hard stop on its own.
	renderer := strings.ToLower(env.GPURenderer())
	vm := false
	for _, ind := range vmIndicators {
		if strings.Contains(renderer, ind) {
			vm = true
			break
		}
	}
	if vm {
		add(Result{
			Name:   "virtualization",
			Status: StatusFail,
			Detail: "virtual machine detected; exams must run on physical hardware",
			Fatal:  true,
		})
	} else {
		add(Result{Name: "virtualization", Status: StatusPass})
	}

	// 3. Suspicious extension probe. Advisory.
	if found := suspiciousExtensions(cfg, env.Extensions()); len(found) > 0 {
		add(Result{
			Name:   "extensions",
			Status: StatusWarn,
			Detail: "suspicious extensions: " + strings.Join(found, ", "),
		})
	} else {
		add(Result{Name: "extensions", Status: StatusPass})
	}

	// 4. Display and media availability probes. Advisory; a missing
	// webcam is a standing risk factor, not a block.
	if n := env.ScreenCount(); n > 1 {
		add(Result{Name: "displays", Status: StatusWarn, Detail: fmt.Sprintf("%d displays attached", n)})
	} else {
		add(Result{Name: "displays", Status: StatusPass})
	}
	add(availability("webcam", env.WebcamAvailable()))
	add(availability("microphone", env.MicAvailable()))
	add(availability("screen_share", env.ScreenShareAvailable()))
	add(availability("fullscreen", env.FullscreenCapable()))

	// 5. Round-trip latency probe. Above the ceiling is a hard stop with
	// its own blocking screen, distinct from virtualization.
	if prober != nil {
		rtt, err := prober.ProbeLatency(ctx)
		switch {
		case err != nil:
			add(Result{Name: "latency", Status: StatusWarn, Detail: fmt.Sprintf("probe failed: %v", err)})
		case rtt > cfg.LatencyCeiling:
			add(Result{
				Name:   "latency",
				Status: StatusFail,
				Detail: fmt.Sprintf("network too slow: %s round trip (ceiling %s)", rtt.Round(time.Millisecond), cfg.LatencyCeiling),
				Fatal:  true,
			})
		default:
			add(Result{Name: "latency", Status: StatusPass, Detail: rtt.Round(time.Millisecond).String()})
		}
	}

	// 6. Device fingerprint over the canonical profile.
	name, version := env.Browser()
	report.Profile = authority.SessionProfile{
		BrowserName:       name,
		BrowserVersion:    version,
		OSName:            env.OSName(),
		ScreenCount:       env.ScreenCount(),
		GPURenderer:       env.GPURenderer(),
		VMDetected:        vm,
		WebcamAvailable:   env.WebcamAvailable(),
		MicAvailable:      env.MicAvailable(),
		FullscreenCapable: env.FullscreenCapable(),
	}
	report.Fingerprint = Fingerprint(report.Profile)
	report.Profile.DeviceFingerprint = report.Fingerprint
	add(Result{Name: "fingerprint", Status: StatusPass, Detail: report.Fingerprint[:12]})

	return report
}

// Fingerprint hashes the canonical profile. Stable across runs on the
// same device as long as the probed surface does not change.
func Fingerprint(p authority.SessionProfile) string {
	p.DeviceFingerprint = ""
	p.ConnectionSpeedMbps = 0
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func availability(name string, ok bool) Result {
	if ok {
		return Result{Name: name, Status: StatusPass}
	}
	return Result{Name: name, Status: StatusWarn, Detail: name + " unavailable"}
}

func suspiciousExtensions(cfg Config, installed []string) []string {
	var found []string
	for _, ext := range installed {
		lower := strings.ToLower(ext)
		for _, sus := range cfg.SuspiciousExtensions {
			if strings.Contains(lower, sus) {
				found = append(found, ext)
				break
			}
		}
	}
	return found
}

// majorVersion parses the leading integer of a version string; 0 when
// unparseable.
func majorVersion(version string) int {
	head := version
	if i := strings.IndexByte(version, '.'); i >= 0 {
		head = version[:i]
	}
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0
	}
	return n
}
