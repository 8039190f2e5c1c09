package main

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
)

// hostProfile is the environment description the embedding browser shell
// writes before launching proctord. Fields mirror what the shell can probe
// from its own context.
type hostProfile struct {
	BrowserName          string   `json:"browser_name"`
	BrowserVersion       string   `json:"browser_version"`
	OSName               string   `json:"os_name"`
	GPURenderer          string   `json:"gpu_renderer"`
	ScreenCount          int      `json:"screen_count"`
	Extensions           []string `json:"extensions"`
	WebcamAvailable      bool     `json:"webcam_available"`
	MicAvailable         bool     `json:"mic_available"`
	ScreenShareAvailable bool     `json:"screen_share_available"`
	FullscreenCapable    bool     `json:"fullscreen_capable"`
}

// loadEnvironment reads the host profile written by the embedding shell.
// Without one, a minimal profile with the local OS and no media devices is
// used; the advisory checks will flag the missing devices.
func loadEnvironment(path string) (*hostEnv, error) {
	env := &hostEnv{
		profile: hostProfile{
			BrowserName:    "chrome",
			BrowserVersion: "0",
			OSName:         runtime.GOOS,
			ScreenCount:    1,
		},
	}
	if path == "" {
		return env, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host profile: %w", err)
	}
	if err := json.Unmarshal(data, &env.profile); err != nil {
		return nil, fmt.Errorf("decode host profile: %w", err)
	}
	return env, nil
}

// hostEnv adapts a hostProfile to checks.Environment.
type hostEnv struct {
	profile hostProfile
}

func (e *hostEnv) Browser() (string, string) {
	return e.profile.BrowserName, e.profile.BrowserVersion
}

func (e *hostEnv) OSName() string {
	if e.profile.OSName != "" {
		return e.profile.OSName
	}
	return runtime.GOOS
}

func (e *hostEnv) GPURenderer() string { return e.profile.GPURenderer }

func (e *hostEnv) ScreenCount() int { return e.profile.ScreenCount }

func (e *hostEnv) Extensions() []string { return e.profile.Extensions }

func (e *hostEnv) WebcamAvailable() bool { return e.profile.WebcamAvailable }

func (e *hostEnv) MicAvailable() bool { return e.profile.MicAvailable }

func (e *hostEnv) ScreenShareAvailable() bool { return e.profile.ScreenShareAvailable }

func (e *hostEnv) FullscreenCapable() bool { return e.profile.FullscreenCapable }
