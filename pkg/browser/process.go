package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// remoteFlags are passed to a browser spawned for remote debugging.
// Extensions installed by the operator persist in the profile directory.
var remoteFlags = []flags.Flag{
	"no-first-run",
	"no-default-browser-check",
	"disable-dev-shm-usage",
	"disable-gpu",
	"disable-notifications",
	"start-maximized",
	"disable-extensions-file-access-check",
	"disable-extensions-http-throttling",
}

// Process is a browser process spawned with a remote debugging port.
type Process struct {
	launcher   *launcher.Launcher
	controlURL string
	profileDir string
	killOnce   sync.Once
}

// StartProcess spawns bin with a remote debugging port and a persistent
// profile and returns once the DevTools endpoint is reachable.
func StartProcess(ctx context.Context, bin, profileDir string, port int, headless bool) (*Process, error) {
	if err := os.MkdirAll(profileDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	l := launcher.New().
		Context(ctx).
		Bin(bin).
		UserDataDir(profileDir).
		Set("remote-debugging-port", strconv.Itoa(port)).
		Headless(headless).
		Delete("no-startup-window").
		Delete("enable-automation")

	for _, f := range remoteFlags {
		l = l.Set(f)
	}

	controlURL, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to launch browser on port %d: %w", port, err)
	}

	return &Process{
		launcher:   l,
		controlURL: controlURL,
		profileDir: profileDir,
	}, nil
}

// ControlURL returns the DevTools websocket endpoint.
func (p *Process) ControlURL() string {
	return p.controlURL
}

// ProfileDir returns the profile directory the process was started with.
func (p *Process) ProfileDir() string {
	return p.profileDir
}

// PID returns the browser process ID.
func (p *Process) PID() int {
	return p.launcher.PID()
}

// Kill terminates the process. The profile directory is kept. Safe to call
// multiple times.
func (p *Process) Kill() {
	p.killOnce.Do(p.launcher.Kill)
}

// DefaultRemoteProfileDir returns ~/chrome_dev_profile/<port>.
func DefaultRemoteProfileDir(port int) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, "chrome_dev_profile", strconv.Itoa(port)), nil
}
