package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/keepalive/pkg/logging"
)

// localFlags are passed to a browser launched with a throwaway profile.
var localFlags = []string{
	"--no-first-run",
	"--no-default-browser-check",
	"--disable-dev-shm-usage",
	"--disable-gpu",
	"--disable-blink-features=AutomationControlled",
}

// Launcher builds automation channels. Each channel it returns owns its
// Playwright driver and, in remote mode, the browser process.
type Launcher struct {
	logger *logging.Logger

	// replaced in tests
	findBinary func() (string, error)
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewLauncher creates a new launcher.
func NewLauncher(logger *logging.Logger) *Launcher {
	return &Launcher{
		logger:     logger,
		findBinary: FindBinary,
		sleep:      sleepContext,
	}
}

// Launch builds a channel according to opts. The whole build is bounded by
// opts.BuildTimeout; on timeout it returns ErrSetupTimeout and anything the
// build produces afterwards is torn down in the background.
func (l *Launcher) Launch(ctx context.Context, opts LaunchOptions) (*PlaywrightChannel, error) {
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = DefaultBuildTimeout
	}
	if opts.Viewport == nil {
		opts.Viewport = &Viewport{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		}
	}

	buildCtx, cancel := context.WithTimeout(ctx, opts.BuildTimeout)
	defer cancel()

	type buildResult struct {
		channel *PlaywrightChannel
		err     error
	}
	done := make(chan buildResult, 1)
	go func() {
		ch, err := l.build(buildCtx, opts)
		done <- buildResult{channel: ch, err: err}
	}()

	select {
	case r := <-done:
		return r.channel, r.err
	case <-buildCtx.Done():
		go func() {
			if r := <-done; r.channel != nil {
				_ = r.channel.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrSetupTimeout, opts.BuildTimeout)
	}
}

func (l *Launcher) build(ctx context.Context, opts LaunchOptions) (*PlaywrightChannel, error) {
	switch opts.Mode {
	case ModeRemote:
		return l.buildRemote(ctx, opts)
	case ModeLocal, "":
		return l.buildLocal(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported launch mode: %s", opts.Mode)
	}
}

// startPlaywright installs (if needed) and runs the Playwright driver.
func (l *Launcher) startPlaywright(browsers bool) (*playwright.Playwright, error) {
	// Discard driver output so it does not interleave with the operator prompt
	opts := &playwright.RunOptions{
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
		SkipInstallBrowsers: !browsers,
	}
	if browsers {
		opts.Browsers = []string{"chromium"}
	}

	l.logger.Infof("initializing playwright driver (this may take a moment on first run)")
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	return pw, nil
}

func (l *Launcher) buildLocal(ctx context.Context, opts LaunchOptions) (*PlaywrightChannel, error) {
	bin := opts.BinaryPath
	if bin == "" {
		found, err := l.findBinary()
		if err != nil {
			l.logger.Warnf("browser binary not found in common locations, using bundled chromium")
		} else {
			l.logger.Infof("found browser at: %s", found)
			bin = found
		}
	}

	profile := opts.ProfileDir
	temporary := false
	if profile == "" {
		profile = filepath.Join(os.TempDir(), "keepalive", "profile-"+uuid.NewString())
		temporary = true
	}
	if err := os.MkdirAll(profile, 0750); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	l.logger.Infof("using user data directory: %s", profile)

	pw, err := l.startPlaywright(bin == "")
	if err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     localFlags,
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	}
	if bin != "" {
		launchOpts.ExecutablePath = playwright.String(bin)
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(profile, launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	page, err := firstPage(bctx)
	if err != nil {
		_ = bctx.Close()
		_ = pw.Stop()
		return nil, err
	}

	ch := newPlaywrightChannel(pw, nil, bctx, page)
	if temporary {
		ch.tempProfile = profile
	}

	if ctx.Err() != nil {
		_ = ch.Close()
		return nil, ctx.Err()
	}

	l.logger.Infof("browser channel created (local, headless=%t)", opts.Headless)
	return ch, nil
}

func (l *Launcher) buildRemote(ctx context.Context, opts LaunchOptions) (*PlaywrightChannel, error) {
	bin := opts.BinaryPath
	if bin == "" {
		found, err := l.findBinary()
		if err != nil {
			return nil, err
		}
		bin = found
	}

	profile := opts.ProfileDir
	if profile == "" {
		dir, err := DefaultRemoteProfileDir(opts.DebugPort)
		if err != nil {
			return nil, err
		}
		profile = dir
	}

	l.logger.Infof("starting browser, debug port: %d, user data directory: %s", opts.DebugPort, profile)
	proc, err := StartProcess(ctx, bin, profile, opts.DebugPort, opts.Headless)
	if err != nil {
		return nil, err
	}

	if opts.StartupDelay > 0 {
		l.logger.Infof("waiting %s for browser on port %d", opts.StartupDelay, opts.DebugPort)
		if err := l.sleep(ctx, opts.StartupDelay); err != nil {
			proc.Kill()
			return nil, err
		}
	}

	pw, err := l.startPlaywright(false)
	if err != nil {
		proc.Kill()
		return nil, err
	}

	l.logger.Infof("attaching to browser via debug port %d", opts.DebugPort)
	browser, err := pw.Chromium.ConnectOverCDP(proc.ControlURL())
	if err != nil {
		_ = pw.Stop()
		proc.Kill()
		return nil, fmt.Errorf("failed to attach to browser: %w", err)
	}

	contexts := browser.Contexts()
	if len(contexts) == 0 {
		_ = browser.Close()
		_ = pw.Stop()
		proc.Kill()
		return nil, errors.New("attached browser has no default context")
	}

	page, err := firstPage(contexts[0])
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		proc.Kill()
		return nil, err
	}

	ch := newPlaywrightChannel(pw, browser, nil, page)
	ch.process = proc

	if ctx.Err() != nil {
		_ = ch.Close()
		return nil, ctx.Err()
	}

	l.logger.Infof("browser channel created (remote, pid=%d)", proc.PID())
	return ch, nil
}

func firstPage(bctx playwright.BrowserContext) (playwright.Page, error) {
	if pages := bctx.Pages(); len(pages) > 0 {
		return pages[0], nil
	}
	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return page, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
