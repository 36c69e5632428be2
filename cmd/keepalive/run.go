package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/entrhq/keepalive/pkg/browser"
	"github.com/entrhq/keepalive/pkg/config"
	"github.com/entrhq/keepalive/pkg/gate"
	"github.com/entrhq/keepalive/pkg/keepalive"
	"github.com/entrhq/keepalive/pkg/logging"
	"github.com/entrhq/keepalive/pkg/metrics"
)

// sessionChannel is the automation channel a run drives. ProfileDir feeds
// the operator hints.
type sessionChannel interface {
	browser.Channel
	ProfileDir() string
}

// channelOpener builds the automation channel for a run.
type channelOpener func(ctx context.Context, logger *logging.Logger, cfg *config.Config) (sessionChannel, error)

// launchChannel opens a real browser through the playwright launcher.
func launchChannel(ctx context.Context, logger *logging.Logger, cfg *config.Config) (sessionChannel, error) {
	ch, err := browser.NewLauncher(logger.Named("browser")).Launch(ctx, launchOptions(cfg))
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// run drives one keepalive session: bind the metrics listener, build the
// browser, open the page, wait for the operator, then supervise until ctx is
// cancelled. Cancellation at any point is a clean exit. Only setup failures
// and a lost browser return errors.
//
//nolint:gocyclo
func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, open channelOpener) error {
	logging.SetLogDirectory(cfg.Logging.Dir)
	// On error NewLogger reports it and falls back to stderr
	logger, _ := logging.NewLogger("keepalive", cfg.ProcessID)
	defer logger.Close()

	logger.Infof("starting automation for URL: %s", cfg.TargetURL)
	logger.Infof("mode: %s, headless: %t", cfg.Mode, cfg.Headless)
	if path := logger.LogPath(); path != "" {
		logger.Infof("logging to %s", path)
	}

	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		logger.Warnf("stdin is not a terminal; the session starts on the first line of input")
	}

	// Bind before any browser exists so an occupied address fails setup
	var metricsLn net.Listener
	if cfg.Metrics.Addr != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			logger.Errorf("failed to listen for metrics on %s: %v", cfg.Metrics.Addr, err)
			return fmt.Errorf("failed to listen for metrics on %s: %w", cfg.Metrics.Addr, err)
		}
		metricsLn = ln
		defer func() { _ = ln.Close() }()
	}

	ch, err := open(ctx, logger, cfg)
	if err != nil {
		if ctx.Err() != nil {
			logger.Infof("cancelled during browser setup")
			return nil
		}
		logger.Errorf("failed to start browser: %v", err)
		return fmt.Errorf("failed to start browser: %w", err)
	}

	recorder := metrics.NewRecorder()

	// The supervisor owns the channel from here on; every exit path below
	// releases it through sup.Close.
	sup, err := keepalive.New(ch, supervisorConfig(cfg),
		keepalive.WithLogger(logger.Named("supervisor")),
		keepalive.WithObserver(recorder),
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	defer sup.Close()

	if err := ch.Navigate(ctx, cfg.TargetURL); err != nil {
		if ctx.Err() != nil {
			logger.Infof("cancelled while opening %s", cfg.TargetURL)
			return nil
		}
		logger.Errorf("failed to open %s: %v", cfg.TargetURL, err)
		return fmt.Errorf("failed to open %s: %w", cfg.TargetURL, err)
	}

	operator := gate.New(in, out,
		fmt.Sprintf("%s : install the wallet, start the session, then press Enter to continue. Press Ctrl+C to exit.", cfg.ProcessID),
		operatorHints(cfg, ch)...,
	)
	outcome, err := operator.WaitForOperator(ctx)
	if err != nil {
		return fmt.Errorf("waiting for operator: %w", err)
	}
	if outcome == gate.Cancelled {
		logger.Infof("exiting before the session was started")
		return nil
	}

	// The metrics server follows the supervisor's lifetime but never ends it
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	var g errgroup.Group
	if metricsLn != nil {
		logger.Infof("serving metrics on %s", metricsLn.Addr())
		g.Go(func() error {
			if err := recorder.ServeListener(serverCtx, metricsLn); err != nil {
				logger.Warnf("metrics server stopped: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer stopServer()
		return sup.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("keepalive stopped: %v", err)
		return err
	}

	logger.Infof("automation completed")
	return nil
}

func launchOptions(cfg *config.Config) browser.LaunchOptions {
	return browser.LaunchOptions{
		Mode:         browser.Mode(cfg.Mode),
		Headless:     cfg.Headless,
		BinaryPath:   cfg.Browser.BinaryPath,
		DebugPort:    cfg.Browser.DebugPort,
		ProfileDir:   cfg.Browser.ProfileDir,
		BuildTimeout: cfg.Browser.BuildTimeout,
		StartupDelay: cfg.Browser.StartupDelay,
		Viewport: &browser.Viewport{
			Width:  cfg.Browser.ViewportWidth,
			Height: cfg.Browser.ViewportHeight,
		},
	}
}

func supervisorConfig(cfg *config.Config) keepalive.Config {
	return keepalive.Config{
		Selectors: keepalive.Selectors{
			Countdown: cfg.Selectors.Countdown,
			Action:    cfg.Selectors.Action,
		},
		Sentinels: keepalive.Sentinels{
			Countdown: cfg.Sentinels.Countdown,
			Action:    cfg.Sentinels.Action,
		},
		Timing: keepalive.Timing{
			PollInterval:  cfg.Timing.PollInterval,
			LocateTimeout: cfg.Timing.LocateTimeout,
			SettleDelay:   cfg.Timing.SettleDelay,
			RetryBackoff:  cfg.Timing.RetryBackoff,
		},
	}
}

// operatorHints tells the operator where the browser lives. Remote profiles
// persist across runs, so an installed wallet only needs setting up once.
func operatorHints(cfg *config.Config, ch sessionChannel) []string {
	hints := []string{fmt.Sprintf("page: %s", cfg.TargetURL)}
	if cfg.Mode == config.ModeRemote {
		hints = append(hints, fmt.Sprintf("debugging port %d, profile %s", cfg.Browser.DebugPort, ch.ProfileDir()))
	}
	if cfg.Headless {
		hints = append(hints, "running headless; prepare the session through the debugging port")
	}
	return hints
}
