// Package keepalive watches a browser-hosted session and restarts it when it expires.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/keepalive/pkg/browser"
	"github.com/entrhq/keepalive/pkg/logging"
)

// State is the supervisor's position in its state machine.
type State int32

const (
	// StateIdle means Run has not started.
	StateIdle State = iota
	// StatePolling means the supervisor is reading the session or waiting between cycles.
	StatePolling
	// StateRecovering means a recovery sequence is in progress.
	StateRecovering
	// StateStopped means Run has returned and the channel is released.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Step names one operation of a poll cycle or recovery attempt.
type Step string

const (
	StepLocateCountdown Step = "locate_countdown"
	StepLocateAction    Step = "locate_action"
	StepReadCountdown   Step = "read_countdown"
	StepReadAction      Step = "read_action"
	StepRefresh         Step = "refresh"
	StepSettle          Step = "settle"
	StepClick           Step = "click"
)

// StepError records which step of a cycle or recovery attempt failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Cycle results reported to the Observer.
const (
	ResultActive  = "active"
	ResultExpired = "expired"
	ResultFailed  = "failed"
)

// Observer is notified of supervisor activity.
type Observer interface {
	CycleObserved(result string)
	RecoveryFailed(step string)
	RecoverySucceeded(attempts int)
}

type noopObserver struct{}

func (noopObserver) CycleObserved(string)  {}
func (noopObserver) RecoveryFailed(string) {}
func (noopObserver) RecoverySucceeded(int) {}

// Selectors locate the two monitored elements.
type Selectors struct {
	Countdown string
	Action    string
}

// Timing holds the supervisor's waits.
type Timing struct {
	// PollInterval separates poll cycles
	PollInterval time.Duration
	// LocateTimeout bounds each element lookup
	LocateTimeout time.Duration
	// SettleDelay lets the page reload before the action button is looked up
	SettleDelay time.Duration
	// RetryBackoff separates failed recovery attempts
	RetryBackoff time.Duration
}

// DefaultTiming returns the waits used against the monitored site.
func DefaultTiming() Timing {
	return Timing{
		PollInterval:  10 * time.Second,
		LocateTimeout: 10 * time.Second,
		SettleDelay:   10 * time.Second,
		RetryBackoff:  time.Second,
	}
}

// Config configures a Supervisor.
type Config struct {
	Selectors Selectors
	Sentinels Sentinels
	Timing    Timing
}

// Supervisor keeps one browser session alive. It owns its channel from
// construction on and closes it exactly once, when Run returns or Close is
// called, whichever comes first.
type Supervisor struct {
	channel  browser.Channel
	cfg      Config
	clock    Clock
	logger   *logging.Logger
	observer Observer

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the wall clock used for every wait.
func WithClock(c Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) {
		s.observer = o
	}
}

// New creates a supervisor that takes ownership of ch.
func New(ch browser.Channel, cfg Config, opts ...Option) (*Supervisor, error) {
	if ch == nil {
		return nil, errors.New("supervisor requires an automation channel")
	}
	if cfg.Selectors.Countdown == "" || cfg.Selectors.Action == "" {
		return nil, errors.New("supervisor requires countdown and action selectors")
	}

	defaults := DefaultTiming()
	if cfg.Timing.PollInterval <= 0 {
		cfg.Timing.PollInterval = defaults.PollInterval
	}
	if cfg.Timing.LocateTimeout <= 0 {
		cfg.Timing.LocateTimeout = defaults.LocateTimeout
	}
	if cfg.Timing.SettleDelay <= 0 {
		cfg.Timing.SettleDelay = defaults.SettleDelay
	}
	if cfg.Timing.RetryBackoff <= 0 {
		cfg.Timing.RetryBackoff = defaults.RetryBackoff
	}

	s := &Supervisor{
		channel:  ch,
		cfg:      cfg,
		clock:    realClock{},
		logger:   logging.NewWriterLogger("supervisor", "", io.Discard),
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Close releases the channel. Safe to call multiple times and concurrently
// with Run's own release.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.channel.Close()
		if s.closeErr != nil {
			s.logger.Warnf("error closing browser channel: %v", s.closeErr)
		}
	})
	return s.closeErr
}

// Run polls the session until ctx is cancelled, restarting it whenever it is
// found expired. Cycle and recovery failures are logged and retried, never
// returned. Run returns nil on cancellation and a non-nil error only when the
// channel was closed underneath it. The channel is released before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.Close()
	defer s.setState(StateStopped)

	s.logger.Infof("keepalive started: poll every %s, locate timeout %s",
		s.cfg.Timing.PollInterval, s.cfg.Timing.LocateTimeout)

	for {
		s.setState(StatePolling)

		snap, err := s.poll(ctx)
		switch {
		case err != nil:
			if done, result := s.terminal(ctx, err); done {
				return result
			}
			// A cycle failure waits for the next scheduled cycle
			step, cause := describe(err)
			s.logger.Warnf("poll cycle failed at %s: %v; retrying next cycle", step, cause)
			s.observer.CycleObserved(ResultFailed)

		case s.cfg.Sentinels.Classify(snap) == Expired:
			s.observer.CycleObserved(ResultExpired)
			s.logger.Warnf("session interrupted (countdown: %q, action: %q), refreshing and restarting",
				snap.Countdown, snap.ActionLabel)
			if err := s.recover(ctx); err != nil {
				_, result := s.terminal(ctx, err)
				return result
			}

		default:
			s.observer.CycleObserved(ResultActive)
		}

		if err := s.clock.Sleep(ctx, s.cfg.Timing.PollInterval); err != nil {
			s.logger.Infof("keepalive stopped")
			return nil
		}
	}
}

// terminal reports whether err ends the run, and what Run should return.
func (s *Supervisor) terminal(ctx context.Context, err error) (bool, error) {
	if ctx.Err() != nil {
		s.logger.Infof("keepalive stopped")
		return true, nil
	}
	if errors.Is(err, browser.ErrChannelClosed) {
		s.logger.Errorf("browser channel closed, stopping: %v", err)
		return true, err
	}
	return false, nil
}

// poll reads both monitored strings in one cycle, countdown first.
func (s *Supervisor) poll(ctx context.Context) (Snapshot, error) {
	timeout := s.cfg.Timing.LocateTimeout

	countdownEl, err := s.channel.Locate(ctx, s.cfg.Selectors.Countdown, timeout)
	if err != nil {
		return Snapshot{}, &StepError{Step: StepLocateCountdown, Err: err}
	}
	actionEl, err := s.channel.Locate(ctx, s.cfg.Selectors.Action, timeout)
	if err != nil {
		return Snapshot{}, &StepError{Step: StepLocateAction, Err: err}
	}

	countdown, err := s.channel.ReadText(ctx, countdownEl)
	if err != nil {
		return Snapshot{}, &StepError{Step: StepReadCountdown, Err: err}
	}
	label, err := s.channel.ReadText(ctx, actionEl)
	if err != nil {
		return Snapshot{}, &StepError{Step: StepReadAction, Err: err}
	}

	s.logger.Infof("countdown: %s, action: %s", countdown, label)
	return Snapshot{Countdown: countdown, ActionLabel: label}, nil
}

// recoveryState is scoped to one recovery sequence.
type recoveryState struct {
	attempts int
	lastStep Step
}

// recover refreshes the page and clicks the start action until it succeeds.
// It only gives up when ctx is cancelled or the channel is gone.
func (s *Supervisor) recover(ctx context.Context) error {
	s.setState(StateRecovering)
	rs := &recoveryState{}

	for {
		rs.attempts++
		s.logger.Infof("recovery attempt %d", rs.attempts)

		err := s.attemptRecovery(ctx)
		if err == nil {
			s.logger.Infof("session restarted after %d attempt(s)", rs.attempts)
			s.observer.RecoverySucceeded(rs.attempts)
			s.setState(StatePolling)
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, browser.ErrChannelClosed) {
			return err
		}

		step, cause := describe(err)
		rs.lastStep = step
		s.logger.Errorf("recovery attempt %d failed at %s: %v; retrying in %s",
			rs.attempts, step, cause, s.cfg.Timing.RetryBackoff)
		s.observer.RecoveryFailed(string(rs.lastStep))

		if err := s.clock.Sleep(ctx, s.cfg.Timing.RetryBackoff); err != nil {
			return err
		}
	}
}

// attemptRecovery runs one refresh, settle, locate, click sequence.
func (s *Supervisor) attemptRecovery(ctx context.Context) error {
	if err := s.channel.Refresh(ctx); err != nil {
		return &StepError{Step: StepRefresh, Err: err}
	}

	if err := s.clock.Sleep(ctx, s.cfg.Timing.SettleDelay); err != nil {
		return &StepError{Step: StepSettle, Err: err}
	}

	action, err := s.channel.Locate(ctx, s.cfg.Selectors.Action, s.cfg.Timing.LocateTimeout)
	if err != nil {
		return &StepError{Step: StepLocateAction, Err: err}
	}

	if err := s.channel.Click(ctx, action); err != nil {
		return &StepError{Step: StepClick, Err: err}
	}

	return nil
}

// describe splits a step failure into the step name and its cause.
func describe(err error) (Step, error) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step, stepErr.Err
	}
	return Step("unknown"), err
}
