package keepalive

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/keepalive/pkg/browser"
	"github.com/entrhq/keepalive/pkg/logging"
)

const (
	testPoll    = 10 * time.Second
	testSettle  = 7 * time.Second
	testBackoff = time.Second
)

func testConfig() Config {
	return Config{
		Selectors: Selectors{Countdown: countdownSel, Action: actionSel},
		Sentinels: Sentinels{Countdown: "00:00:00:00", Action: "Start session"},
		Timing: Timing{
			PollInterval:  testPoll,
			LocateTimeout: 10 * time.Second,
			SettleDelay:   testSettle,
			RetryBackoff:  testBackoff,
		},
	}
}

type harness struct {
	channel  *fakeChannel
	clock    *fakeClock
	observer *fakeObserver
	logs     *bytes.Buffer
	sup      *Supervisor
}

// newHarness builds a supervisor whose run is cancelled at the given poll sleep.
func newHarness(t *testing.T, ch *fakeChannel, stopAtPoll int) (*harness, context.Context) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	polls := 0
	clock := &fakeClock{
		onSleep: func(_ int, d time.Duration) {
			if d == testPoll {
				polls++
				if polls >= stopAtPoll {
					cancel()
				}
			}
		},
	}

	var logs bytes.Buffer
	observer := &fakeObserver{}
	sup, err := New(ch, testConfig(),
		WithClock(clock),
		WithObserver(observer),
		WithLogger(logging.NewWriterLogger("supervisor", "9222", &logs)),
	)
	require.NoError(t, err)

	return &harness{channel: ch, clock: clock, observer: observer, logs: &logs, sup: sup}, ctx
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Selectors.Action = ""
	_, err = New(newFakeChannel("", ""), cfg)
	assert.Error(t, err)
}

func TestNew_FillsDefaultTiming(t *testing.T) {
	cfg := testConfig()
	cfg.Timing = Timing{}

	sup, err := New(newFakeChannel("", ""), cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultTiming(), sup.cfg.Timing)
	assert.Equal(t, StateIdle, sup.State())
}

// Countdown at zero triggers recovery even though the label looks healthy.
func TestRun_ZeroCountdownTriggersRecovery(t *testing.T) {
	h, ctx := newHarness(t, newFakeChannel("00:00:00:00", "Continue mining"), 1)

	require.NoError(t, h.sup.Run(ctx))

	assert.Equal(t, []string{
		"locate " + countdownSel,
		"locate " + actionSel,
		"read " + countdownSel,
		"read " + actionSel,
		"refresh",
		"locate " + actionSel,
		"click " + actionSel,
	}, h.channel.snapshotCalls())
	assert.Equal(t, []time.Duration{testSettle, testPoll}, h.clock.recorded())
	assert.Equal(t, []string{ResultExpired}, h.observer.cycles)
	assert.Equal(t, []int{1}, h.observer.successes)
}

// A running countdown with a healthy label sleeps and polls again.
func TestRun_ActiveSessionRepolls(t *testing.T) {
	h, ctx := newHarness(t, newFakeChannel("04:12:55:03", "Continue mining"), 3)

	require.NoError(t, h.sup.Run(ctx))

	assert.Equal(t, 0, h.channel.count("refresh"))
	assert.Equal(t, 0, h.channel.count("click "+actionSel))
	assert.Equal(t, 3, h.channel.count("read "+countdownSel))
	assert.Equal(t, []time.Duration{testPoll, testPoll, testPoll}, h.clock.recorded())
	assert.Equal(t, []string{ResultActive, ResultActive, ResultActive}, h.observer.cycles)
	assert.Contains(t, h.logs.String(), "9222 : countdown: 04:12:55:03, action: Continue mining")
}

// The action label sentinel alone triggers recovery.
func TestRun_StartSessionLabelTriggersRecovery(t *testing.T) {
	h, ctx := newHarness(t, newFakeChannel("04:12:55:03", "Start session"), 1)

	require.NoError(t, h.sup.Run(ctx))

	assert.Equal(t, 1, h.channel.count("refresh"))
	assert.Equal(t, 1, h.channel.count("click "+actionSel))
	assert.Equal(t, []string{ResultExpired}, h.observer.cycles)
}

// Three failed clicks are logged and retried; the fourth attempt succeeds
// and polling resumes without an error.
func TestRun_RecoveryRetriesUntilClickSucceeds(t *testing.T) {
	ch := newFakeChannel("00:00:00:00", "Continue mining")
	clickErr := errors.New("element is not visible")
	ch.clickErrs = []error{clickErr, clickErr, clickErr}
	h, ctx := newHarness(t, ch, 1)

	require.NoError(t, h.sup.Run(ctx))

	assert.Equal(t, 4, ch.count("refresh"))
	assert.Equal(t, 4, ch.count("click "+actionSel))
	assert.Equal(t, []time.Duration{
		testSettle, testBackoff,
		testSettle, testBackoff,
		testSettle, testBackoff,
		testSettle, testPoll,
	}, h.clock.recorded())

	logs := h.logs.String()
	for _, attempt := range []string{"1", "2", "3"} {
		assert.Contains(t, logs, "recovery attempt "+attempt+" failed at click: element is not visible")
	}
	assert.NotContains(t, logs, "recovery attempt 4 failed")
	assert.Contains(t, logs, "session restarted after 4 attempt(s)")
	assert.Equal(t, []string{"click", "click", "click"}, h.observer.failures)
	assert.Equal(t, []int{4}, h.observer.successes)
}

// Every step of a recovery attempt can fail without ending the sequence.
func TestRun_RecoveryAbsorbsEveryStepFailure(t *testing.T) {
	ch := newFakeChannel("00:00:00:00", "Start session")
	ch.refreshErrs = []error{browser.ErrNavigationFailed}
	// The first action lookup is the poll cycle's; the second is recovery's
	ch.locateErrs[actionSel] = []error{nil, browser.ErrNotFound}
	ch.clickErrs = []error{browser.ErrNotInteractable}
	h, ctx := newHarness(t, ch, 1)

	require.NoError(t, h.sup.Run(ctx))

	assert.Equal(t, []string{"refresh", "locate_action", "click"}, h.observer.failures)
	assert.Equal(t, []int{4}, h.observer.successes)
	assert.Contains(t, h.logs.String(), "failed at refresh")
	assert.Contains(t, h.logs.String(), "failed at locate_action")
}

// Each recovery sequence starts with a fresh attempt counter.
func TestRun_RetryStateIsPerSequence(t *testing.T) {
	ch := newFakeChannel("", "")
	ch.countdowns = []string{"00:00:00:00", "04:00:00:00", "00:00:00:00"}
	ch.labels = []string{"Continue mining"}
	ch.clickErrs = []error{errors.New("boom")}
	h, ctx := newHarness(t, ch, 3)

	require.NoError(t, h.sup.Run(ctx))

	assert.Equal(t, []int{2, 1}, h.observer.successes)
	assert.Equal(t, []string{ResultExpired, ResultActive, ResultExpired}, h.observer.cycles)
	assert.Equal(t, 2, strings.Count(h.logs.String(), "recovery attempt 1\n"))
}

// A lookup failure during polling skips to the next cycle and never enters recovery.
func TestRun_CycleFailureSkipsToNextCycle(t *testing.T) {
	ch := newFakeChannel("04:12:55:03", "Continue mining")
	ch.locateErrs[countdownSel] = []error{browser.ErrNotFound}
	h, ctx := newHarness(t, ch, 2)

	require.NoError(t, h.sup.Run(ctx))

	assert.Equal(t, 0, ch.count("refresh"))
	assert.Equal(t, []string{ResultFailed, ResultActive}, h.observer.cycles)
	assert.Equal(t, []time.Duration{testPoll, testPoll}, h.clock.recorded())
	assert.Contains(t, h.logs.String(), "poll cycle failed at locate_countdown")
}

// Cancelling while the supervisor sleeps between cycles stops it cleanly
// and closes the channel exactly once.
func TestRun_CancelBetweenCyclesClosesChannelOnce(t *testing.T) {
	ch := newFakeChannel("04:12:55:03", "Continue mining")
	cfg := testConfig()
	cfg.Timing.PollInterval = time.Hour

	sup, err := New(ch, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sup.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return ch.count("read "+actionSel) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}

	assert.NoError(t, sup.Close())
	assert.Equal(t, 1, ch.closeCalls)
	assert.Equal(t, StateStopped, sup.State())
}

// Cancelling while an element lookup is pending aborts the lookup.
func TestRun_CancelDuringLocate(t *testing.T) {
	ch := newFakeChannel("04:12:55:03", "Continue mining")
	ch.blockLocate = true

	sup, err := New(ch, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	assert.NoError(t, sup.Run(ctx))
	assert.Equal(t, 1, ch.closeCalls)
}

// Cancelling during the settle delay or the backoff ends recovery.
func TestRun_CancelDuringRecoveryWaits(t *testing.T) {
	for _, wait := range []time.Duration{testSettle, testBackoff} {
		t.Run(wait.String(), func(t *testing.T) {
			ch := newFakeChannel("00:00:00:00", "Start session")
			ch.clickErrs = []error{errors.New("boom")}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			clock := &fakeClock{onSleep: func(_ int, d time.Duration) {
				if d == wait {
					cancel()
				}
			}}

			sup, err := New(ch, testConfig(), WithClock(clock))
			require.NoError(t, err)

			assert.NoError(t, sup.Run(ctx))
			assert.Equal(t, 1, ch.closeCalls)
			assert.NotContains(t, clock.recorded(), testPoll)
		})
	}
}

// A channel closed underneath the supervisor cannot be recovered.
func TestRun_ChannelClosedStopsWithError(t *testing.T) {
	ch := newFakeChannel("04:12:55:03", "Continue mining")
	ch.locateErrs[countdownSel] = []error{browser.ErrChannelClosed}

	sup, err := New(ch, testConfig(), WithClock(&fakeClock{}))
	require.NoError(t, err)

	err = sup.Run(context.Background())
	assert.ErrorIs(t, err, browser.ErrChannelClosed)
	assert.Equal(t, 1, ch.closeCalls)
}

func TestStepError(t *testing.T) {
	err := &StepError{Step: StepClick, Err: browser.ErrStaleElement}
	assert.Equal(t, "click: stale element", err.Error())
	assert.ErrorIs(t, err, browser.ErrStaleElement)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "recovering", StateRecovering.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestRealClock(t *testing.T) {
	assert.NoError(t, realClock{}.Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, realClock{}.Sleep(ctx, time.Hour), context.Canceled)
}
