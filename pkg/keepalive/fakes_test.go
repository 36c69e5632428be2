package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/keepalive/pkg/browser"
)

const (
	countdownSel = "//countdown"
	actionSel    = "//action"
)

type fakeElement struct {
	selector string
}

func (e fakeElement) Selector() string { return e.selector }

// fakeChannel scripts page behaviour. Each poll cycle consumes one entry of
// countdowns and labels; the last entry repeats.
type fakeChannel struct {
	mu sync.Mutex

	countdowns []string
	labels     []string
	reads      map[string]int

	locateErrs  map[string][]error
	refreshErrs []error
	clickErrs   []error

	// blockLocate makes Locate wait for ctx cancellation
	blockLocate bool

	calls      []string
	closeCalls int
}

func newFakeChannel(countdown, label string) *fakeChannel {
	return &fakeChannel{
		countdowns: []string{countdown},
		labels:     []string{label},
		reads:      map[string]int{},
		locateErrs: map[string][]error{},
	}
}

func (f *fakeChannel) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeChannel) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("navigate")
	return nil
}

func (f *fakeChannel) Locate(ctx context.Context, selector string, timeout time.Duration) (browser.Element, error) {
	f.mu.Lock()
	f.record("locate " + selector)
	block := f.blockLocate
	var err error
	if errs := f.locateErrs[selector]; len(errs) > 0 {
		err = errs[0]
		f.locateErrs[selector] = errs[1:]
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return fakeElement{selector: selector}, nil
}

func (f *fakeChannel) ReadText(ctx context.Context, el browser.Element) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sel := el.Selector()
	f.record("read " + sel)

	values := f.labels
	if sel == countdownSel {
		values = f.countdowns
	}
	i := f.reads[sel]
	f.reads[sel] = i + 1
	if i >= len(values) {
		i = len(values) - 1
	}
	return values[i], nil
}

func (f *fakeChannel) Click(ctx context.Context, el browser.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("click " + el.Selector())
	if len(f.clickErrs) > 0 {
		err := f.clickErrs[0]
		f.clickErrs = f.clickErrs[1:]
		return err
	}
	return nil
}

func (f *fakeChannel) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("refresh")
	if len(f.refreshErrs) > 0 {
		err := f.refreshErrs[0]
		f.refreshErrs = f.refreshErrs[1:]
		return err
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeChannel) snapshotCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeChannel) count(call string) int {
	n := 0
	for _, c := range f.snapshotCalls() {
		if c == call {
			n++
		}
	}
	return n
}

// fakeClock never waits. onSleep runs after each sleep is recorded and may
// cancel the run.
type fakeClock struct {
	mu      sync.Mutex
	sleeps  []time.Duration
	onSleep func(n int, d time.Duration)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	n := len(c.sleeps)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(n, d)
	}
	return ctx.Err()
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeObserver records observer notifications.
type fakeObserver struct {
	mu        sync.Mutex
	cycles    []string
	failures  []string
	successes []int
}

func (o *fakeObserver) CycleObserved(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles = append(o.cycles, result)
}

func (o *fakeObserver) RecoveryFailed(step string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, step)
}

func (o *fakeObserver) RecoverySucceeded(attempts int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.successes = append(o.successes, attempts)
}
