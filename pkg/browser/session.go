package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightChannel implements Channel on top of a single Playwright page.
// It owns the Playwright driver, the browser context and, in remote mode,
// the spawned browser process; Close releases all of them exactly once.
type PlaywrightChannel struct {
	pw      *playwright.Playwright
	browser playwright.Browser // nil for persistent contexts
	context playwright.BrowserContext
	page    playwright.Page
	process *Process // nil unless this channel spawned the browser

	// removed on close when the profile was created for this channel only
	tempProfile string

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newPlaywrightChannel(pw *playwright.Playwright, browser playwright.Browser, bctx playwright.BrowserContext, page playwright.Page) *PlaywrightChannel {
	page.SetDefaultTimeout(DefaultTimeout)
	return &PlaywrightChannel{
		pw:      pw,
		browser: browser,
		context: bctx,
		page:    page,
		closed:  make(chan struct{}),
	}
}

// playwrightElement is an Element backed by a Playwright element handle.
type playwrightElement struct {
	handle   playwright.ElementHandle
	selector string
}

func (e *playwrightElement) Selector() string {
	return e.selector
}

// Navigate navigates the page to the specified URL.
func (c *PlaywrightChannel) Navigate(ctx context.Context, url string) error {
	_, err := await(ctx, c.closed, func() (playwright.Response, error) {
		return c.page.Goto(url)
	})
	if err != nil {
		return wrapErr(ErrNavigationFailed, url, err)
	}
	return nil
}

// Locate waits for an element matching selector to be attached to the DOM.
func (c *PlaywrightChannel) Locate(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	state := playwright.WaitForSelectorState("attached")
	timeoutMs := float64(timeout.Milliseconds())
	opts := playwright.PageWaitForSelectorOptions{
		State:   &state,
		Timeout: &timeoutMs,
	}

	handle, err := await(ctx, c.closed, func() (playwright.ElementHandle, error) {
		return c.page.WaitForSelector(playwrightSelector(selector), opts)
	})
	if err != nil {
		return nil, wrapErr(ErrNotFound, selector, err)
	}
	if handle == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}

	return &playwrightElement{handle: handle, selector: selector}, nil
}

// ReadText returns the rendered text of a located element.
func (c *PlaywrightChannel) ReadText(ctx context.Context, el Element) (string, error) {
	pe, err := c.element(el)
	if err != nil {
		return "", err
	}

	text, err := await(ctx, c.closed, pe.handle.InnerText)
	if err != nil {
		return "", wrapErr(ErrStaleElement, pe.selector, err)
	}
	return text, nil
}

// Click clicks a located element.
func (c *PlaywrightChannel) Click(ctx context.Context, el Element) error {
	pe, err := c.element(el)
	if err != nil {
		return err
	}

	_, err = await(ctx, c.closed, func() (struct{}, error) {
		return struct{}{}, pe.handle.Click()
	})
	if err != nil {
		if isDetached(err) {
			return wrapErr(ErrStaleElement, pe.selector, err)
		}
		return wrapErr(ErrNotInteractable, pe.selector, err)
	}
	return nil
}

// Refresh reloads the current page.
func (c *PlaywrightChannel) Refresh(ctx context.Context) error {
	_, err := await(ctx, c.closed, func() (playwright.Response, error) {
		return c.page.Reload()
	})
	if err != nil {
		return wrapErr(ErrNavigationFailed, "reload", err)
	}
	return nil
}

// URL returns the page's current URL.
func (c *PlaywrightChannel) URL() string {
	return c.page.URL()
}

// ProfileDir returns the profile directory of the owned browser, or "" when
// the browser is not owned.
func (c *PlaywrightChannel) ProfileDir() string {
	if c.process != nil {
		return c.process.ProfileDir()
	}
	return c.tempProfile
}

// PID returns the owned browser process ID, or 0 when the browser is not owned.
func (c *PlaywrightChannel) PID() int {
	if c.process == nil {
		return 0
	}
	return c.process.PID()
}

// Close closes the page, context, browser and Playwright driver, then kills
// the owned browser process. Safe to call multiple times.
func (c *PlaywrightChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		var errs []error
		if c.page != nil {
			_ = c.page.Close() // the context close below covers it
		}
		if c.context != nil {
			if err := c.context.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close context: %w", err))
			}
		}
		if c.browser != nil {
			if err := c.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		if c.pw != nil {
			if err := c.pw.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop playwright: %w", err))
			}
		}
		if c.process != nil {
			c.process.Kill()
		}
		if c.tempProfile != "" {
			if err := os.RemoveAll(c.tempProfile); err != nil {
				errs = append(errs, fmt.Errorf("remove profile: %w", err))
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *PlaywrightChannel) element(el Element) (*playwrightElement, error) {
	pe, ok := el.(*playwrightElement)
	if !ok || pe == nil {
		return nil, fmt.Errorf("%w: element %T was not located by this channel", ErrStaleElement, el)
	}
	return pe, nil
}

// await runs fn on its own goroutine so a cancelled ctx or a closed channel
// unblocks the caller even while the browser call is still in flight.
func await[T any](ctx context.Context, closed <-chan struct{}, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-closed:
		return zero, ErrChannelClosed
	case r := <-done:
		return r.value, r.err
	}
}

// wrapErr attaches a channel sentinel to a driver error, leaving
// cancellation and closed-channel errors untouched.
func wrapErr(sentinel error, subject string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrChannelClosed) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", sentinel, subject, err)
}

// playwrightSelector marks structural paths as XPath for Playwright.
func playwrightSelector(selector string) string {
	if strings.HasPrefix(selector, "/") || strings.HasPrefix(selector, "(") {
		return "xpath=" + selector
	}
	return selector
}

func isDetached(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not attached") || strings.Contains(msg, "detached")
}
