package browser

import (
	"context"
	"errors"
	"time"
)

// Channel is the automation capability the keepalive supervisor drives.
// Every method may block on IPC with a real browser; implementations must
// return promptly with ctx.Err() once ctx is cancelled.
type Channel interface {
	// Navigate loads url in the controlled page.
	Navigate(ctx context.Context, url string) error

	// Locate waits up to timeout for an element matching selector to be attached.
	Locate(ctx context.Context, selector string, timeout time.Duration) (Element, error)

	// ReadText returns the rendered text of a located element.
	ReadText(ctx context.Context, el Element) (string, error)

	// Click clicks a located element.
	Click(ctx context.Context, el Element) error

	// Refresh reloads the current page.
	Refresh(ctx context.Context) error

	// Close releases the channel and any browser process it owns. Idempotent.
	Close() error
}

// Element is an opaque reference to a located DOM element.
type Element interface {
	Selector() string
}

// Channel errors. Implementations wrap these so callers can use errors.Is.
var (
	ErrNavigationFailed = errors.New("navigation failed")
	ErrNotFound         = errors.New("element not found")
	ErrStaleElement     = errors.New("stale element")
	ErrNotInteractable  = errors.New("element not interactable")
	ErrChannelClosed    = errors.New("channel closed")
)

// Setup errors. Both abort the run before polling starts.
var (
	ErrBrowserNotFound = errors.New("browser binary not found")
	ErrSetupTimeout    = errors.New("automation channel build timed out")
)

// Mode selects how a channel is built.
type Mode string

const (
	// ModeLocal launches a fresh browser with a throwaway profile.
	ModeLocal Mode = "local"

	// ModeRemote spawns a browser with a remote debugging port and a
	// persistent per-port profile, then attaches to it over CDP.
	ModeRemote Mode = "remote"
)

// LaunchOptions configures a new automation channel.
type LaunchOptions struct {
	Mode Mode

	// Headless controls whether the browser runs without a visible window
	Headless bool

	// BinaryPath overrides the browser binary search
	BinaryPath string

	// DebugPort is the remote debugging port (remote mode)
	DebugPort int

	// ProfileDir overrides the profile directory
	ProfileDir string

	// BuildTimeout bounds the whole channel build
	BuildTimeout time.Duration

	// StartupDelay is waited after spawning before attaching (remote mode)
	StartupDelay time.Duration

	// Viewport sets the page viewport (local mode)
	Viewport *Viewport
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Default values for channel builds
const (
	DefaultBuildTimeout   = 30 * time.Second
	DefaultTimeout        = 30000.0 // 30 seconds in milliseconds
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
)
