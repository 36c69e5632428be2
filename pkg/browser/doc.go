// Package browser provides the automation channel the keepalive supervisor
// drives, implemented with Playwright.
//
// # Architecture
//
// The package is built around three concepts:
//
// 1. Channel: the capability the supervisor needs (navigate, locate, read, click, refresh, close)
// 2. PlaywrightChannel: a Channel over one Playwright page that owns everything behind it
// 3. Launcher: builds a PlaywrightChannel in local or remote mode within a bounded time
//
// # Launch Modes
//
//   - local: a fresh browser with a throwaway profile, launched by Playwright
//   - remote: a browser spawned with --remote-debugging-port and a persistent
//     per-port profile (~/chrome_dev_profile/<port>), attached over CDP.
//     Extensions installed by hand survive restarts on the same port.
//
// # Ownership
//
// Closing a channel closes the page, context, browser connection and
// Playwright driver, and kills the browser process when the channel spawned
// it. Close is idempotent so every exit path can call it.
//
// # Example Usage
//
//	launcher := browser.NewLauncher(logger)
//	ch, err := launcher.Launch(ctx, browser.LaunchOptions{
//	    Mode:      browser.ModeRemote,
//	    DebugPort: 9222,
//	})
//	if err != nil {
//	    return err
//	}
//	defer ch.Close()
//
//	el, err := ch.Locate(ctx, "/html/body/div[2]//button", 10*time.Second)
package browser
