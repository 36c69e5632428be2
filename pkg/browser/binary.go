package browser

import (
	"fmt"
	"os"

	"github.com/go-rod/rod/lib/launcher"
)

// binaryCandidates are the usual Chrome install locations, checked in order.
var binaryCandidates = []string{
	// macOS
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
	// Linux
	"/usr/bin/google-chrome",
	"/usr/bin/chromium-browser",
	"/usr/bin/chromium",
	// Windows
	`C:\Program Files\Google\Chrome\Application\chrome.exe`,
	`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
}

// FindBinary returns the first runnable Chrome binary. It checks the usual
// install locations first and then falls back to rod's PATH/registry lookup.
func FindBinary() (string, error) {
	return findBinary(binaryCandidates, fileExists, launcher.LookPath)
}

func findBinary(candidates []string, exists func(string) bool, lookPath func() (string, bool)) (string, error) {
	for _, path := range candidates {
		if exists(path) {
			return path, nil
		}
	}

	if lookPath != nil {
		if path, ok := lookPath(); ok {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: please install Google Chrome or Chromium", ErrBrowserNotFound)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
