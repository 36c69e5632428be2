package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the configuration for one keepalive run
type Config struct {
	// Page whose session is kept alive
	TargetURL string `yaml:"target_url" json:"target_url"`

	// Opaque label used only in log lines
	ProcessID string `yaml:"process_id" json:"process_id"`

	// How the browser is obtained
	Mode LaunchMode `yaml:"mode" json:"mode"`

	// Headless hides the browser window; set from HEADLESS only
	Headless bool `yaml:"-" json:"-"`

	Browser   BrowserConfig  `yaml:"browser" json:"browser"`
	Selectors SelectorConfig `yaml:"selectors" json:"selectors"`
	Sentinels SentinelConfig `yaml:"sentinels" json:"sentinels"`
	Timing    TimingConfig   `yaml:"timing" json:"timing"`
	Metrics   MetricsConfig  `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig  `yaml:"logging" json:"logging"`
}

// LaunchMode defines how the automation channel is built
type LaunchMode string

const (
	// ModeLocal spawns a fresh browser with a throwaway profile
	ModeLocal LaunchMode = "local"
	// ModeRemote spawns a browser with a remote debugging port and a persistent
	// per-port profile, then attaches to it over CDP
	ModeRemote LaunchMode = "remote"
)

// BrowserConfig defines browser process settings
type BrowserConfig struct {
	// Explicit browser binary; empty means search the usual install locations
	BinaryPath string `yaml:"binary_path" json:"binary_path"`

	// Remote debugging port (remote mode)
	DebugPort int `yaml:"debug_port" json:"debug_port"`

	// Profile directory; empty picks a mode-specific default
	ProfileDir string `yaml:"profile_dir" json:"profile_dir"`

	// Upper bound for building the automation channel
	BuildTimeout time.Duration `yaml:"build_timeout" json:"build_timeout"`

	// Time given to a spawned browser before attaching (remote mode)
	StartupDelay time.Duration `yaml:"startup_delay" json:"startup_delay"`

	ViewportWidth  int `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height" json:"viewport_height"`
}

// SelectorConfig holds the structural paths of the monitored elements
type SelectorConfig struct {
	Countdown string `yaml:"countdown" json:"countdown"`
	Action    string `yaml:"action" json:"action"`
}

// SentinelConfig holds the exact strings that mark an expired session
type SentinelConfig struct {
	Countdown string `yaml:"countdown" json:"countdown"`
	Action    string `yaml:"action" json:"action"`
}

// TimingConfig defines the supervisor's waits
type TimingConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
	LocateTimeout time.Duration `yaml:"locate_timeout" json:"locate_timeout"`
	SettleDelay   time.Duration `yaml:"settle_delay" json:"settle_delay"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// MetricsConfig defines the optional prometheus endpoint
type MetricsConfig struct {
	// Listen address for /metrics; empty disables the endpoint
	Addr string `yaml:"addr" json:"addr"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Directory for run log files; empty means ~/.keepalive/logs
	Dir string `yaml:"dir" json:"dir"`
}

// Defaults for a run
const (
	DefaultTargetURL       = "https://example.com"
	DefaultCountdownXPath  = "/html/body/div[2]/div/main/div/div[2]/div[3]/div/div[2]/div[1]/div[4]/span[2]"
	DefaultActionXPath     = "/html/body/div[2]/div/main/div/div[3]/div/button"
	DefaultCountdownZero   = "00:00:00:00"
	DefaultActionStartText = "Start session"
	DefaultDebugPort       = 9222
)

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.TargetURL == "" {
		return fmt.Errorf("target url is required")
	}

	if c.Mode != ModeLocal && c.Mode != ModeRemote {
		return fmt.Errorf("invalid mode: %s (must be 'local' or 'remote')", c.Mode)
	}

	if c.Mode == ModeRemote && (c.Browser.DebugPort <= 0 || c.Browser.DebugPort > 65535) {
		return fmt.Errorf("invalid debug_port: %d", c.Browser.DebugPort)
	}

	if c.Selectors.Countdown == "" || c.Selectors.Action == "" {
		return fmt.Errorf("countdown and action selectors are required")
	}

	if c.Sentinels.Countdown == "" && c.Sentinels.Action == "" {
		return fmt.Errorf("at least one expiry sentinel is required")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"poll_interval", c.Timing.PollInterval},
		{"locate_timeout", c.Timing.LocateTimeout},
		{"settle_delay", c.Timing.SettleDelay},
		{"retry_backoff", c.Timing.RetryBackoff},
		{"build_timeout", c.Browser.BuildTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.Browser.StartupDelay < 0 {
		return fmt.Errorf("startup_delay cannot be negative")
	}

	return nil
}

// ApplyEnv overlays environment settings onto the configuration.
// HEADLESS=1 or HEADLESS=true enables headless mode; any other value disables it.
func (c *Config) ApplyEnv(getenv func(string) string) {
	switch getenv("HEADLESS") {
	case "1", "true":
		c.Headless = true
	default:
		c.Headless = false
	}
}

// DefaultConfig returns a configuration matching the monitored site's defaults
func DefaultConfig() *Config {
	return &Config{
		TargetURL: DefaultTargetURL,
		Mode:      ModeLocal,
		Browser: BrowserConfig{
			DebugPort:      DefaultDebugPort,
			BuildTimeout:   30 * time.Second,
			StartupDelay:   5 * time.Second,
			ViewportWidth:  1920,
			ViewportHeight: 1080,
		},
		Selectors: SelectorConfig{
			Countdown: DefaultCountdownXPath,
			Action:    DefaultActionXPath,
		},
		Sentinels: SentinelConfig{
			Countdown: DefaultCountdownZero,
			Action:    DefaultActionStartText,
		},
		Timing: TimingConfig{
			PollInterval:  10 * time.Second,
			LocateTimeout: 10 * time.Second,
			SettleDelay:   10 * time.Second,
			RetryBackoff:  time.Second,
		},
	}
}

// Load reads a YAML configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}
