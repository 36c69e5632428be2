package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrhq/keepalive/pkg/config"
	"github.com/entrhq/keepalive/pkg/logging"
)

func newRootCommand(getenv func(string) string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keepalive [target-url] [process-identifier]",
		Short: "Keep a browser-hosted session from expiring",
		Long: `keepalive opens the target page in a browser and waits for you to prepare
the session (install the wallet extension, sign in, start the session).
After you press Enter it polls the session countdown and restarts the
session whenever it expires.

Set HEADLESS=1 or HEADLESS=true to run without a visible browser window.`,
		Example: `  # Watch the default page with a visible browser
  keepalive

  # Attach to a browser on debugging port 9223 with its own profile
  keepalive --mode remote --debug-port 9223 https://example.com/session worker-2`,
		Args:          cobra.MaximumNArgs(2),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, args, getenv)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout(), launchChannel)
		},
	}

	cmd.Flags().String("config", "", "Path to configuration file (YAML)")
	cmd.Flags().String("mode", string(config.ModeLocal), "Browser mode: local or remote")
	cmd.Flags().Int("debug-port", config.DefaultDebugPort, "Remote debugging port (remote mode)")
	cmd.Flags().String("browser", "", "Browser binary (default: search common install locations)")
	cmd.Flags().Duration("poll-interval", 10*time.Second, "Time between session checks")
	cmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().String("log-dir", "", "Directory for log files (default: ~/.keepalive/logs)")

	return cmd
}

// buildConfig resolves the run configuration. Precedence, lowest first:
// defaults, config file, positional arguments, explicitly set flags, environment.
func buildConfig(cmd *cobra.Command, args []string, getenv func(string) string) (*config.Config, error) {
	flags := cmd.Flags()

	cfg := config.DefaultConfig()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if len(args) > 0 && args[0] != "" {
		cfg.TargetURL = args[0]
	}
	if len(args) > 1 && args[1] != "" {
		cfg.ProcessID = args[1]
	}

	if flags.Changed("mode") {
		mode, _ := flags.GetString("mode")
		cfg.Mode = config.LaunchMode(mode)
	}
	if flags.Changed("debug-port") {
		cfg.Browser.DebugPort, _ = flags.GetInt("debug-port")
	}
	if flags.Changed("browser") {
		cfg.Browser.BinaryPath, _ = flags.GetString("browser")
	}
	if flags.Changed("poll-interval") {
		cfg.Timing.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-dir") {
		cfg.Logging.Dir, _ = flags.GetString("log-dir")
	}

	cfg.ApplyEnv(getenv)

	if cfg.ProcessID == "" {
		cfg.ProcessID = defaultProcessID(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// defaultProcessID labels remote runs by their debugging port, since that is
// what tells concurrent instances apart. Local runs get a short run id.
func defaultProcessID(cfg *config.Config) string {
	if cfg.Mode == config.ModeRemote {
		return strconv.Itoa(cfg.Browser.DebugPort)
	}
	id := logging.GetRunID()
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}
