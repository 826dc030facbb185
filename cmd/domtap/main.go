package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/domtap/domtap/bridge"
	"github.com/domtap/domtap/internal/config"
	"github.com/domtap/domtap/internal/lockfile"
	"github.com/domtap/domtap/internal/logging"
	"github.com/domtap/domtap/supervisor"
)

var (
	configPath  string
	stateDir    string
	verbose     bool
	noSupervise bool

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "domtap",
	Short: "MCP stdio bridge to the domtap inspector plugin",
	Long: `domtap bridges an MCP client speaking newline-delimited JSON-RPC over
stdio to the domtap inspector plugin, which connects back over a
negotiated localhost port. The bridge child is supervised: it is
restarted on crash, throttled to a bounded restart rate, and the
upstream client never has to reconnect across restarts.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		cfg, logger, closeLog, err := setup()
		if err != nil {
			return err
		}
		defer closeLog()

		if noSupervise {
			// Unsupervised mode: the bridge runs inline and keeps retrying
			// transport faults itself rather than leaning on a parent.
			b := bridge.New(cfg, version, os.Stdin, os.Stdout, logger)
			return ignoreCancel(b.Run(ctx))
		}

		sup := supervisor.New(cfg, childArgs(), logger)
		return ignoreCancel(sup.Run(ctx))
	},
}

var bridgeCmd = &cobra.Command{
	Use:    "bridge",
	Short:  "Run the bridge unit directly (normally spawned by the supervisor)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		cfg, logger, closeLog, err := setup()
		if err != nil {
			return err
		}
		defer closeLog()

		lockPath := cfg.BridgeLockFile()
		lockfile.CleanStale(lockPath, logger)
		if _, err := lockfile.Write(lockPath); err != nil {
			return err
		}
		defer lockfile.Remove(lockPath)

		b := bridge.New(cfg, version, os.Stdin, os.Stdout, logger)
		return ignoreCancel(b.Run(ctx))
	},
}

// setup resolves configuration and builds the shared logger. Flags win
// over environment variables, which win over the config file.
func setup() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if verbose {
		cfg.Verbose = true
	}

	logger, closeLog, err := logging.New(cfg.LogFile(), cfg.Verbose)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}

func childArgs() []string {
	args := []string{"bridge"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if stateDir != "" {
		args = append(args, "--state-dir", stateDir)
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return args
}

// ignoreCancel maps a context-cancellation result to a clean exit:
// signal-initiated shutdown is the graceful path.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, bridgeCmd} {
		cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
		cmd.Flags().StringVar(&stateDir, "state-dir", "", "Directory for the persisted port, lock files, and log")
		cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	}
	rootCmd.Flags().BoolVar(&noSupervise, "no-supervise", false, "Run the bridge inline without the supervisor")
	rootCmd.AddCommand(bridgeCmd)

	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date)
}

func main() {
	// Local .env files may carry DOMTAP_* overrides; absence is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
