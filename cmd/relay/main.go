package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikequentel/threadrelay/internal/config"
	"github.com/mikequentel/threadrelay/internal/logging"
)

type rootOptions struct {
	configFile string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay Telegram channel posts to X as threads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./config.yaml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with credentials")

	root.AddCommand(newRunCmd(opts), newSplitCmd(), newVerifyCmd(opts), newHistoryCmd(opts))
	return root
}

// loadConfig reads configuration and installs the process logger.
func loadConfig(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.Options{ConfigFile: opts.configFile, EnvFile: opts.envFile})
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(logger)
	return cfg, logger, nil
}
