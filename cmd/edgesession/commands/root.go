package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/danmuck/edgesession/internal/config"
	"github.com/danmuck/edgesession/internal/logging"
	"github.com/spf13/cobra"
)

const (
	DefaultConfigFile = "edgesession.toml"
	EnvConfigPath     = "EDGESESSION_CONFIG"

	skipConfig = "skip-config"
)

var (
	configPath string
	logLevel   string
	cfg        config.Config
)

func Execute() error {
	return newRoot().Execute()
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "edgesession",
		Short:         "Session relay, spawn daemon and agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				_ = os.Setenv("EDGESESSION_LOG_LEVEL", logLevel)
			}
			logging.ConfigureRuntime("edgesession")
			if cmd.Annotations[skipConfig] != "" {
				return nil
			}
			loaded, path, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			configPath = path
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv(EnvConfigPath), "config file (default ./"+DefaultConfigFile+" when present)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace|debug|info|warn|error)")

	root.AddCommand(relayCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(agentCmd())
	root.AddCommand(launchCmd())
	root.AddCommand(launchesCmd())
	root.AddCommand(stopCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(configCmd())
	return root
}

// loadConfig resolves path (falling back to ./edgesession.toml when it
// exists) and returns the loaded config plus the absolute path used, or
// defaults and "" when there is no file.
func loadConfig(path string) (config.Config, string, error) {
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return config.Default(), "", nil
			}
			return config.Config{}, "", err
		}
		path = DefaultConfigFile
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return config.Config{}, "", err
	}
	loaded, err := config.Load(abs)
	if err != nil {
		return config.Config{}, "", err
	}
	return loaded, abs, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
