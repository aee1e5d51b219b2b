package commands

import (
	"context"
	"os"
	"strings"

	"github.com/danmuck/edgesession/internal/agent"
	"github.com/danmuck/edgesession/internal/auth"
	"github.com/danmuck/edgesession/internal/config"
	"github.com/danmuck/edgesession/internal/daemon"
	"github.com/danmuck/edgesession/internal/relay"
	"github.com/danmuck/edgesession/internal/spawn"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the session relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			validator, err := relayValidator(cfg.Relay)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return relay.NewServer(cfg.Relay.Server, validator).Serve(ctx)
		},
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the spawn daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			reg, _, closeStore, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			launcher := buildLauncher(cfg, configPath)
			var reporter spawn.Reporter
			if cfg.Daemon.WebhookURL != "" {
				hook, err := spawn.NewWebhookReporter(cfg.Daemon.WebhookURL, cfg.Daemon.WebhookToken, cfg.Daemon.Spawn.ReportTimeout)
				if err != nil {
					return err
				}
				reporter = hook
			}
			coord, err := spawn.NewCoordinator(cfg.Daemon.Spawn, launcher, reg, reporter)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.Spawn.LaunchTimeout)
				defer cancel()
				if err := coord.Close(closeCtx); err != nil {
					log.Warn().Err(err).Msg("daemon.Close coordinator")
				}
			}()

			var validator auth.Validator
			if cfg.Daemon.Token != "" {
				validator = auth.StaticToken{Token: cfg.Daemon.Token}
			}
			return daemon.NewServer(cfg.Daemon.Server, coord, validator).Serve(ctx)
		},
	}
}

// buildLauncher hands exec-launched agents the daemon's own config file.
func buildLauncher(c config.Config, cfgFile string) spawn.Launcher {
	if c.Daemon.Launcher == config.LauncherSSH {
		return c.Daemon.SSH
	}
	args := []string{"agent"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return spawn.ExecLauncher{
		Path:     c.Daemon.AgentPath,
		BaseArgs: args,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

func agentCmd() *cobra.Command {
	var tag, hint string
	var echo bool
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent bound to one session",
		Long: "Resolves the session for the injected tag (or --tag/--hint), connects " +
			"its channel, reports session-started to the daemon and consumes user messages.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			env := agent.EnvFromOS()
			if strings.TrimSpace(tag) != "" {
				env.Tag = tag
			}
			if strings.TrimSpace(hint) != "" {
				env.Hint = hint
			}

			reg, relayClient, closeStore, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			var reporter agent.Reporter
			if env.DaemonURL != "" {
				client, err := daemon.NewClient(env.DaemonURL, cfg.Daemon.Token, nil)
				if err != nil {
					return err
				}
				reporter = client
			}
			handler := agent.LogHandler
			if echo || cfg.Agent.Echo {
				handler = agent.EchoHandler
			}

			rt, err := agent.New(agent.Config{
				UpdatesURL:         relayClient.UpdatesURL(),
				Token:              relayClient.Token(),
				MachineID:          cfg.Agent.MachineID,
				Session:            cfg.Session,
				MaxConnectAttempts: cfg.Agent.MaxConnectAttempts,
				ReportTimeout:      cfg.Daemon.Spawn.ReportTimeout,
				Backlog:            relayClient,
			}, env, reg, reporter, handler)
			if err != nil {
				return err
			}
			err = rt.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "session tag (overrides "+spawn.EnvSessionTag+")")
	cmd.Flags().StringVar(&hint, "hint", "", "session hint (overrides "+spawn.EnvSessionHint+")")
	cmd.Flags().BoolVar(&echo, "echo", false, "reply to every message with its text")
	return cmd
}
