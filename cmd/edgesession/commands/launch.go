package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/danmuck/edgesession/internal/daemon"
	"github.com/danmuck/edgesession/internal/spawn"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

func daemonClient() (*daemon.Client, error) {
	return daemon.NewClient(cfg.Daemon.URL, cfg.Daemon.Token, nil)
}

func launchCmd() *cobra.Command {
	var req spawn.LaunchRequest
	cmd := &cobra.Command{
		Use:   "launch [-- agent args...]",
		Short: "Ask the daemon to launch an agent and wait for its session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemonClient()
			if err != nil {
				return err
			}
			req.Args = args
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Daemon.Spawn.LaunchTimeout+requestTimeout)
			defer cancel()
			launch, err := client.Launch(ctx, req)
			var failed *spawn.LaunchFailedError
			if errors.As(err, &failed) {
				fmt.Fprintf(cmd.ErrOrStderr(), "launch failed tag=%s pid=%d exit=%d session_registered=%t session=%s\n",
					failed.Tag, failed.PID, failed.ExitCode, failed.SessionRegistered, failed.SessionID)
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tag=%s pid=%d session=%s state=%s\n",
				launch.Tag, launch.PID, launch.SessionID, launch.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Hint, "hint", "", "session hint to resume")
	cmd.Flags().StringVar(&req.Tag, "tag", "", "session tag (defaults to the hint or a fresh id)")
	cmd.Flags().StringVar(&req.Directory, "dir", "", "working directory for the agent")
	return cmd
}

func launchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launches [tag]",
		Short: "List agents tracked by the daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := daemonClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			var launches []spawn.Launch
			if len(args) == 1 {
				launch, err := client.Get(ctx, args[0])
				if err != nil {
					return err
				}
				launches = []spawn.Launch{launch}
			} else if launches, err = client.List(ctx); err != nil {
				return err
			}
			return writeLaunches(cmd.OutOrStdout(), launches)
		},
	}
}

func writeLaunches(w io.Writer, launches []spawn.Launch) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tPID\tSTATE\tSESSION\tSTARTED\tEXIT")
	for _, l := range launches {
		exit := ""
		if l.State.Terminal() {
			exit = strconv.Itoa(int(l.ExitCode))
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			l.Tag, l.PID, l.State, l.SessionID, l.StartedAt.Format(time.RFC3339), exit)
	}
	return tw.Flush()
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <pid>",
		Short: "Stop a launched agent by pid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil || pid <= 0 {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			client, err := daemonClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := client.Stop(ctx, pid); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopping pid=%d\n", pid)
			return nil
		},
	}
}
