package commands

import (
	"fmt"

	"github.com/danmuck/edgesession/internal/auth"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var machineID, sessionID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed relay token",
		Long:  "Issues an HS256 token from relay.jwt_secret. Without --session the token is user-scoped.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := auth.NewTokens(cfg.Relay.JWT)
			if err != nil {
				return err
			}
			if machineID == "" {
				machineID = cfg.Agent.MachineID
			}
			token, err := tokens.Issue(machineID, sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&machineID, "machine", "", "machine id claim (defaults to agent.machine_id)")
	cmd.Flags().StringVar(&sessionID, "session", "", "bind the token to one session id")
	return cmd
}
