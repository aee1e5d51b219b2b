package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/danmuck/edgesession/internal/cipher"
	"github.com/danmuck/edgesession/internal/protocol/schema"
	"github.com/danmuck/edgesession/internal/protocol/session"
	"github.com/danmuck/edgesession/internal/registry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions in the local registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			reg, _, closeStore, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			sessions, err := reg.List(ctx)
			if err != nil {
				return err
			}
			return writeSessions(cmd.OutOrStdout(), sessions)
		},
	}
}

func writeSessions(w io.Writer, sessions []registry.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tSESSION\tSTATE\tVARIANT\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.Tag, s.ID, s.State, s.Material.Variant, s.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func sendCmd() *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "send <tag> <text>",
		Short: "Seal a user message and post it to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			reg, client, closeStore, err := openRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			tag := args[0]
			var sess registry.Session
			if create {
				sess, err = reg.ResolveOrCreate(ctx, tag, "")
			} else {
				var ok bool
				sess, ok, err = reg.Lookup(ctx, tag)
				if err == nil && !ok {
					err = fmt.Errorf("%w: tag %q", registry.ErrNotFound, tag)
				}
			}
			if err != nil {
				return err
			}

			sealed, err := cipher.SealJSON(cipher.Box{}, sess.Material, schema.NewUserText(args[1]))
			if err != nil {
				return err
			}
			envelope := session.EncryptedEnvelope{T: session.EnvelopeEncrypted, C: sealed}
			resp, err := client.PostMessage(ctx, sess.ID, envelope, uuid.NewString())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session=%s message=%s seq=%d\n", sess.ID, resp.ID, resp.Seq)
			return nil
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "create the session when the tag is unknown")
	return cmd
}
