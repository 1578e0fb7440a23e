package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newAuditCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent session audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.audit == nil {
				return fmt.Errorf("audit trail is disabled")
			}
			events, err := a.audit.GetRecentEvents(limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tUSER\tDETAIL")
			for _, e := range events {
				user := "-"
				if e.UserID != nil {
					user = fmt.Sprint(*e.UserID)
				}
				detail := e.Reason
				if detail == "" {
					detail = e.RefreshTokenFingerprint
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", time.Unix(e.Timestamp, 0).Local().Format(time.DateTime), e.EventType, user, detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events to show")
	cmd.AddCommand(newAuditPruneCmd(a))
	return cmd
}

func newAuditPruneCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.audit == nil {
				return fmt.Errorf("audit trail is disabled")
			}
			deleted, err := a.audit.DeleteOldEvents(olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted %d events\n", deleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "Delete events older than this")
	return cmd
}
