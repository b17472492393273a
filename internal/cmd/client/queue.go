package client

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// NewQueueCommand constructs the `queue` command group.
func NewQueueCommand(baseURL BaseURLFunc) *cobra.Command {
	queueCmd := &cobra.Command{Use: "queue", Short: "Scheduler queue operations"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show scheduled, running, completed and cancelled counts per queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/queues", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a scheduled work",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, _ := cmd.Flags().GetString("queue")
			id, _ := cmd.Flags().GetString("id")
			var out struct {
				Cancelled bool `json:"cancelled"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/queues/cancel", map[string]string{"queue": queue, "id": id}, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "cancelled:", out.Cancelled)
			return nil
		},
	}
	cancelCmd.Flags().String("queue", "", "Queue name")
	cancelCmd.Flags().String("id", "", "Work id")
	_ = cancelCmd.MarkFlagRequired("queue")
	_ = cancelCmd.MarkFlagRequired("id")

	queueCmd.AddCommand(listCmd, cancelCmd)
	return queueCmd
}
