package client

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// NewProcessorCommand constructs the `processor` command group.
func NewProcessorCommand(baseURL BaseURLFunc) *cobra.Command {
	procCmd := &cobra.Command{Use: "processor", Short: "Stream processor introspection"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List processors with per-computation stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/processors", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show the lag and latency of a computation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _ := cmd.Flags().GetString("processor")
			c, _ := cmd.Flags().GetString("computation")
			q := url.Values{"processor": {p}, "computation": {c}}
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/processors/lag?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	lagCmd.Flags().String("processor", "", "Processor name")
	lagCmd.Flags().String("computation", "", "Computation name")

	topoCmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the PlantUML diagram of a processor's topology",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _ := cmd.Flags().GetString("processor")
			resp, err := http.Get(baseURL() + "/v1/processors/topology?" + url.Values{"processor": {p}}.Encode())
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("http error: %s", resp.Status)
			}
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}
	topoCmd.Flags().String("processor", "", "Processor name")

	procCmd.AddCommand(listCmd, lagCmd, topoCmd)
	return procCmd
}
