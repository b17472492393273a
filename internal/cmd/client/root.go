package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the flostream client.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "flostream",
		Short: "flostream client commands",
	}
	root.AddCommand(NewLogCommand(baseURL), NewProcessorCommand(baseURL), NewQueueCommand(baseURL))
	return root
}
