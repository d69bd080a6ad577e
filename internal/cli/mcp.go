// internal/cli/mcp.go
package cli

import (
	"github.com/spf13/cobra"

	"github.com/colebrumley/reactor/internal/mcp"
)

// NewMCPCommand creates the command that serves the MCP tools on stdio.
func NewMCPCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the reactor MCP tools on stdin/stdout",
		Long: `Serve dispatch_trigger, list_rules, get_execution, cancel_execution and
queue_stats to an MCP client over stdio. claude-prompt executions start
this server to act on the deployment that launched them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.services(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			server := mcp.NewServer(mcp.Deps{
				Dispatcher: svc.Triggers,
				Store:      svc.Store,
				Actions:    svc.Actions,
				Queue:      svc.Queue,
				Logger:     svc.Logger,
			})
			return server.Run(cmd.Context())
		},
	}
}
