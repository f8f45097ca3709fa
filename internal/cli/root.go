// Package cli implements the agentbridge command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root agentbridge command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentbridge",
		Short: "State-synchronized agent backend",
		Long: `agentbridge runs an agent backend that keeps a remote UI's state view
synchronized with the server over a streamed event protocol.

Available subcommands:
  serve       Start the backend server
  sessions    List stored sessions
  chat        Chat with a running backend from the terminal

Examples:
  agentbridge serve --config config.yaml
  agentbridge sessions --user alice
  agentbridge chat --server http://localhost:8080 --user alice`,
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewSessionsCmd())
	cmd.AddCommand(NewChatCmd())

	return cmd
}
