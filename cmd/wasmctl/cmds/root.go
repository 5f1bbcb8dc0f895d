package cmds

import (
	"github.com/spf13/cobra"
)

// AddCommands registers all wasmctl subcommands on the root command.
func AddCommands(root *cobra.Command) error {
	root.AddCommand(newDistCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newCleanCmd())
	return nil
}
