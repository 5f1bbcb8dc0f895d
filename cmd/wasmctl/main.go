package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/wasmctl/cmd/wasmctl/cmds"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "wasmctl",
	Short:   "wasmctl builds, watches and serves Go WebAssembly apps",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return cmds.InitLogging(cmd)
	},
}

func main() {
	cmds.AddRootFlags(rootCmd)
	cobra.CheckErr(cmds.AddCommands(rootCmd))
	cobra.CheckErr(rootCmd.Execute())
}
