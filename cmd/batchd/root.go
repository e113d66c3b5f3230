package main

import (
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Running batchd without a subcommand
// serves the API.
func newRootCmd() *cobra.Command {
	o := &serveOptions{}
	root := &cobra.Command{
		Use:           "batchd",
		Short:         "Continuous-batching LLM generation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCmd(cmd, o)
		},
	}
	bindServeFlags(root, o)
	root.AddCommand(newServeCmd(), newStatusCmd(), newBenchCmd())

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(os.Stdout, true) }})
	root.AddCommand(completionCmd)
	return root
}
