package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tidlbench/tidlbench/internal/worker"
)

// compileWorkerCmd is the child-process half of the compile worker pool.
// The server re-execs its own binary with this subcommand and speaks the
// line protocol over the child's stdin/stdout.
var compileWorkerCmd = &cobra.Command{
	Use:    "compile-worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worker.Serve(os.Stdin, os.Stdout)
	},
}

func init() {
	RootCmd.AddCommand(compileWorkerCmd)
}
