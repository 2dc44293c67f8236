package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var outputFormat string

// RootCmd is the top-level CLI command.
var RootCmd = &cobra.Command{
	Use:           "tidlbench",
	Short:         "Compile ONNX models for the TI TDA4 NPU and measure their latency",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, csv")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
