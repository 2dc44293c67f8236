package main

import (
	"os"

	"github.com/tidlbench/tidlbench/cmd/tidlbench/cmd"
)

func main() {
	if err := cmd.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
