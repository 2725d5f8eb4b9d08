// Package main is the entry point for the furnace CLI, which provisions
// coordination and eval containers, resolves layered configs, manages
// config secrets, and reports on completed runs.
package main

import (
	"os"

	"furnace/cmd/furnace/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
