// Package main is the entry point for the streamctl CLI tool.
package main

import (
	"os"

	"github.com/good-yellow-bee/kycstream/cmd/streamctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
