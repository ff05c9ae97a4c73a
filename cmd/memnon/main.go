// Package main provides the entry point for the memnon CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/memnon/cmd/memnon/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
