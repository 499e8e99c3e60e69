// Package main provides the entry point for the oak-ci codebase
// intelligence daemon's CLI.
package main

import (
	"fmt"
	"os"

	"github.com/oak-dev/ci-daemon/cmd/oak-ci/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
