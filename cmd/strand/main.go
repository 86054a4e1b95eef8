// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Command strand is the operator CLI for the Strand daemon: create run
// sessions, stream and replay their event logs, send input, and export
// finished sessions as portable bundles.
package main

import (
	"fmt"
	"os"

	"github.com/strandhq/strand/cmd/strand/commands"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like attach after a
		// failed session) return an ExitError with the desired exit
		// code. Don't print a redundant "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
