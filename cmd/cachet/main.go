// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cachet Contributors

// Command cachet runs the secure tiered context store and its
// management CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
