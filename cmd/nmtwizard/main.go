// Package main provides the entry point for nmtwizard, which serves and
// preprocesses neural machine translation models.
package main

import (
	"os"

	"nmtwizard/cmd/nmtwizard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
