// Package main is the phishguard CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/phishguard/phishguard/internal/cli"
)

// Build info set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Optional .env for local development; deployment secrets come from the
	// real environment.
	_ = godotenv.Load()

	cli.SetBuildInfo(version, commit, date)
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
