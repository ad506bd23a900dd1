// Package main is the entry point for the ingest binary.
package main

import (
	"os"

	"duck-ingest/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
