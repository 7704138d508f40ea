package main

import (
	"os"
)

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
