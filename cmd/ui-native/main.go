// Package main is the entry point for ui-native.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/ui-native/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
