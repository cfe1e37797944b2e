// Package main is the entry point for the shipyard CLI.
package main

import (
	"os"

	"github.com/AndreyAkinshin/shipyard/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
