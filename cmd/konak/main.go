// Package main provides the entry point for the konak web server CLI.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "konak",
		Usage:   "embeddable HTTP/HTTPS/WebSocket server",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		Commands: []*cli.Command{
			serveCommand(),
			validateCommand(),
			hashpassCommand(),
		},
	}
}
