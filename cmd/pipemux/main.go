// pipemux is a CLI tool to serve and exercise a hub of named byte pipes.
//
// Usage:
//
//	pipemux serve --pipes 4 --capacity 65536   # Run a bridge server
//	pipemux list                               # List pipes on the server
//	pipemux read pipe0                         # Stream a pipe to stdout
//	pipemux write pipe0 < data.bin             # Stream stdin into a pipe
//	pipemux config context list                # List all contexts
//
// Configuration is stored in ~/.pipemux/pipemux/
package main

import (
	"os"

	"github.com/haivivi/pipemux/cmd/pipemux/commands"
	"github.com/haivivi/pipemux/pkg/cli"
)

func main() {
	if err := commands.Execute(); err != nil {
		cli.PrintError("%v", err)
		os.Exit(1)
	}
}
