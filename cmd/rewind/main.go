// Command rewind reconstructs point-in-time financial state from snapshots
// and the delta log.
package main

import (
	"os"

	"github.com/roach88/rewind/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
