// Command provledger is the command-line front end of the provenance registry.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/provledger/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
