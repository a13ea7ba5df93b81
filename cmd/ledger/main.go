// Command ledger inspects and verifies a CCOS causal chain, and can drive a
// plan against a scripted host for local experiments.
package main

import (
	"os"

	"github.com/example/ccos-lite/cmd/ledger/internal/cli"
	"github.com/example/ccos-lite/cmd/ledger/internal/ui"
)

func main() {
	if err := cli.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
