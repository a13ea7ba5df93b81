package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/ccos-lite/cmd/ledger/internal/ui"
)

const version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  `Display the version of ledger.`,
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	ui.PrintInfo(fmt.Sprintf("Version: %s", version))
	ui.PrintInfo("Causal chain inspection for the CCOS orchestrator")
	ui.PrintInfo("")
	ui.PrintInfo("For help: ledger --help")
}
