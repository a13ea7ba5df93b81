package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/ccos-lite/cmd/ledger/internal/ui"
	"github.com/example/ccos-lite/internal/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status <plan-id>",
	Short: "Show the status of a plan",
	Long: `Derive a plan's lifecycle status from its ledger entries and show the
checkpoint it is suspended at, if any.

EXAMPLES:
  ledger status plan-42`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	planID := args[0]

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	st, err := e.orch.Status(ctx, planID)
	if err != nil {
		return err
	}
	if st == domain.PlanStatusUnknown {
		return fmt.Errorf("no entries for plan %s", planID)
	}
	ui.PrintStatus(planID, st.String())

	actions, err := e.chain.QueryByPlan(ctx, planID)
	if err != nil {
		return err
	}
	ui.PrintInfo(fmt.Sprintf("Entries: %d", len(actions)))
	ui.PrintInfo(fmt.Sprintf("Last entry: %s at %s", actions[len(actions)-1].Type, actions[len(actions)-1].Timestamp.Format("2006-01-02 15:04:05")))

	cp, err := e.checkpoints.LatestForPlan(ctx, planID)
	switch {
	case err == nil:
		ui.PrintInfo(fmt.Sprintf("Latest checkpoint: %s", cp.ID))
		if cp.Cursor.Pending != nil {
			ui.PrintInfo(fmt.Sprintf("  waiting on %s (request %s)", cp.Cursor.Pending.Capability, cp.Cursor.Pending.RequestID))
		}
	case errors.Is(err, domain.ErrNotFound):
		ui.PrintInfo(ui.Gray("No checkpoints"))
	default:
		return err
	}
	return nil
}
