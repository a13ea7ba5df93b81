package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/ccos-lite/cmd/ledger/internal/ui"
	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/service"
)

var (
	inspectStep       string
	inspectRequest    string
	inspectCapability string
	inspectJSON       bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <plan-id>",
	Short: "List the ledger entries of a plan",
	Long: `List the ledger entries recorded for a plan in append order.

EXAMPLES:
  # Entries of a plan
  ledger inspect plan-42

  # Only one step, as JSON lines
  ledger inspect plan-42 --step fetch --json

  # Everything that references an effect request
  ledger inspect plan-42 --request 6f1c...

  # Requests, pauses and results of one capability
  ledger inspect plan-42 --capability http.fetch`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectStep, "step", "", "only entries of this step")
	inspectCmd.Flags().StringVar(&inspectRequest, "request", "", "only entries referencing this effect request")
	inspectCmd.Flags().StringVar(&inspectCapability, "capability", "", "only entries naming this capability")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "print entries as JSON lines")
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	planID := args[0]

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	actions, err := selectActions(ctx, e.chain, planID, actionFilter{
		step:       inspectStep,
		request:    inspectRequest,
		capability: inspectCapability,
	})
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return fmt.Errorf("no entries for plan %s", planID)
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, a := range actions {
			if err := enc.Encode(a); err != nil {
				return err
			}
		}
		return nil
	}

	ui.PrintHeader(fmt.Sprintf("Plan %s", planID))
	ui.PrintTable(ui.ActionHeaders, ui.ActionRows(actions))
	return nil
}

type actionFilter struct {
	step, request, capability string
}

// selectActions applies the first filter set, keeping only entries of planID.
func selectActions(ctx context.Context, chain *service.CausalChain, planID string, f actionFilter) ([]*domain.Action, error) {
	var (
		actions []*domain.Action
		err     error
	)
	switch {
	case f.step != "":
		return chain.QueryByStep(ctx, planID, f.step)
	case f.request != "":
		actions, err = chain.QueryByRequest(ctx, f.request)
	case f.capability != "":
		actions, err = chain.QueryByCapability(ctx, f.capability)
	default:
		return chain.QueryByPlan(ctx, planID)
	}
	if err != nil {
		return nil, err
	}
	out := actions[:0]
	for _, a := range actions {
		if a.PlanID == planID {
			out = append(out, a)
		}
	}
	return out, nil
}
