package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/ccos-lite/cmd/ledger/internal/ui"
	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/endpoint"
	grpcTransport "github.com/example/ccos-lite/internal/transport/grpc"
	"github.com/example/ccos-lite/pkg/plan"
)

var (
	runDeny          []string
	runFail          []string
	runTimeout       []string
	runRefuseRepair  bool
	runResponsesFile string
	runAddr          string
	runMaxYields     int
)

var runCmd = &cobra.Command{
	Use:   "run <plan.json>",
	Short: "Drive a plan against a scripted host",
	Long: `Start a plan and answer every effect request it yields from a script,
resuming until the plan completes or aborts.

By default each capability succeeds with the value given in --responses
(a JSON object of capability to value) or null. --deny, --fail and --timeout
make a capability fail in that way instead. Repair requests are granted
unless --refuse-repair is set.

With --addr the plan runs on a remote orchestrator over gRPC; otherwise it
runs in-process against the local database.

EXAMPLES:
  # Run against the local database
  ledger run plan.json --responses replies.json

  # Deny file writes and refuse repairs
  ledger run plan.json --deny file.write --refuse-repair

  # Against a running server
  ledger run plan.json --addr localhost:50051`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSliceVar(&runDeny, "deny", nil, "capabilities the host denies")
	runCmd.Flags().StringSliceVar(&runFail, "fail", nil, "capabilities that fail")
	runCmd.Flags().StringSliceVar(&runTimeout, "timeout", nil, "capabilities that time out")
	runCmd.Flags().BoolVar(&runRefuseRepair, "refuse-repair", false, "refuse plan repair requests")
	runCmd.Flags().StringVar(&runResponsesFile, "responses", "", "JSON file mapping capability to success value")
	runCmd.Flags().StringVar(&runAddr, "addr", "", "orchestrator gRPC address (default: run in-process)")
	runCmd.Flags().IntVar(&runMaxYields, "max-yields", 100, "give up after this many effect requests")
}

// driver starts and resumes plans, in-process or remotely.
type driver interface {
	Start(ctx context.Context, req *endpoint.StartRequest) (*endpoint.ExecutionResponse, error)
	Resume(ctx context.Context, req *endpoint.ResumeRequest) (*endpoint.ExecutionResponse, error)
}

// localDriver calls the endpoints directly.
type localDriver struct {
	endpoints endpoint.Endpoints
}

func (d localDriver) Start(ctx context.Context, req *endpoint.StartRequest) (*endpoint.ExecutionResponse, error) {
	resp, err := d.endpoints.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*endpoint.ExecutionResponse), nil
}

func (d localDriver) Resume(ctx context.Context, req *endpoint.ResumeRequest) (*endpoint.ExecutionResponse, error) {
	resp, err := d.endpoints.Resume(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.(*endpoint.ExecutionResponse), nil
}

// scriptedHost answers effect requests from a fixed script.
type scriptedHost struct {
	responses    map[string]any
	deny         map[string]bool
	fail         map[string]bool
	timeout      map[string]bool
	refuseRepair bool
}

func newScriptedHost(responses map[string]any, deny, fail, timeout []string, refuseRepair bool) *scriptedHost {
	set := func(caps []string) map[string]bool {
		m := make(map[string]bool, len(caps))
		for _, c := range caps {
			m[strings.TrimSpace(c)] = true
		}
		return m
	}
	if responses == nil {
		responses = map[string]any{}
	}
	return &scriptedHost{
		responses:    responses,
		deny:         set(deny),
		fail:         set(fail),
		timeout:      set(timeout),
		refuseRepair: refuseRepair,
	}
}

func (h *scriptedHost) answer(req *domain.EffectRequest) domain.EffectResult {
	if req.Capability == domain.RepairCapability {
		if h.refuseRepair {
			return domain.Denied(req.RequestID, "repair refused")
		}
		return domain.Success(req.RequestID, nil)
	}
	switch {
	case h.deny[req.Capability]:
		return domain.Denied(req.RequestID, "denied by host")
	case h.timeout[req.Capability]:
		return domain.Timeout(req.RequestID)
	case h.fail[req.Capability]:
		return domain.Failure(req.RequestID, "host_error", "scripted failure")
	}
	return domain.Success(req.RequestID, h.responses[req.Capability])
}

// drivePlan starts p and resumes it with the host's answers until it leaves
// the paused state. onYield is called for every effect request.
func drivePlan(ctx context.Context, d driver, host *scriptedHost, p *domain.Plan, maxYields int, onYield func(*domain.EffectRequest, domain.EffectResult)) (*endpoint.ExecutionResponse, error) {
	resp, err := d.Start(ctx, &endpoint.StartRequest{Plan: p})
	if err != nil {
		return nil, fmt.Errorf("failed to start plan: %w", err)
	}

	for yields := 0; resp.Status == domain.PlanStatusPaused.String(); yields++ {
		if yields >= maxYields {
			return resp, fmt.Errorf("plan %s still paused after %d effect requests", p.ID, yields)
		}
		if resp.Request == nil {
			return resp, fmt.Errorf("plan %s paused without an effect request", p.ID)
		}
		result := host.answer(resp.Request)
		if onYield != nil {
			onYield(resp.Request, result)
		}
		resp, err = d.Resume(ctx, &endpoint.ResumeRequest{
			PlanID:       p.ID,
			CheckpointID: resp.CheckpointID,
			Result:       result,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resume plan: %w", err)
		}
	}
	return resp, nil
}

func loadResponses(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return m, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	p, err := plan.Decode(f)
	f.Close()
	if err != nil {
		return err
	}

	responses, err := loadResponses(runResponsesFile)
	if err != nil {
		return err
	}
	host := newScriptedHost(responses, runDeny, runFail, runTimeout, runRefuseRepair)

	var d driver
	if runAddr != "" {
		client, conn, err := grpcTransport.Dial(runAddr)
		if err != nil {
			return err
		}
		defer conn.Close()
		d = client
	} else {
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		d = localDriver{endpoints: e.endpoints()}
	}

	ui.PrintHeader(fmt.Sprintf("Running plan %s", p.ID))
	resp, err := drivePlan(ctx, d, host, p, runMaxYields, func(req *domain.EffectRequest, res domain.EffectResult) {
		step := req.StepID
		if step == "" {
			step = "-"
		}
		ui.PrintStep(fmt.Sprintf("%s [step %s, attempt %d] -> %s", req.Capability, step, req.Attempt, res.Outcome.Kind))
	})
	if err != nil {
		return err
	}

	ui.PrintStatus(p.ID, resp.Status)
	if resp.Error != "" {
		ui.PrintWarning(resp.Error)
	}
	if len(resp.Bindings) > 0 {
		out, err := json.MarshalIndent(resp.Bindings, "", "  ")
		if err != nil {
			return err
		}
		ui.PrintInfo(string(out))
	}
	if resp.Status == domain.PlanStatusAborted.String() {
		return fmt.Errorf("plan %s aborted", p.ID)
	}
	return nil
}
