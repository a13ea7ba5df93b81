package endpoint

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/service"
)

// Endpoint is a function that takes a request and returns a response.
type Endpoint func(ctx context.Context, request any) (response any, err error)

// Endpoints holds all endpoint handlers.
type Endpoints struct {
	Start          Endpoint
	Resume         Endpoint
	Abort          Endpoint
	Status         Endpoint
	VerifyLedger   Endpoint
	RecordDecision Endpoint
}

// StartRequest starts a plan.
type StartRequest struct {
	Plan    *domain.Plan            `json:"plan"`
	Initial domain.ContextOverrides `json:"initial"`
}

// ResumeRequest answers the effect request pending at a checkpoint. The
// plan is looked up in the archive.
type ResumeRequest struct {
	PlanID       string              `json:"plan_id"`
	CheckpointID string              `json:"checkpoint_id"`
	Result       domain.EffectResult `json:"result"`
}

// AbortRequest aborts a running or paused plan.
type AbortRequest struct {
	PlanID string `json:"plan_id"`
	Reason string `json:"reason"`
}

// StatusRequest asks for a plan's lifecycle status.
type StatusRequest struct {
	PlanID string `json:"plan_id"`
}

// StatusResponse carries a plan's lifecycle status.
type StatusResponse struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

// ExecutionResponse is the wire form of an execution result.
type ExecutionResponse struct {
	PlanID       string                `json:"plan_id"`
	Status       string                `json:"status"`
	CheckpointID string                `json:"checkpoint_id,omitempty"`
	Request      *domain.EffectRequest `json:"request,omitempty"`
	Bindings     map[string]any        `json:"bindings,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// NewExecutionResponse converts an execution result for the wire.
func NewExecutionResponse(r *domain.ExecutionResult) *ExecutionResponse {
	return &ExecutionResponse{
		PlanID:       r.PlanID,
		Status:       r.Status.String(),
		CheckpointID: r.CheckpointID,
		Request:      r.Request,
		Bindings:     r.Bindings,
		Error:        r.Error,
	}
}

// VerifyRequest verifies a range of the global chain, or one plan's chain
// when PlanID is set. A zero To means the tip.
type VerifyRequest struct {
	From   int64  `json:"from"`
	To     int64  `json:"to"`
	PlanID string `json:"plan_id,omitempty"`
}

// VerifyResponse reports the outcome of a verification.
type VerifyResponse struct {
	Valid        bool   `json:"valid"`
	Checked      int    `json:"checked"`
	FirstInvalid int64  `json:"first_invalid,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// DecisionRequest records a governance decision about an effect request.
type DecisionRequest struct {
	RequestID string         `json:"request_id"`
	Decision  string         `json:"decision"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// DecisionResponse names the ledger entry the decision was recorded as.
type DecisionResponse struct {
	ActionID string `json:"action_id"`
}

// MakeEndpoints creates all endpoints from the service.
func MakeEndpoints(svc *service.OrchestratorService, chain *service.CausalChain) Endpoints {
	return Endpoints{
		Start:          makeStartEndpoint(svc),
		Resume:         makeResumeEndpoint(svc),
		Abort:          makeAbortEndpoint(svc),
		Status:         makeStatusEndpoint(svc),
		VerifyLedger:   makeVerifyEndpoint(chain),
		RecordDecision: makeDecisionEndpoint(chain),
	}
}

func makeStartEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*StartRequest)
		if err := validateStartRequest(req); err != nil {
			return nil, err
		}
		res, err := svc.Start(ctx, req.Plan, req.Initial)
		if err != nil {
			return nil, err
		}
		return NewExecutionResponse(res), nil
	}
}

func makeResumeEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*ResumeRequest)
		if err := validateResumeRequest(req); err != nil {
			return nil, err
		}
		plan, err := svc.Plan(ctx, req.PlanID)
		if err != nil {
			return nil, err
		}
		res, err := svc.Resume(ctx, plan, req.CheckpointID, req.Result)
		if err != nil {
			return nil, err
		}
		return NewExecutionResponse(res), nil
	}
}

func makeAbortEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*AbortRequest)
		if req.PlanID == "" {
			return nil, status.Error(codes.InvalidArgument, "plan_id is required")
		}
		plan, err := svc.Plan(ctx, req.PlanID)
		if err != nil {
			return nil, err
		}
		svc.Abort(ctx, plan, req.Reason)
		st, err := svc.Status(ctx, req.PlanID)
		if err != nil {
			return nil, err
		}
		return &StatusResponse{PlanID: req.PlanID, Status: st.String()}, nil
	}
}

func makeStatusEndpoint(svc *service.OrchestratorService) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*StatusRequest)
		if req.PlanID == "" {
			return nil, status.Error(codes.InvalidArgument, "plan_id is required")
		}
		st, err := svc.Status(ctx, req.PlanID)
		if err != nil {
			return nil, err
		}
		if st == domain.PlanStatusUnknown {
			return nil, status.Errorf(codes.NotFound, "plan %s has no ledger entries", req.PlanID)
		}
		return &StatusResponse{PlanID: req.PlanID, Status: st.String()}, nil
	}
}

func makeVerifyEndpoint(chain *service.CausalChain) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*VerifyRequest)
		if err := validateVerifyRequest(req); err != nil {
			return nil, err
		}
		var (
			report *service.VerifyReport
			err    error
		)
		if req.PlanID != "" {
			report, err = chain.VerifyPlan(ctx, req.PlanID)
		} else {
			report, err = chain.Audit(ctx, req.From, req.To)
		}
		if err != nil {
			return nil, err
		}
		return &VerifyResponse{
			Valid:        report.Valid,
			Checked:      report.Checked,
			FirstInvalid: report.FirstInvalid,
			Reason:       report.Reason,
		}, nil
	}
}

func makeDecisionEndpoint(chain *service.CausalChain) Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req := request.(*DecisionRequest)
		if err := validateDecisionRequest(req); err != nil {
			return nil, err
		}
		id, err := chain.RecordGovernanceDecision(ctx, req.RequestID, req.Decision, req.Reason, req.Details)
		if err != nil {
			return nil, err
		}
		return &DecisionResponse{ActionID: id}, nil
	}
}

// MapErrorToStatus maps domain errors to gRPC status codes.
func MapErrorToStatus(err error) error {
	if err == nil {
		return nil
	}

	// Already a gRPC status error
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, domain.ErrLedgerWrite):
		if errors.Is(err, domain.ErrSigningUnavailable) {
			return status.Error(codes.Unavailable, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrAlreadyResumed):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrRequestMismatch),
		errors.Is(err, domain.ErrCheckpointMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
