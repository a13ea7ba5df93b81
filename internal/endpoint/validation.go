package endpoint

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func validateStartRequest(req *StartRequest) error {
	if req.Plan == nil {
		return status.Error(codes.InvalidArgument, "plan is required")
	}
	if err := req.Plan.Validate(); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Initial.Quota != nil && *req.Initial.Quota < -1 {
		return status.Errorf(codes.InvalidArgument, "initial quota %d is invalid", *req.Initial.Quota)
	}
	return nil
}

func validateResumeRequest(req *ResumeRequest) error {
	if req.PlanID == "" {
		return status.Error(codes.InvalidArgument, "plan_id is required")
	}
	if req.CheckpointID == "" {
		return status.Error(codes.InvalidArgument, "checkpoint_id is required")
	}
	if err := req.Result.Validate(); err != nil {
		return status.Errorf(codes.InvalidArgument, "result: %v", err)
	}
	return nil
}

func validateVerifyRequest(req *VerifyRequest) error {
	if req.From < 0 || req.To < 0 {
		return status.Error(codes.InvalidArgument, "range bounds must not be negative")
	}
	if req.To > 0 && req.From > req.To {
		return status.Errorf(codes.InvalidArgument, "from %d is past to %d", req.From, req.To)
	}
	if req.PlanID != "" && (req.From != 0 || req.To != 0) {
		return status.Error(codes.InvalidArgument, "plan verification takes no range")
	}
	return nil
}

func validateDecisionRequest(req *DecisionRequest) error {
	if req.RequestID == "" {
		return status.Error(codes.InvalidArgument, "request_id is required")
	}
	if req.Decision == "" {
		return status.Error(codes.InvalidArgument, "decision is required")
	}
	return nil
}
