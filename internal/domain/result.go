package domain

// ExecutionResult is returned by every orchestrator entry point that drives
// a plan.
type ExecutionResult struct {
	PlanID       string         `json:"plan_id"`
	Status       PlanStatus     `json:"status"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Request      *EffectRequest `json:"request,omitempty"`
	Bindings     map[string]any `json:"bindings,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Paused reports whether the plan is suspended waiting for the host.
func (r *ExecutionResult) Paused() bool {
	return r.Status == PlanStatusPaused
}
