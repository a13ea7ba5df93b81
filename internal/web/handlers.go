package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/service"
)

// Handlers contains HTTP handlers for the ledger API
type Handlers struct {
	orchestrator *service.OrchestratorService
	chain        *service.CausalChain
	checkpoints  *service.CheckpointManager
}

// NewHandlers creates new API handlers
func NewHandlers(orchestrator *service.OrchestratorService, chain *service.CausalChain, checkpoints *service.CheckpointManager) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		chain:        chain,
		checkpoints:  checkpoints,
	}
}

// ListPlans handles GET /api/plans
func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.chain.PlanIDs(ctx)
	if err != nil {
		http.Error(w, "Failed to list plans: "+err.Error(), http.StatusInternalServerError)
		return
	}

	response := ListPlansResponse{
		Plans: make([]PlanSummary, 0, len(ids)),
	}
	for _, id := range ids {
		actions, err := h.chain.QueryByPlan(ctx, id)
		if err != nil || len(actions) == 0 {
			continue
		}
		response.Plans = append(response.Plans, PlanSummary{
			ID:         id,
			Status:     service.DerivePlanStatus(actions).String(),
			Entries:    len(actions),
			StartedAt:  actions[0].Timestamp,
			LastUpdate: actions[len(actions)-1].Timestamp,
		})
	}

	writeJSON(w, response)
}

// GetTimeline handles GET /api/plans/:id/timeline
func (h *Handlers) GetTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	planID, ok := planIDFromPath(r.URL.Path, "timeline")
	if !ok {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	actions, err := h.chain.QueryByPlan(ctx, planID)
	if err != nil {
		http.Error(w, "Failed to query ledger: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if len(actions) == 0 {
		http.Error(w, "Plan not found", http.StatusNotFound)
		return
	}

	response := TimelineResponse{
		PlanID:  planID,
		Status:  service.DerivePlanStatus(actions).String(),
		Entries: make([]TimelineEntry, 0, len(actions)),
	}
	for _, a := range actions {
		response.Entries = append(response.Entries, convertAction(a))
	}

	writeJSON(w, response)
}

// VerifyPlan handles GET /api/plans/:id/verify
func (h *Handlers) VerifyPlan(w http.ResponseWriter, r *http.Request) {
	planID, ok := planIDFromPath(r.URL.Path, "verify")
	if !ok {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	report, err := h.chain.VerifyPlan(r.Context(), planID)
	if err != nil {
		writeError(w, "Failed to verify plan", err)
		return
	}
	writeJSON(w, convertReport(report))
}

// GetPlan handles GET /api/plans/:id
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	planID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/plans/"), "/")
	if planID == "" {
		http.Error(w, "Plan ID required", http.StatusBadRequest)
		return
	}

	plan, err := h.orchestrator.Plan(ctx, planID)
	if err != nil {
		writeError(w, "Failed to get plan", err)
		return
	}
	st, err := h.orchestrator.Status(ctx, planID)
	if err != nil {
		writeError(w, "Failed to get plan status", err)
		return
	}

	response := PlanResponse{Plan: plan, Status: st.String()}
	if st == domain.PlanStatusPaused {
		cp, err := h.checkpoints.LatestForPlan(ctx, planID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			writeError(w, "Failed to load checkpoint", err)
			return
		}
		if cp != nil {
			response.LatestCheckpoint = cp.ID
			if cp.Cursor.Pending != nil {
				response.PendingRequest = cp.Cursor.Pending.RequestID
				response.PendingCap = cp.Cursor.Pending.Capability
			}
		}
	}

	writeJSON(w, response)
}

// VerifyLedger handles GET /api/ledger/verify?from=&to=
func (h *Handlers) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	from, err := int64Param(r, "from")
	if err != nil {
		http.Error(w, "Invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	to, err := int64Param(r, "to")
	if err != nil {
		http.Error(w, "Invalid to: "+err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.chain.Audit(r.Context(), from, to)
	if err != nil {
		writeError(w, "Failed to verify ledger", err)
		return
	}
	writeJSON(w, convertReport(report))
}

// planIDFromPath extracts the id from /api/plans/{id}/{suffix}.
func planIDFromPath(path, suffix string) (string, bool) {
	rest := strings.TrimPrefix(path, "/api/plans/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != suffix {
		return "", false
	}
	return parts[0], true
}

func int64Param(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

func writeError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "Plan not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidArgument):
		http.Error(w, msg+": "+err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, msg+": "+err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
