package web

import (
	"time"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/service"
)

// TimelineResponse is the response for GET /api/plans/:id/timeline
type TimelineResponse struct {
	PlanID  string          `json:"planId"`
	Status  string          `json:"status"`
	Entries []TimelineEntry `json:"entries"`
}

// TimelineEntry is one ledger entry of a plan
type TimelineEntry struct {
	Seq       int64          `json:"seq"`
	PlanSeq   int64          `json:"planSeq"`
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Category  string         `json:"category"`
	StepID    string         `json:"stepId,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	ParentID  string         `json:"parentId,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Hash      string         `json:"hash"`
	KeyID     string         `json:"keyId"`
}

// PlanSummary is a summary of a plan for listing
type PlanSummary struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Entries    int       `json:"entries"`
	StartedAt  time.Time `json:"startedAt"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ListPlansResponse is the response for GET /api/plans
type ListPlansResponse struct {
	Plans []PlanSummary `json:"plans"`
}

// PlanResponse is the response for GET /api/plans/:id
type PlanResponse struct {
	Plan             *domain.Plan `json:"plan"`
	Status           string       `json:"status"`
	LatestCheckpoint string       `json:"latestCheckpoint,omitempty"`
	PendingRequest   string       `json:"pendingRequest,omitempty"`
	PendingCap       string       `json:"pendingCapability,omitempty"`
}

// VerifyResponse is the response for the verification routes
type VerifyResponse struct {
	Valid        bool   `json:"valid"`
	Checked      int    `json:"checked"`
	FirstInvalid int64  `json:"firstInvalid,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func convertAction(a *domain.Action) TimelineEntry {
	return TimelineEntry{
		Seq:       a.Seq,
		PlanSeq:   a.PlanSeq,
		ID:        a.ID,
		Type:      string(a.Type),
		Category:  string(a.Type.Category()),
		StepID:    a.StepID,
		RequestID: a.RequestID,
		ParentID:  a.ParentID,
		Outcome:   a.Outcome,
		Timestamp: a.Timestamp,
		Payload:   a.Payload,
		Hash:      a.Hash,
		KeyID:     a.SignatureKeyID,
	}
}

func convertReport(r *service.VerifyReport) VerifyResponse {
	return VerifyResponse{
		Valid:        r.Valid,
		Checked:      r.Checked,
		FirstInvalid: r.FirstInvalid,
		Reason:       r.Reason,
	}
}
