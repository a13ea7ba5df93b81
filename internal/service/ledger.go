package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/integrity"
	"github.com/example/ccos-lite/internal/observability"
	"github.com/example/ccos-lite/internal/storage"
	"github.com/example/ccos-lite/pkg/id"
)

// Ledger is the append side of the causal chain used by the orchestrator.
type Ledger interface {
	Append(ctx context.Context, action *domain.Action) (string, error)
	QueryByPlan(ctx context.Context, planID string) ([]*domain.Action, error)
}

// CausalChain is the append-only, hash-chained, signed action ledger. It is
// the single writer for its storage: appends are serialized in-process and
// run inside an immediate transaction.
type CausalChain struct {
	storage storage.Storage
	signer  integrity.Signer
	metrics *observability.Metrics
	now     func() time.Time

	mu sync.Mutex

	observersMu sync.RWMutex
	observers   []AppendObserver
}

// AppendObserver is notified of every action after it is committed.
type AppendObserver interface {
	ActionAppended(action *domain.Action)
}

// AddObserver registers o for committed actions.
func (c *CausalChain) AddObserver(o AppendObserver) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.observers = append(c.observers, o)
}

func (c *CausalChain) notify(a *domain.Action) {
	c.observersMu.RLock()
	observers := c.observers
	c.observersMu.RUnlock()
	for _, o := range observers {
		cp := *a
		o.ActionAppended(&cp)
	}
}

// NewCausalChain creates a new CausalChain.
func NewCausalChain(store storage.Storage, signer integrity.Signer) *CausalChain {
	return &CausalChain{storage: store, signer: signer, now: time.Now}
}

// NewCausalChainWithMetrics creates a new CausalChain that records metrics.
func NewCausalChainWithMetrics(store storage.Storage, signer integrity.Signer, metrics *observability.Metrics) *CausalChain {
	c := NewCausalChain(store, signer)
	c.metrics = metrics
	return c
}

// actionContent is the hashed part of an action. Sequence numbers are
// included so reordering entries breaks verification.
type actionContent struct {
	Seq       int64          `json:"seq"`
	PlanSeq   int64          `json:"plan_seq"`
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	PlanID    string         `json:"plan_id"`
	StepID    string         `json:"step_id"`
	IntentID  string         `json:"intent_id"`
	RequestID string         `json:"request_id"`
	ParentID  string         `json:"parent_id"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	Outcome   string         `json:"outcome"`
}

// ActionHash computes the content hash of an action.
func ActionHash(a *domain.Action) (string, error) {
	payload := a.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return integrity.ContentHash(actionContent{
		Seq:       a.Seq,
		PlanSeq:   a.PlanSeq,
		ID:        a.ID,
		Type:      string(a.Type),
		PlanID:    a.PlanID,
		StepID:    a.StepID,
		IntentID:  a.IntentID,
		RequestID: a.RequestID,
		ParentID:  a.ParentID,
		Timestamp: a.Timestamp.UnixMilli(),
		Payload:   payload,
		Outcome:   a.Outcome,
	})
}

// Append seals and stores an action, returning its ID. On success the
// ledger-assigned fields are filled in on action. Any failure, including an
// unavailable signer, is an ErrLedgerWrite and leaves nothing written.
func (c *CausalChain) Append(ctx context.Context, action *domain.Action) (string, error) {
	start := time.Now()
	defer c.metrics.LedgerAppendDuration().Since(start)

	rec, err := c.append(ctx, action)
	if err != nil {
		c.metrics.LedgerAppendFailures().Inc()
		return "", fmt.Errorf("%w: %w", domain.ErrLedgerWrite, err)
	}
	*action = *rec
	c.metrics.LedgerAppends().WithLabels(string(rec.Type)).Inc()
	c.notify(rec)
	return rec.ID, nil
}

func (c *CausalChain) append(ctx context.Context, action *domain.Action) (*domain.Action, error) {
	if action == nil || action.PlanID == "" || action.Type == "" {
		return nil, fmt.Errorf("%w: action needs a plan id and type", domain.ErrInvalidArgument)
	}
	if c.signer == nil {
		return nil, domain.ErrSigningUnavailable
	}

	rec := *action
	if rec.ID == "" {
		rec.ID = id.Generate()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now()
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Millisecond)
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	uow, err := c.storage.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	rec.Seq, rec.PrevHash = 1, ""
	last, err := uow.Actions().Last(ctx)
	switch {
	case err == nil:
		rec.Seq, rec.PrevHash = last.Seq+1, last.ChainHash
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to read chain tip: %w", err)
	}

	rec.PlanSeq, rec.PlanPrevHash = 1, ""
	lastForPlan, err := uow.Actions().LastForPlan(ctx, rec.PlanID)
	switch {
	case err == nil:
		rec.PlanSeq, rec.PlanPrevHash = lastForPlan.PlanSeq+1, lastForPlan.PlanChainHash
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to read plan chain tip: %w", err)
	}

	if rec.Hash, err = ActionHash(&rec); err != nil {
		return nil, fmt.Errorf("failed to hash action: %w", err)
	}
	rec.ChainHash = integrity.ChainHash(rec.PrevHash, rec.Hash)
	rec.PlanChainHash = integrity.ChainHash(rec.PlanPrevHash, rec.Hash)

	if rec.Signature, rec.SignatureKeyID, err = c.signer.Sign(rec.ChainHash); err != nil {
		return nil, fmt.Errorf("failed to sign action: %w", err)
	}

	if err := uow.Actions().Append(ctx, &rec); err != nil {
		return nil, fmt.Errorf("failed to store action: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &rec, nil
}

// Get retrieves an action by ID.
func (c *CausalChain) Get(ctx context.Context, actionID string) (*domain.Action, error) {
	return c.read(ctx, func(r storage.ActionRepository) ([]*domain.Action, error) {
		a, err := r.Get(ctx, actionID)
		if err != nil {
			return nil, err
		}
		return []*domain.Action{a}, nil
	}).first()
}

// QueryByPlan returns a plan's actions in append order.
func (c *CausalChain) QueryByPlan(ctx context.Context, planID string) ([]*domain.Action, error) {
	return c.read(ctx, func(r storage.ActionRepository) ([]*domain.Action, error) {
		return r.ListByPlan(ctx, planID)
	}).all()
}

// QueryByStep returns the actions of one step of a plan in append order.
func (c *CausalChain) QueryByStep(ctx context.Context, planID, stepID string) ([]*domain.Action, error) {
	return c.read(ctx, func(r storage.ActionRepository) ([]*domain.Action, error) {
		return r.ListByStep(ctx, planID, stepID)
	}).all()
}

// QueryByIntent returns the actions tagged with an intent in append order.
func (c *CausalChain) QueryByIntent(ctx context.Context, intentID string) ([]*domain.Action, error) {
	return c.read(ctx, func(r storage.ActionRepository) ([]*domain.Action, error) {
		return r.ListByIntent(ctx, intentID)
	}).all()
}

// QueryByRequest returns the actions referencing an effect request.
func (c *CausalChain) QueryByRequest(ctx context.Context, requestID string) ([]*domain.Action, error) {
	return c.read(ctx, func(r storage.ActionRepository) ([]*domain.Action, error) {
		return r.ListByRequest(ctx, requestID)
	}).all()
}

// QueryByCapability returns the actions that name a capability (requests,
// pauses and results) in append order.
func (c *CausalChain) QueryByCapability(ctx context.Context, capability string) ([]*domain.Action, error) {
	return c.read(ctx, func(r storage.ActionRepository) ([]*domain.Action, error) {
		return r.ListByCapability(ctx, capability)
	}).all()
}

// Children returns the actions parented on actionID in append order.
func (c *CausalChain) Children(ctx context.Context, actionID string) ([]*domain.Action, error) {
	return c.read(ctx, func(r storage.ActionRepository) ([]*domain.Action, error) {
		return r.ListChildren(ctx, actionID)
	}).all()
}

// Parent returns the action actionID is parented on. Root actions have no
// parent and yield ErrNotFound.
func (c *CausalChain) Parent(ctx context.Context, actionID string) (*domain.Action, error) {
	return c.read(ctx, func(r storage.ActionRepository) ([]*domain.Action, error) {
		a, err := r.Get(ctx, actionID)
		if err != nil {
			return nil, err
		}
		if a.ParentID == "" {
			return nil, fmt.Errorf("%w: action %s has no parent", domain.ErrNotFound, actionID)
		}
		p, err := r.Get(ctx, a.ParentID)
		if err != nil {
			return nil, err
		}
		return []*domain.Action{p}, nil
	}).first()
}

// Range returns the actions with from <= seq <= to; to <= 0 means the tip.
func (c *CausalChain) Range(ctx context.Context, from, to int64) ([]*domain.Action, error) {
	return c.read(ctx, func(r storage.ActionRepository) ([]*domain.Action, error) {
		return r.Range(ctx, from, to)
	}).all()
}

// PlanIDs lists every plan with ledger entries, in order of first appearance.
func (c *CausalChain) PlanIDs(ctx context.Context) ([]string, error) {
	uow, err := c.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.Actions().PlanIDs(ctx)
}

type readResult struct {
	actions []*domain.Action
	err     error
}

func (r readResult) all() ([]*domain.Action, error) { return r.actions, r.err }

func (r readResult) first() (*domain.Action, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.actions[0], nil
}

func (c *CausalChain) read(ctx context.Context, fn func(storage.ActionRepository) ([]*domain.Action, error)) readResult {
	uow, err := c.storage.Begin(ctx)
	if err != nil {
		return readResult{err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer uow.Rollback()

	actions, err := fn(uow.Actions())
	return readResult{actions: actions, err: err}
}

// RecordGovernanceDecision appends a governance decision about an effect
// request, parented on the EffectRequest entry. Hosts record decisions
// before resuming the plan with the corresponding result.
func (c *CausalChain) RecordGovernanceDecision(ctx context.Context, requestID, decision, reason string, details map[string]any) (string, error) {
	if requestID == "" || decision == "" {
		return "", fmt.Errorf("%w: request id and decision are required", domain.ErrInvalidArgument)
	}
	related, err := c.QueryByRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	var req *domain.Action
	for _, a := range related {
		if a.Type == domain.ActionEffectRequest || a.Type == domain.ActionPlanRepairRequest {
			req = a
			break
		}
	}
	if req == nil {
		return "", fmt.Errorf("%w: no effect request %s", domain.ErrNotFound, requestID)
	}

	a := domain.NewAction(domain.ActionGovernanceDecision, req.PlanID).
		WithParent(req.ID).
		WithStep(req.StepID).
		WithIntent(req.IntentID).
		WithRequest(requestID).
		WithOutcome(decision).
		With("reason", reason)
	for k, v := range details {
		a.With(k, v)
	}
	return c.Append(ctx, a)
}
