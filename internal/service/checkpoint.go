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
)

// CheckpointManager stores and restores content-addressed checkpoints.
type CheckpointManager struct {
	storage storage.Storage
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.Mutex
	plans map[string]*sync.Mutex // Serializes saves per plan
}

// NewCheckpointManager creates a new CheckpointManager.
func NewCheckpointManager(store storage.Storage) *CheckpointManager {
	return &CheckpointManager{storage: store, now: time.Now, plans: make(map[string]*sync.Mutex)}
}

// NewCheckpointManagerWithMetrics creates a new CheckpointManager that records metrics.
func NewCheckpointManagerWithMetrics(store storage.Storage, metrics *observability.Metrics) *CheckpointManager {
	m := NewCheckpointManager(store)
	m.metrics = metrics
	return m
}

// CheckpointID returns the content id of a checkpoint payload.
func CheckpointID(p domain.CheckpointPayload) (string, error) {
	hash, err := integrity.ContentHash(p)
	if err != nil {
		return "", err
	}
	return "cp-" + hash, nil
}

// Save stores the stack and cursor of a plan and returns the checkpoint id.
// Identical states produce identical ids; saving an identical state again
// is a no-op.
func (m *CheckpointManager) Save(ctx context.Context, planID string, stack []domain.ContextFrame, cursor domain.Cursor) (string, error) {
	start := time.Now()
	defer m.metrics.CheckpointSaveDuration().Since(start)

	cp := &domain.Checkpoint{PlanID: planID, Stack: stack, Cursor: cursor, CreatedAt: m.now().UTC()}
	cpID, err := CheckpointID(cp.Payload())
	if err != nil {
		return "", fmt.Errorf("failed to hash checkpoint: %w", err)
	}
	cp.ID = cpID

	lock := m.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	uow, err := m.storage.BeginImmediate(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := uow.Checkpoints().Put(ctx, cp); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return cpID, nil
		}
		return "", fmt.Errorf("failed to store checkpoint: %w", err)
	}
	if err := uow.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return cpID, nil
}

// Load retrieves a checkpoint and verifies its content hash. A missing or
// corrupted checkpoint is ErrNotFound; corruption additionally matches
// ErrCheckpointCorrupt.
func (m *CheckpointManager) Load(ctx context.Context, cpID string) (*domain.Checkpoint, error) {
	start := time.Now()
	defer m.metrics.CheckpointLoadDuration().Since(start)

	uow, err := m.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	cp, err := uow.Checkpoints().Get(ctx, cpID)
	if err != nil {
		if errors.Is(err, domain.ErrCheckpointCorrupt) {
			m.metrics.CheckpointCorruptions().Inc()
		}
		return nil, fmt.Errorf("checkpoint %s: %w", cpID, err)
	}
	if err := m.verify(cp); err != nil {
		m.metrics.CheckpointCorruptions().Inc()
		return nil, err
	}
	return cp, nil
}

// LatestForPlan returns the most recent checkpoint of a plan.
func (m *CheckpointManager) LatestForPlan(ctx context.Context, planID string) (*domain.Checkpoint, error) {
	uow, err := m.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	cp, err := uow.Checkpoints().LatestForPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := m.verify(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Resumption returns the recorded resumption of a checkpoint.
func (m *CheckpointManager) Resumption(ctx context.Context, cpID string) (*domain.Resumption, error) {
	uow, err := m.storage.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return uow.Resumptions().Get(ctx, cpID)
}

// RecordResumption memoizes the result a checkpoint was resumed with. It
// fails with ErrAlreadyExists if another resumption was recorded first.
func (m *CheckpointManager) RecordResumption(ctx context.Context, r *domain.Resumption) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	uow, err := m.storage.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := uow.Resumptions().Create(ctx, r); err != nil {
		return err
	}
	return uow.Commit()
}

func (m *CheckpointManager) verify(cp *domain.Checkpoint) error {
	want, err := CheckpointID(cp.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w: %v", domain.ErrNotFound, domain.ErrCheckpointCorrupt, err)
	}
	if want != cp.ID {
		return fmt.Errorf("checkpoint %s: %w: %w", cp.ID, domain.ErrNotFound, domain.ErrCheckpointCorrupt)
	}
	return nil
}

func (m *CheckpointManager) planLock(planID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.plans[planID]
	if !ok {
		l = &sync.Mutex{}
		m.plans[planID] = l
	}
	return l
}
