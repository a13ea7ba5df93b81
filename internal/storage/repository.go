package storage

import (
	"context"

	"github.com/example/ccos-lite/internal/domain"
)

// ActionRepository provides access to causal chain entries. Entries are
// only ever inserted; there is no update or delete.
type ActionRepository interface {
	// Append inserts a fully sealed action. It fails with ErrAlreadyExists
	// if the sequence number or per-plan sequence number is taken.
	Append(ctx context.Context, action *domain.Action) error

	// Get retrieves an action by ID.
	Get(ctx context.Context, id string) (*domain.Action, error)

	// Last returns the action with the highest sequence number.
	Last(ctx context.Context) (*domain.Action, error)

	// LastForPlan returns the latest action of a plan.
	LastForPlan(ctx context.Context, planID string) (*domain.Action, error)

	// ListByPlan lists a plan's actions in append order.
	ListByPlan(ctx context.Context, planID string) ([]*domain.Action, error)

	// ListByStep lists the actions of one step of a plan in append order.
	ListByStep(ctx context.Context, planID, stepID string) ([]*domain.Action, error)

	// ListByIntent lists actions tagged with an intent in append order.
	ListByIntent(ctx context.Context, intentID string) ([]*domain.Action, error)

	// ListByRequest lists actions referencing an effect request.
	ListByRequest(ctx context.Context, requestID string) ([]*domain.Action, error)

	// ListByCapability lists actions whose payload names the capability, in
	// append order.
	ListByCapability(ctx context.Context, capability string) ([]*domain.Action, error)

	// ListChildren lists the actions parented on parentID in append order.
	ListChildren(ctx context.Context, parentID string) ([]*domain.Action, error)

	// Range lists actions with from <= seq <= to. A zero to means the tip.
	Range(ctx context.Context, from, to int64) ([]*domain.Action, error)

	// PlanIDs lists every plan with entries, in order of first appearance.
	PlanIDs(ctx context.Context) ([]string, error)
}

// CheckpointRepository provides access to checkpoint storage.
type CheckpointRepository interface {
	// Put stores a checkpoint. Checkpoints are write-once: it fails with
	// ErrAlreadyExists if the ID is taken.
	Put(ctx context.Context, cp *domain.Checkpoint) error

	// Get retrieves a checkpoint by ID without verifying its hash.
	Get(ctx context.Context, id string) (*domain.Checkpoint, error)

	// LatestForPlan returns the most recently stored checkpoint of a plan.
	LatestForPlan(ctx context.Context, planID string) (*domain.Checkpoint, error)
}

// ResumptionRepository records which effect result each checkpoint was
// resumed with.
type ResumptionRepository interface {
	// Create records a resumption. It fails with ErrAlreadyExists if the
	// checkpoint was already resumed.
	Create(ctx context.Context, r *domain.Resumption) error

	// Get retrieves the resumption of a checkpoint.
	Get(ctx context.Context, checkpointID string) (*domain.Resumption, error)
}

// ArchivedPlan is a plan together with the content hash it was archived with.
type ArchivedPlan struct {
	Plan        *domain.Plan
	ContentHash string
}

// PlanRepository provides access to the plan archive.
type PlanRepository interface {
	// Archive stores a plan. It fails with ErrAlreadyExists if the ID is taken.
	Archive(ctx context.Context, plan *domain.Plan, contentHash string) error

	// Get retrieves an archived plan by ID.
	Get(ctx context.Context, id string) (*ArchivedPlan, error)
}

// UnitOfWork provides transactional access to all repositories.
type UnitOfWork interface {
	// Repository accessors
	Actions() ActionRepository
	Checkpoints() CheckpointRepository
	Resumptions() ResumptionRepository
	Plans() PlanRepository

	// Transaction control
	Commit() error
	Rollback() error
}

// Storage provides the main entry point for storage operations.
type Storage interface {
	// Begin starts a read transaction.
	Begin(ctx context.Context) (UnitOfWork, error)

	// BeginImmediate starts a write transaction holding the write lock.
	BeginImmediate(ctx context.Context) (UnitOfWork, error)

	// Close closes the storage connection.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}
