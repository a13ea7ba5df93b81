package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/integrity"
)

type checkpointRepo struct {
	tx *sql.Tx
}

func (r *checkpointRepo) Put(ctx context.Context, cp *domain.Checkpoint) error {
	payload, err := integrity.CanonicalJSON(cp.Payload())
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, plan_id, payload_json, created_at)
		VALUES (?, ?, ?, ?)
	`, cp.ID, cp.PlanID, string(payload), cp.CreatedAt.UnixMilli())
	return mapInsertError(err, fmt.Sprintf("checkpoint %s", cp.ID))
}

func (r *checkpointRepo) Get(ctx context.Context, id string) (*domain.Checkpoint, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, plan_id, payload_json, created_at FROM checkpoints WHERE id = ?
	`, id)
	return r.scan(row)
}

func (r *checkpointRepo) LatestForPlan(ctx context.Context, planID string) (*domain.Checkpoint, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, plan_id, payload_json, created_at FROM checkpoints
		WHERE plan_id = ? ORDER BY rowid DESC LIMIT 1
	`, planID)
	return r.scan(row)
}

func (r *checkpointRepo) scan(row *sql.Row) (*domain.Checkpoint, error) {
	cp := &domain.Checkpoint{}
	var payloadJSON string
	var createdAt int64

	err := row.Scan(&cp.ID, &cp.PlanID, &payloadJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var payload domain.CheckpointPayload
	if err := decodeJSON(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", domain.ErrNotFound, domain.ErrCheckpointCorrupt, err)
	}
	if payload.PlanID != cp.PlanID {
		return nil, fmt.Errorf("%w: %w: plan id column does not match payload", domain.ErrNotFound, domain.ErrCheckpointCorrupt)
	}
	cp.Stack = payload.Stack
	cp.Cursor = payload.Cursor
	cp.CreatedAt = time.UnixMilli(createdAt).UTC()

	return cp, nil
}

type resumptionRepo struct {
	tx *sql.Tx
}

func (r *resumptionRepo) Create(ctx context.Context, res *domain.Resumption) error {
	resultJSON, err := integrity.CanonicalJSON(res.Result)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO resumptions (checkpoint_id, result_digest, result_json, created_at)
		VALUES (?, ?, ?, ?)
	`, res.CheckpointID, res.ResultDigest, string(resultJSON), res.CreatedAt.UnixMilli())
	return mapInsertError(err, fmt.Sprintf("resumption of %s", res.CheckpointID))
}

func (r *resumptionRepo) Get(ctx context.Context, checkpointID string) (*domain.Resumption, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT checkpoint_id, result_digest, result_json, created_at
		FROM resumptions WHERE checkpoint_id = ?
	`, checkpointID)

	res := &domain.Resumption{}
	var resultJSON string
	var createdAt int64

	err := row.Scan(&res.CheckpointID, &res.ResultDigest, &resultJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	res.Result = &domain.ExecutionResult{}
	if err := decodeJSON(resultJSON, res.Result); err != nil {
		return nil, err
	}
	res.CreatedAt = time.UnixMilli(createdAt).UTC()

	return res, nil
}
