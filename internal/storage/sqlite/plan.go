package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/storage"
)

type planRepo struct {
	tx *sql.Tx
}

func (r *planRepo) Archive(ctx context.Context, plan *domain.Plan, contentHash string) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO plans (id, content_hash, plan_json, created_at)
		VALUES (?, ?, ?, ?)
	`, plan.ID, contentHash, string(planJSON), plan.CreatedAt.UnixMilli())
	return mapInsertError(err, fmt.Sprintf("plan %s", plan.ID))
}

func (r *planRepo) Get(ctx context.Context, id string) (*storage.ArchivedPlan, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT content_hash, plan_json FROM plans WHERE id = ?
	`, id)

	var contentHash, planJSON string
	err := row.Scan(&contentHash, &planJSON)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	plan := &domain.Plan{}
	if err := json.Unmarshal([]byte(planJSON), plan); err != nil {
		return nil, err
	}
	return &storage.ArchivedPlan{Plan: plan, ContentHash: contentHash}, nil
}
