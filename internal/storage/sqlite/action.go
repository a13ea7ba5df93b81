package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/ccos-lite/internal/domain"
)

type actionRepo struct {
	tx *sql.Tx
}

const actionColumns = `seq, id, plan_id, plan_seq, step_id, intent_id, request_id, parent_id,
	type, timestamp, payload_json, outcome, hash, prev_hash, chain_hash,
	plan_prev_hash, plan_chain_hash, signature, signature_key_id`

func (r *actionRepo) Append(ctx context.Context, a *domain.Action) error {
	payloadJSON, err := json.Marshal(a.Payload)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.Seq, a.ID, a.PlanID, a.PlanSeq, a.StepID, a.IntentID, a.RequestID, a.ParentID,
		string(a.Type), a.Timestamp.UnixMilli(), string(payloadJSON), a.Outcome,
		a.Hash, a.PrevHash, a.ChainHash, a.PlanPrevHash, a.PlanChainHash,
		a.Signature, a.SignatureKeyID)
	return mapInsertError(err, fmt.Sprintf("action seq %d", a.Seq))
}

func (r *actionRepo) Get(ctx context.Context, id string) (*domain.Action, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	return r.scanOne(row)
}

func (r *actionRepo) Last(ctx context.Context) (*domain.Action, error) {
	row := r.tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions ORDER BY seq DESC LIMIT 1`)
	return r.scanOne(row)
}

func (r *actionRepo) LastForPlan(ctx context.Context, planID string) (*domain.Action, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM actions
		WHERE plan_id = ? ORDER BY plan_seq DESC LIMIT 1
	`, planID)
	return r.scanOne(row)
}

func (r *actionRepo) ListByPlan(ctx context.Context, planID string) ([]*domain.Action, error) {
	return r.list(ctx, `WHERE plan_id = ? ORDER BY plan_seq`, planID)
}

func (r *actionRepo) ListByStep(ctx context.Context, planID, stepID string) ([]*domain.Action, error) {
	return r.list(ctx, `WHERE plan_id = ? AND step_id = ? ORDER BY plan_seq`, planID, stepID)
}

func (r *actionRepo) ListByIntent(ctx context.Context, intentID string) ([]*domain.Action, error) {
	return r.list(ctx, `WHERE intent_id = ? ORDER BY seq`, intentID)
}

func (r *actionRepo) ListByRequest(ctx context.Context, requestID string) ([]*domain.Action, error) {
	return r.list(ctx, `WHERE request_id = ? ORDER BY seq`, requestID)
}

func (r *actionRepo) ListByCapability(ctx context.Context, capability string) ([]*domain.Action, error) {
	return r.list(ctx, `WHERE json_extract(payload_json, '$.capability') = ? ORDER BY seq`, capability)
}

func (r *actionRepo) ListChildren(ctx context.Context, parentID string) ([]*domain.Action, error) {
	return r.list(ctx, `WHERE parent_id = ? ORDER BY seq`, parentID)
}

func (r *actionRepo) Range(ctx context.Context, from, to int64) ([]*domain.Action, error) {
	if to <= 0 {
		return r.list(ctx, `WHERE seq >= ? ORDER BY seq`, from)
	}
	return r.list(ctx, `WHERE seq >= ? AND seq <= ? ORDER BY seq`, from, to)
}

func (r *actionRepo) PlanIDs(ctx context.Context) ([]string, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT plan_id FROM actions GROUP BY plan_id ORDER BY MIN(seq)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *actionRepo) list(ctx context.Context, where string, args ...any) ([]*domain.Action, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (r *actionRepo) scanOne(row *sql.Row) (*domain.Action, error) {
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(s scanner) (*domain.Action, error) {
	a := &domain.Action{}
	var stepID, intentID, requestID, parentID, payloadJSON, outcome sql.NullString
	var actionType string
	var ts int64

	err := s.Scan(&a.Seq, &a.ID, &a.PlanID, &a.PlanSeq, &stepID, &intentID, &requestID, &parentID,
		&actionType, &ts, &payloadJSON, &outcome, &a.Hash, &a.PrevHash, &a.ChainHash,
		&a.PlanPrevHash, &a.PlanChainHash, &a.Signature, &a.SignatureKeyID)
	if err != nil {
		return nil, err
	}

	a.Type = domain.ActionType(actionType)
	a.Timestamp = time.UnixMilli(ts).UTC()
	a.StepID = stepID.String
	a.IntentID = intentID.String
	a.RequestID = requestID.String
	a.ParentID = parentID.String
	a.Outcome = outcome.String

	if payloadJSON.Valid && payloadJSON.String != "" && payloadJSON.String != "null" {
		if err := decodeJSON(payloadJSON.String, &a.Payload); err != nil {
			return nil, err
		}
	}
	if a.Payload == nil {
		a.Payload = make(map[string]any)
	}

	return a, nil
}

// decodeJSON keeps numbers as json.Number so stored values hash exactly as
// they did when written.
func decodeJSON(data string, v any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
