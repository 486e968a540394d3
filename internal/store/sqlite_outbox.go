package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

const insertOperationSQL = `
	INSERT OR REPLACE INTO operations
		(id, kind, record_id, delta, actor, created_at, retry_count, status, failure_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// operationArgs returns the SQL arguments for persisting an Operation.
func operationArgs(op *types.Operation) ([]any, error) {
	var deltaJSON any
	if op.Delta != nil {
		data, err := json.Marshal(op.Delta)
		if err != nil {
			return nil, fmt.Errorf("marshal delta: %w", err)
		}
		deltaJSON = string(data)
	}
	var reason any
	if op.FailureReason != "" {
		reason = op.FailureReason
	}
	return []any{
		op.ID, string(op.Kind), op.RecordID, deltaJSON, op.Actor,
		op.CreatedAt.UTC().Format(time.RFC3339Nano),
		op.RetryCount, string(op.Status), reason,
	}, nil
}

// SaveOperation upserts one outbox operation.
func (s *SQLiteStore) SaveOperation(ctx context.Context, op types.Operation) error {
	args, err := operationArgs(&op)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertOperationSQL, args...); err != nil {
		return fmt.Errorf("save operation: %w", err)
	}
	return nil
}

// SaveOperations upserts a batch of operations atomically.
func (s *SQLiteStore) SaveOperations(ctx context.Context, ops []types.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range ops {
		args, err := operationArgs(&ops[i])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertOperationSQL, args...); err != nil {
			return fmt.Errorf("save operation %s: %w", ops[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteOperation removes a synced or discarded operation from the queue.
func (s *SQLiteStore) DeleteOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	return nil
}

// LoadPendingOperations returns every not-yet-synced operation in creation
// order. In-flight operations are loaded as pending: a crash mid-cycle must
// never leave an operation stuck in flight.
func (s *SQLiteStore) LoadPendingOperations(ctx context.Context) ([]types.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, record_id, delta, actor, created_at, retry_count, status, failure_reason
		FROM operations
		WHERE status != 'synced'
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := make([]types.Operation, 0)
	for rows.Next() {
		var op types.Operation
		var deltaJSON, reason sql.NullString
		var kind, status, createdAt string

		if err := rows.Scan(&op.ID, &kind, &op.RecordID, &deltaJSON, &op.Actor,
			&createdAt, &op.RetryCount, &status, &reason); err != nil {
			return nil, fmt.Errorf("%w: scan operation: %v", ErrCorrupt, err)
		}

		if deltaJSON.Valid {
			if err := json.Unmarshal([]byte(deltaJSON.String), &op.Delta); err != nil {
				return nil, fmt.Errorf("%w: decode delta for %s: %v", ErrCorrupt, op.ID, err)
			}
		}
		op.Kind = types.OpKind(kind)
		op.Status = types.OpStatus(status)
		if op.Status == types.OpInFlight {
			op.Status = types.OpPending
		}
		if reason.Valid {
			op.FailureReason = reason.String
		}
		if op.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("%w: parse created_at for %s: %v", ErrCorrupt, op.ID, err)
		}

		ops = append(ops, op)
	}
	return ops, rows.Err()
}
