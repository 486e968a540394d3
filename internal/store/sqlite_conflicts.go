package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// SaveConflict upserts an unresolved conflict. The (record, field) pair is
// unique: re-detecting the same disagreement replaces rather than
// duplicates.
func (s *SQLiteStore) SaveConflict(ctx context.Context, c types.Conflict) error {
	var manual any
	if c.ManualValue != "" {
		manual = c.ManualValue
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conflicts
			(id, record_id, field_id, base_value, local_value, server_value, server_version, resolved_with, manual_value, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.RecordID, c.FieldID, c.BaseValue, c.LocalValue, c.ServerValue,
		c.ServerVersion, string(c.ResolvedWith), manual,
		c.DetectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	return nil
}

// DeleteConflict removes a resolved conflict.
func (s *SQLiteStore) DeleteConflict(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conflict: %w", err)
	}
	return nil
}

// LoadConflicts returns every persisted (unresolved) conflict.
func (s *SQLiteStore) LoadConflicts(ctx context.Context) ([]types.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, field_id, base_value, local_value, server_value, server_version, resolved_with, manual_value, detected_at
		FROM conflicts
		ORDER BY detected_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := make([]types.Conflict, 0)
	for rows.Next() {
		var c types.Conflict
		var resolved, detectedAt string
		var manual sql.NullString

		if err := rows.Scan(&c.ID, &c.RecordID, &c.FieldID, &c.BaseValue, &c.LocalValue,
			&c.ServerValue, &c.ServerVersion, &resolved, &manual, &detectedAt); err != nil {
			return nil, fmt.Errorf("%w: scan conflict: %v", ErrCorrupt, err)
		}

		c.ResolvedWith = types.Resolution(resolved)
		if manual.Valid {
			c.ManualValue = manual.String
		}
		if c.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedAt); err != nil {
			return nil, fmt.Errorf("%w: parse detected_at for %s: %v", ErrCorrupt, c.ID, err)
		}

		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}
