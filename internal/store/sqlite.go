package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable persistence collaborator: it holds the local
// copy of the record set, the outbox operations and unresolved conflicts.
// All derived state (the search index) is rebuilt from it on load, never
// persisted.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable pragmas for performance and safety
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	// Run goose migrations
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRecord upserts a record.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec types.Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	var baseJSON any
	if rec.Base != nil {
		data, err := json.Marshal(rec.Base)
		if err != nil {
			return fmt.Errorf("marshal base: %w", err)
		}
		baseJSON = string(data)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO records
			(id, base_version, fields, base, sync_status, pending_version, deleted, last_updated, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.BaseVersion, string(fieldsJSON), baseJSON, string(rec.SyncStatus),
		rec.PendingVersion, boolToInt(rec.Deleted),
		rec.LastUpdated.UTC().Format(time.RFC3339Nano), rec.UpdatedBy)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// DeleteRecord removes a record permanently. Called only once a Delete
// operation has been confirmed by the server.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// LoadRecords returns every persisted record. An undecodable row makes the
// whole load fail with ErrCorrupt: partially trusted state is worse than a
// full resync.
func (s *SQLiteStore) LoadRecords(ctx context.Context) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, base_version, fields, base, sync_status, pending_version, deleted, last_updated, updated_by
		FROM records
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := make([]types.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// scanRecord scans a row into a Record, decoding the JSON field maps.
func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var rec types.Record
	var fieldsJSON string
	var baseJSON sql.NullString
	var status string
	var deleted int
	var lastUpdated string

	err := scanner.Scan(
		&rec.ID,
		&rec.BaseVersion,
		&fieldsJSON,
		&baseJSON,
		&status,
		&rec.PendingVersion,
		&deleted,
		&lastUpdated,
		&rec.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode fields for %s: %w", rec.ID, err)
	}
	if baseJSON.Valid {
		if err := json.Unmarshal([]byte(baseJSON.String), &rec.Base); err != nil {
			return nil, fmt.Errorf("decode base for %s: %w", rec.ID, err)
		}
	}

	rec.SyncStatus = types.SyncStatus(status)
	switch rec.SyncStatus {
	case types.StatusSynced, types.StatusPending, types.StatusConflict:
	default:
		return nil, fmt.Errorf("unknown sync status %q for %s", status, rec.ID)
	}

	rec.Deleted = deleted != 0
	if rec.LastUpdated, err = time.Parse(time.RFC3339Nano, lastUpdated); err != nil {
		return nil, fmt.Errorf("parse last_updated for %s: %w", rec.ID, err)
	}

	return &rec, nil
}

// CountByStatus returns record counts grouped by sync status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[types.SyncStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_status, COUNT(*) FROM records GROUP BY sync_status
	`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.SyncStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[types.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// GetRecord loads a single record by id.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, base_version, fields, base, sync_status, pending_version, deleted, last_updated, updated_by
		FROM records
		WHERE id = ?
	`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
