// Package engine is the facade the API and CLI talk to. It coordinates
// optimistic local application with outbox enqueueing so every mutation
// follows the same path: validate, apply, queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fieldsync/internal/index"
	"github.com/hyperengineering/fieldsync/internal/outbox"
	"github.com/hyperengineering/fieldsync/internal/record"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/hyperengineering/fieldsync/internal/validation"
	"github.com/oklog/ulid/v2"
)

// ValidationFailed reports one or more payload validation errors.
type ValidationFailed struct {
	Errors []validation.ValidationError
}

func (e *ValidationFailed) Error() string {
	return fmt.Sprintf("validation failed: %d field error(s)", len(e.Errors))
}

// SyncInfo reports the outcome of the most recent sync cycle. Satisfied
// by *syncer.Coordinator.
type SyncInfo interface {
	LastSync() (*time.Time, string)
}

// Engine wires the record store, outbox and search index behind one
// surface. Safe for concurrent use.
type Engine struct {
	records *record.Store
	queue   *outbox.Outbox
	idx     *index.Index
	sync    SyncInfo
}

// New creates an engine over already-loaded components.
func New(records *record.Store, queue *outbox.Outbox, idx *index.Index) *Engine {
	return &Engine{
		records: records,
		queue:   queue,
		idx:     idx,
	}
}

// SetSyncInfo attaches the sync coordinator for stats reporting.
func (e *Engine) SetSyncInfo(si SyncInfo) {
	e.sync = si
}

// CreateRecord applies a locally authored record and queues it for sync.
// The id is generated here; the server accepts client-generated ids.
func (e *Engine) CreateRecord(ctx context.Context, fields types.FieldMap, actor string) (types.Record, error) {
	if errs := validation.ValidateDelta(fields); len(errs) > 0 {
		return types.Record{}, &ValidationFailed{Errors: errs}
	}

	op := e.newOperation(types.OpCreate, ulid.Make().String(), fields, actor)
	rec, err := e.records.ApplyLocal(ctx, op)
	if err != nil {
		return types.Record{}, err
	}
	if _, err := e.queue.Enqueue(ctx, op); err != nil {
		return types.Record{}, fmt.Errorf("enqueue create: %w", err)
	}
	return rec, nil
}

// UpdateRecord applies a field delta and queues it for sync. Consecutive
// queued updates to the same record coalesce in the outbox.
func (e *Engine) UpdateRecord(ctx context.Context, id string, delta types.FieldMap, actor string) (types.Record, error) {
	if errs := validation.ValidateDelta(delta); len(errs) > 0 {
		return types.Record{}, &ValidationFailed{Errors: errs}
	}

	op := e.newOperation(types.OpUpdate, id, delta, actor)
	rec, err := e.records.ApplyLocal(ctx, op)
	if err != nil {
		return types.Record{}, err
	}
	if _, err := e.queue.Enqueue(ctx, op); err != nil {
		return types.Record{}, fmt.Errorf("enqueue update: %w", err)
	}
	return rec, nil
}

// DeleteRecord tombstones a record locally and queues the delete.
func (e *Engine) DeleteRecord(ctx context.Context, id, actor string) error {
	op := e.newOperation(types.OpDelete, id, nil, actor)
	if _, err := e.records.ApplyLocal(ctx, op); err != nil {
		return err
	}
	if _, err := e.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("enqueue delete: %w", err)
	}
	return nil
}

// GetRecord returns a record by id.
func (e *Engine) GetRecord(id string) (types.Record, error) {
	return e.records.Get(id)
}

// Search runs the filter set against the in-memory index and hydrates the
// matching page.
func (e *Engine) Search(f types.SearchFilters, limit, offset int) types.SearchResult {
	page := e.idx.Query(f, limit, offset)
	return types.SearchResult{
		Records: e.records.Hydrate(page.IDs),
		Total:   page.Total,
		HasMore: page.HasMore,
	}
}

// Conflicts returns the unresolved conflicts for one record.
func (e *Engine) Conflicts(recordID string) []types.Conflict {
	return e.records.Conflicts(recordID)
}

// AllConflicts returns every unresolved conflict across the dataset.
func (e *Engine) AllConflicts() []types.Conflict {
	return e.records.AllConflicts()
}

// ResolveConflict settles one conflicted field with the chosen value.
func (e *Engine) ResolveConflict(ctx context.Context, recordID, fieldID string, resolution types.Resolution, manualValue string) (types.Record, error) {
	if resolution == types.ResolutionManual {
		if err := validation.ValidateMaxLength(fieldID, manualValue, validation.MaxFieldValueLength); err != nil {
			return types.Record{}, &ValidationFailed{Errors: []validation.ValidationError{*err}}
		}
	}
	return e.records.ResolveConflict(ctx, recordID, fieldID, resolution, manualValue)
}

// Operations returns the queued and failed operations in creation order.
func (e *Engine) Operations() []types.Operation {
	return e.queue.All()
}

// RequeueOperation returns a permanently failed operation to the pending
// queue with a fresh retry budget.
func (e *Engine) RequeueOperation(ctx context.Context, id string) (types.Operation, error) {
	return e.queue.Requeue(ctx, id)
}

// DiscardOperation drops a permanently failed operation. The record's
// status is recomputed since the discarded mutation no longer counts as
// pending.
func (e *Engine) DiscardOperation(ctx context.Context, id string) error {
	op, ok := e.queue.Get(id)
	if !ok {
		return outbox.ErrNotFound
	}
	if err := e.queue.Discard(ctx, id); err != nil {
		return err
	}
	if _, err := e.records.RecomputeStatus(ctx, op.RecordID); err != nil && !errors.Is(err, record.ErrNotFound) {
		return err
	}
	return nil
}

// Subscribe registers a callback for changes to one record. The returned
// function unsubscribes.
func (e *Engine) Subscribe(recordID string, fn func(types.Record)) func() {
	return e.records.Subscribe(recordID, fn)
}

// Stats summarizes engine state.
func (e *Engine) Stats() types.EngineStats {
	total, pending, conflict, unresolved := e.records.Stats()
	qPending, qFailed := e.queue.Counts()

	stats := types.EngineStats{
		Records:             total,
		RecordsPending:      pending,
		RecordsConflict:     conflict,
		OutboxPending:       qPending,
		OutboxFailed:        qFailed,
		UnresolvedConflicts: unresolved,
	}
	if e.sync != nil {
		stats.LastSyncAt, stats.LastSyncState = e.sync.LastSync()
	}
	return stats
}

func (e *Engine) newOperation(kind types.OpKind, recordID string, delta types.FieldMap, actor string) types.Operation {
	return types.Operation{
		ID:        ulid.Make().String(),
		Kind:      kind,
		RecordID:  recordID,
		Delta:     delta.Clone(),
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
		Status:    types.OpPending,
	}
}
