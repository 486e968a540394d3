// Package outbox implements the durable, ordered queue of pending mutations.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// ErrNotFound is returned when an operation id is not in the queue.
var ErrNotFound = errors.New("operation not found")

// ErrNotFailed is returned when Requeue or Discard targets an operation
// that has not permanently failed.
var ErrNotFailed = errors.New("operation is not failed")

// Persister durably stores queue state. Satisfied by *store.SQLiteStore.
type Persister interface {
	SaveOperation(ctx context.Context, op types.Operation) error
	SaveOperations(ctx context.Context, ops []types.Operation) error
	DeleteOperation(ctx context.Context, id string) error
}

// Outbox is the append-only operation log. Operations for the same record
// are totally ordered by creation time and are never reordered; operations
// for different records share a global FIFO tie-break. An operation leaves
// the queue only when the server confirms it or a human discards it; the
// engine never silently drops a mutation.
type Outbox struct {
	mu          sync.Mutex
	ops         []*types.Operation // creation order
	byID        map[string]*types.Operation
	persist     Persister
	maxAttempts int
}

// New creates an empty outbox. maxAttempts bounds transport retries per
// operation before it becomes permanently failed.
func New(persist Persister, maxAttempts int) *Outbox {
	return &Outbox{
		byID:        make(map[string]*types.Operation),
		persist:     persist,
		maxAttempts: maxAttempts,
	}
}

// Load seeds the queue from persisted operations, in creation order.
// Called once at startup before any other method.
func (o *Outbox) Load(ops []types.Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range ops {
		op := ops[i]
		o.ops = append(o.ops, &op)
		o.byID[op.ID] = &op
	}
}

// Enqueue appends a mutation. A new Update whose record's latest queued
// operation is a still-Pending Update is coalesced into it: the deltas are
// unioned in order (later value wins per field), which reduces network
// chatter without breaking per-record ordering. Drain flips operations to
// InFlight under this same lock, so a delta can never coalesce into an
// operation an open sync cycle has already copied. Returns the queued
// (possibly coalesced) operation.
func (o *Outbox) Enqueue(ctx context.Context, op types.Operation) (types.Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if op.Kind == types.OpUpdate {
		if last := o.latestForRecordLocked(op.RecordID); last != nil &&
			last.Kind == types.OpUpdate && last.Status == types.OpPending {
			last.Delta = last.Delta.Merge(op.Delta)
			last.Actor = op.Actor
			if err := o.persist.SaveOperation(ctx, *last); err != nil {
				return types.Operation{}, fmt.Errorf("persist coalesced operation: %w", err)
			}
			return *last, nil
		}
	}

	op.Status = types.OpPending
	queued := op
	o.ops = append(o.ops, &queued)
	o.byID[queued.ID] = &queued

	if err := o.persist.SaveOperation(ctx, queued); err != nil {
		return types.Operation{}, fmt.Errorf("persist operation: %w", err)
	}
	return queued, nil
}

// NextBatch returns up to max Pending operations in queue order without
// consuming them. Per-record ordering is preserved: a record whose earliest
// unfinished operation is failed (or still in flight) contributes nothing,
// so the server never sees that record's operations out of creation order.
func (o *Outbox) NextBatch(max int) []types.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextBatchLocked(max)
}

func (o *Outbox) nextBatchLocked(max int) []types.Operation {
	batch := make([]types.Operation, 0, max)
	blocked := make(map[string]bool)

	for _, op := range o.ops {
		if blocked[op.RecordID] {
			continue
		}
		if op.Status != types.OpPending {
			blocked[op.RecordID] = true
			continue
		}
		batch = append(batch, *op)
		if max > 0 && len(batch) == max {
			break
		}
	}
	return batch
}

// Drain selects the next batch and marks it InFlight in one step. The
// selection and the status flip share the lock: an update enqueued after
// Drain returns can only land in a fresh operation, never inside the batch
// copy an open cycle is about to send. The whole batch is persisted in one
// transaction; on persistence failure nothing is taken in flight.
func (o *Outbox) Drain(ctx context.Context, max int) ([]types.Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	batch := o.nextBatchLocked(max)
	if len(batch) == 0 {
		return nil, nil
	}

	for i := range batch {
		o.byID[batch[i].ID].Status = types.OpInFlight
		batch[i].Status = types.OpInFlight
	}
	if err := o.persist.SaveOperations(ctx, batch); err != nil {
		for i := range batch {
			o.byID[batch[i].ID].Status = types.OpPending
		}
		return nil, fmt.Errorf("persist drained batch: %w", err)
	}
	return batch, nil
}

// MarkSynced removes confirmed operations from the queue and from durable
// storage.
func (o *Outbox) MarkSynced(ctx context.Context, ids ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range ids {
		if _, ok := o.byID[id]; !ok {
			return fmt.Errorf("mark synced %s: %w", id, ErrNotFound)
		}
		o.removeLocked(id)
		if err := o.persist.DeleteOperation(ctx, id); err != nil {
			return fmt.Errorf("delete synced %s: %w", id, err)
		}
	}
	return nil
}

// MarkFailed permanently fails operations the server rejected. Rejected
// operations are never retried automatically; they stay queued as Failed
// until a human requeues or discards them.
func (o *Outbox) MarkFailed(ctx context.Context, ids []string, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range ids {
		op, ok := o.byID[id]
		if !ok {
			return fmt.Errorf("mark failed %s: %w", id, ErrNotFound)
		}
		op.Status = types.OpFailed
		op.FailureReason = reason
		if err := o.persist.SaveOperation(ctx, *op); err != nil {
			return fmt.Errorf("persist failed %s: %w", id, err)
		}
	}
	return nil
}

// RecordAttempt handles a transport-level failure for the given in-flight
// operations: each retry count is incremented and the operation reverts to
// Pending for the next backoff cycle, or becomes permanently Failed once
// the attempt budget is exhausted.
func (o *Outbox) RecordAttempt(ctx context.Context, ids []string, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range ids {
		op, ok := o.byID[id]
		if !ok {
			return fmt.Errorf("record attempt %s: %w", id, ErrNotFound)
		}
		op.RetryCount++
		if op.RetryCount >= o.maxAttempts {
			op.Status = types.OpFailed
			op.FailureReason = reason
		} else {
			op.Status = types.OpPending
		}
		if err := o.persist.SaveOperation(ctx, *op); err != nil {
			return fmt.Errorf("persist attempt %s: %w", id, err)
		}
	}
	return nil
}

// RevertInFlight returns every InFlight operation to Pending without
// counting an attempt. Called on cycle cancellation so no operation is
// ever left stuck in flight.
func (o *Outbox) RevertInFlight(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	reverted := make([]types.Operation, 0)
	for _, op := range o.ops {
		if op.Status != types.OpInFlight {
			continue
		}
		op.Status = types.OpPending
		reverted = append(reverted, *op)
	}
	if len(reverted) == 0 {
		return nil
	}
	if err := o.persist.SaveOperations(ctx, reverted); err != nil {
		return fmt.Errorf("persist reverted operations: %w", err)
	}
	return nil
}

// Requeue resets a permanently failed operation to a fresh Pending attempt
// with its retry count cleared. The operation keeps its queue position so
// per-record ordering is preserved.
func (o *Outbox) Requeue(ctx context.Context, id string) (types.Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.byID[id]
	if !ok {
		return types.Operation{}, fmt.Errorf("requeue %s: %w", id, ErrNotFound)
	}
	if op.Status != types.OpFailed {
		return types.Operation{}, fmt.Errorf("requeue %s: status %s: %w", id, op.Status, ErrNotFailed)
	}

	op.Status = types.OpPending
	op.RetryCount = 0
	op.FailureReason = ""
	if err := o.persist.SaveOperation(ctx, *op); err != nil {
		return types.Operation{}, fmt.Errorf("persist requeued %s: %w", id, err)
	}
	return *op, nil
}

// Discard drops a permanently failed operation from the queue. This is the
// one sanctioned way a mutation leaves the queue without server
// confirmation, and it requires an explicit human decision.
func (o *Outbox) Discard(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.byID[id]
	if !ok {
		return fmt.Errorf("discard %s: %w", id, ErrNotFound)
	}
	if op.Status != types.OpFailed {
		return fmt.Errorf("discard %s: status %s: %w", id, op.Status, ErrNotFailed)
	}

	o.removeLocked(id)
	if err := o.persist.DeleteOperation(ctx, id); err != nil {
		return fmt.Errorf("delete discarded %s: %w", id, err)
	}
	return nil
}

// HasPending reports whether any queued operation still targets the record.
// Failed operations count: a record must not read as Synced while one of
// its mutations sits unresolved in the queue.
func (o *Outbox) HasPending(recordID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, op := range o.ops {
		if op.RecordID == recordID {
			return true
		}
	}
	return false
}

// Get returns a copy of the operation with the given id.
func (o *Outbox) Get(id string) (types.Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.byID[id]
	if !ok {
		return types.Operation{}, false
	}
	return *op, true
}

// All returns a snapshot of every queued operation in creation order.
func (o *Outbox) All() []types.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]types.Operation, 0, len(o.ops))
	for _, op := range o.ops {
		out = append(out, *op)
	}
	return out
}

// Counts returns the number of retriable (pending/in-flight) and
// permanently failed operations.
func (o *Outbox) Counts() (pending, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, op := range o.ops {
		if op.Status == types.OpFailed {
			failed++
		} else {
			pending++
		}
	}
	return pending, failed
}

// latestForRecordLocked returns the newest queued operation for a record.
func (o *Outbox) latestForRecordLocked(recordID string) *types.Operation {
	for i := len(o.ops) - 1; i >= 0; i-- {
		if o.ops[i].RecordID == recordID {
			return o.ops[i]
		}
	}
	return nil
}

func (o *Outbox) removeLocked(id string) {
	delete(o.byID, id)
	for i, op := range o.ops {
		if op.ID == id {
			o.ops = append(o.ops[:i], o.ops[i+1:]...)
			return
		}
	}
}
