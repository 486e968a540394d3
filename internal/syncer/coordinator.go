// Package syncer drives the reconciliation protocol: it drains the outbox,
// exchanges batches with the transport collaborator and applies the
// authoritative responses back into the record store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/fieldsync/internal/merge"
	"github.com/hyperengineering/fieldsync/internal/types"
	"github.com/sethvargo/go-retry"
)

// ErrSyncInProgress is returned when a cycle is requested while another is
// already running. The coordinator is not reentrant.
var ErrSyncInProgress = errors.New("sync cycle already in progress")

// State names one position in the coordinator's cycle state machine.
type State string

const (
	StateIdle             State = "idle"
	StateDraining         State = "draining"
	StateAwaitingResponse State = "awaiting_response"
	StateReconciling      State = "reconciling"
	StateBackoffWait      State = "backoff_wait"
)

// Transport sends one batch of operations to the authoritative server and
// returns the per-operation outcomes. Implementations own encoding, auth
// and retries of the wire call itself; the coordinator only retries at the
// batch level.
type Transport interface {
	SendBatch(ctx context.Context, ops []types.Operation) (*types.BatchResult, error)
	Ping(ctx context.Context) error
}

// Queue is the outbox surface the coordinator drives. Satisfied by
// *outbox.Outbox.
type Queue interface {
	Drain(ctx context.Context, max int) ([]types.Operation, error)
	MarkSynced(ctx context.Context, ids ...string) error
	MarkFailed(ctx context.Context, ids []string, reason string) error
	RecordAttempt(ctx context.Context, ids []string, reason string) error
	RevertInFlight(ctx context.Context) error
}

// RecordStore is the record-store surface the coordinator reconciles into.
// Satisfied by *record.Store.
type RecordStore interface {
	Get(id string) (types.Record, error)
	ApplyServerResult(ctx context.Context, id string, snapshot types.FieldMap, version int64) (types.Record, error)
	ApplyMergedResult(ctx context.Context, id string, merged, serverSnapshot types.FieldMap, version int64) (types.Record, error)
	MarkConflict(ctx context.Context, id string, merged, serverSnapshot types.FieldMap, serverVersion int64, conflicts []types.Conflict) (types.Record, error)
	RemoveSynced(ctx context.Context, id string) error
}

// Config holds coordinator tuning.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Coordinator runs sync cycles. At most one cycle runs at a time; local
// mutations proceed concurrently against the record store and outbox.
type Coordinator struct {
	queue     Queue
	records   RecordStore
	transport Transport
	cfg       Config

	cycleMu sync.Mutex // held for the duration of one cycle
	trigger chan struct{}

	mu         sync.Mutex // guards the fields below
	state      State
	backoff    retry.Backoff
	lastSyncAt *time.Time
	lastState  string
}

// New creates a coordinator. Defaults: 100-operation batches, 1s backoff
// base, 60s backoff cap.
func New(queue Queue, records RecordStore, transport Transport, cfg Config) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	return &Coordinator{
		queue:     queue,
		records:   records,
		transport: transport,
		cfg:       cfg,
		trigger:   make(chan struct{}, 1),
		state:     StateIdle,
	}
}

// TriggerSync requests a cycle outside the timer, e.g. on connectivity
// regain or a manual "sync now". Non-blocking; coalesces with an already
// queued trigger.
func (c *Coordinator) TriggerSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// State returns the coordinator's current cycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSync returns when the last cycle finished and how it ended.
func (c *Coordinator) LastSync() (*time.Time, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSyncAt, c.lastState
}

// Run drives cycles from the interval timer and the manual trigger until
// the context is cancelled. After a transport failure the loop parks in
// BackoffWait for an exponentially growing, jittered delay.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "syncer",
		"action", "worker_started",
		"interval", c.cfg.Interval.String(),
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "syncer",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
		case <-c.trigger:
		}

		err := c.SyncOnce(ctx)
		if err == nil || errors.Is(err, ErrSyncInProgress) || ctx.Err() != nil {
			continue
		}

		delay := c.nextBackoffDelay()
		c.setState(StateBackoffWait)
		slog.Warn("sync cycle failed, backing off",
			"component", "syncer",
			"action", "backoff_wait",
			"delay", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		// Probe connectivity before retrying: a reachable server gets an
		// immediate cycle, a dark link waits for the next tick instead of
		// burning per-operation attempts.
		if err := c.transport.Ping(ctx); err == nil {
			c.TriggerSync()
		}
		c.setState(StateIdle)
	}
}

// SyncOnce runs a single cycle: drain, send, reconcile. Returns
// ErrSyncInProgress if another cycle holds the lock, the context error on
// cancellation, or the transport error on exchange failure. A cancelled or
// failed cycle always reverts its in-flight operations to pending.
func (c *Coordinator) SyncOnce(ctx context.Context) error {
	if !c.cycleMu.TryLock() {
		return ErrSyncInProgress
	}
	defer c.cycleMu.Unlock()

	c.setState(StateDraining)
	defer c.setState(StateIdle)

	// Cancellation boundary before taking anything in flight.
	if err := ctx.Err(); err != nil {
		return err
	}

	batch, err := c.queue.Drain(ctx, c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}
	if len(batch) == 0 {
		c.finishCycle("idle")
		return nil
	}

	ids := make([]string, len(batch))
	for i, op := range batch {
		ids[i] = op.ID
	}

	c.setState(StateAwaitingResponse)
	result, err := c.transport.SendBatch(ctx, batch)
	if err != nil {
		// Persistence beyond this point must not be lost to the same
		// cancellation that aborted the transport call.
		revertCtx := context.WithoutCancel(ctx)
		if ctx.Err() != nil {
			// Cancelled cycle: revert without counting an attempt so no
			// operation is lost or double-applied.
			if rerr := c.queue.RevertInFlight(revertCtx); rerr != nil {
				slog.Error("failed to revert in-flight operations",
					"component", "syncer", "action", "revert_failed", "error", rerr)
			}
			c.finishCycle("cancelled")
			return ctx.Err()
		}
		if rerr := c.queue.RecordAttempt(revertCtx, ids, err.Error()); rerr != nil {
			slog.Error("failed to record attempt",
				"component", "syncer", "action", "attempt_record_failed", "error", rerr)
		}
		c.finishCycle("transport_error")
		return fmt.Errorf("send batch: %w", err)
	}

	c.setState(StateReconciling)
	if err := c.reconcile(ctx, batch, result); err != nil {
		return err
	}

	c.resetBackoff()
	c.finishCycle("ok")
	slog.Info("sync cycle completed",
		"component", "syncer",
		"action", "cycle_complete",
		"operations", len(batch),
	)
	return nil
}

// reconcile applies per-operation outcomes in batch (creation) order.
func (c *Coordinator) reconcile(ctx context.Context, batch []types.Operation, result *types.BatchResult) error {
	var missing []string

	for _, op := range batch {
		outcome, ok := result.Results[op.ID]
		if !ok {
			missing = append(missing, op.ID)
			continue
		}

		var err error
		switch outcome.Result {
		case types.ResultApplied:
			err = c.applyOutcome(ctx, op, outcome)
		case types.ResultRejected:
			err = c.rejectOutcome(ctx, op, outcome)
		case types.ResultConflict:
			err = c.conflictOutcome(ctx, op, outcome)
		default:
			err = fmt.Errorf("unknown result kind %q", outcome.Result)
		}
		if err != nil {
			return fmt.Errorf("reconcile operation %s: %w", op.ID, err)
		}
	}

	// An operation with no result is indistinguishable from a lost send:
	// treat it as a transport-level failure for that operation alone.
	if len(missing) > 0 {
		slog.Warn("batch response missing operation results",
			"component", "syncer",
			"action", "missing_results",
			"count", len(missing),
		)
		if err := c.queue.RecordAttempt(ctx, missing, "no result in batch response"); err != nil {
			return fmt.Errorf("record missing results: %w", err)
		}
	}
	return nil
}

// applyOutcome handles a server-confirmed operation.
func (c *Coordinator) applyOutcome(ctx context.Context, op types.Operation, outcome types.OperationResult) error {
	if err := c.queue.MarkSynced(ctx, op.ID); err != nil {
		return err
	}
	if op.Kind == types.OpDelete {
		return c.records.RemoveSynced(ctx, op.RecordID)
	}
	_, err := c.records.ApplyServerResult(ctx, op.RecordID, outcome.Snapshot, outcome.NewVersion)
	return err
}

// rejectOutcome handles a server-rejected operation: permanently failed,
// surfaced for manual intervention, never retried automatically.
func (c *Coordinator) rejectOutcome(ctx context.Context, op types.Operation, outcome types.OperationResult) error {
	slog.Warn("operation rejected by server",
		"component", "syncer",
		"action", "operation_rejected",
		"operation_id", op.ID,
		"record_id", op.RecordID,
		"reason", outcome.Reason,
	)
	return c.queue.MarkFailed(ctx, []string{op.ID}, outcome.Reason)
}

// conflictOutcome routes a version mismatch through the three-way merge.
func (c *Coordinator) conflictOutcome(ctx context.Context, op types.Operation, outcome types.OperationResult) error {
	rec, err := c.records.Get(op.RecordID)

	// A conflicted Delete means the server changed the record while we
	// tried to remove it; the safe outcome is to surface the server's
	// current state and drop the stale delete intent.
	if op.Kind == types.OpDelete || err != nil {
		if merr := c.queue.MarkSynced(ctx, op.ID); merr != nil {
			return merr
		}
		_, aerr := c.records.ApplyServerResult(ctx, op.RecordID, outcome.ServerSnapshot, outcome.ServerVersion)
		return aerr
	}

	result := merge.ThreeWay(op.RecordID, rec.Base, op.Delta, outcome.ServerSnapshot, outcome.ServerVersion, time.Now().UTC())

	// The operation leaves the queue either way: a clean merge is settled
	// locally, and a true disagreement is tracked by Conflict entities
	// rather than by re-sending a delta the server already refused.
	if err := c.queue.MarkSynced(ctx, op.ID); err != nil {
		return err
	}

	if result.Clean() {
		_, err := c.records.ApplyMergedResult(ctx, op.RecordID, result.Merged, outcome.ServerSnapshot, outcome.ServerVersion)
		return err
	}

	slog.Info("version conflict detected",
		"component", "syncer",
		"action", "conflict_detected",
		"record_id", op.RecordID,
		"fields", len(result.Conflicts),
	)
	_, err = c.records.MarkConflict(ctx, op.RecordID, result.Merged, outcome.ServerSnapshot, outcome.ServerVersion, result.Conflicts)
	return err
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) finishCycle(outcome string) {
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastSyncAt = &now
	c.lastState = outcome
	c.mu.Unlock()
}

// nextBackoffDelay advances the shared backoff schedule: exponential from
// the configured base, capped, with ±20% jitter. The schedule resets after
// the next successful cycle.
func (c *Coordinator) nextBackoffDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backoff == nil {
		b := retry.NewExponential(c.cfg.BackoffBase)
		b = retry.WithCappedDuration(c.cfg.BackoffCap, b)
		b = retry.WithJitterPercent(20, b)
		c.backoff = b
	}
	delay, _ := c.backoff.Next()
	return delay
}

func (c *Coordinator) resetBackoff() {
	c.mu.Lock()
	c.backoff = nil
	c.mu.Unlock()
}
