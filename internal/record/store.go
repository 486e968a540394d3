// Package record implements the in-memory record store: the keyed local
// copy of the full dataset, applied to optimistically and reconciled
// against authoritative server results. It owns the search index and
// rebuilds it from persisted records on load.
package record

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hyperengineering/fieldsync/internal/index"
	"github.com/hyperengineering/fieldsync/internal/types"
)

var (
	// ErrNotFound is returned for mutations against an unknown record id.
	ErrNotFound = errors.New("record not found")

	// ErrExists is returned when a Create targets an id already present.
	ErrExists = errors.New("record already exists")

	// ErrNoConflict is returned when resolving a field with no open conflict.
	ErrNoConflict = errors.New("no unresolved conflict for field")
)

// Persister durably stores records and conflicts. Satisfied by
// *store.SQLiteStore.
type Persister interface {
	SaveRecord(ctx context.Context, rec types.Record) error
	DeleteRecord(ctx context.Context, id string) error
	SaveConflict(ctx context.Context, c types.Conflict) error
	DeleteConflict(ctx context.Context, id string) error
}

// PendingChecker reports whether any queued operation still targets a
// record. The outbox satisfies it; the store consults it so the
// sync-status invariant never duplicates queue state.
type PendingChecker interface {
	HasPending(recordID string) bool
}

// Store is the engine's record store. Reads and local mutations are
// synchronous and never block on network I/O. Safe for concurrent use;
// per-call locking keeps writers to the same record mutually exclusive.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*types.Record
	conflicts map[string][]*types.Conflict // unresolved, by record id
	idx       *index.Index
	persist   Persister
	pending   PendingChecker

	subMu  sync.Mutex
	subs   map[string]map[int]func(types.Record)
	nextID int
}

// NewStore creates an empty store around the given persistence collaborator
// and index. Call SetPendingChecker before applying server results.
func NewStore(persist Persister, idx *index.Index) *Store {
	return &Store{
		records:   make(map[string]*types.Record),
		conflicts: make(map[string][]*types.Conflict),
		idx:       idx,
		persist:   persist,
		subs:      make(map[string]map[int]func(types.Record)),
	}
}

// SetPendingChecker wires the outbox in. Separate from NewStore because the
// outbox and record store are constructed independently.
func (s *Store) SetPendingChecker(pc PendingChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = pc
}

// Load seeds the store from persisted state and rebuilds the search index.
// Called once at startup.
func (s *Store) Load(records []types.Record, conflicts []types.Conflict) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range records {
		rec := records[i]
		s.records[rec.ID] = &rec
		if !rec.Deleted {
			s.idx.Upsert(rec)
		}
	}
	for i := range conflicts {
		c := conflicts[i]
		if c.ResolvedWith != types.ResolutionUnresolved {
			continue
		}
		s.conflicts[c.RecordID] = append(s.conflicts[c.RecordID], &c)
	}
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok || rec.Deleted {
		return types.Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Hydrate returns copies of the records with the given ids, skipping any
// that no longer exist. Used to turn an index page into full records.
func (s *Store) Hydrate(ids []string) []types.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok && !rec.Deleted {
			out = append(out, copyRecord(rec))
		}
	}
	return out
}

// ApplyLocal applies a mutation optimistically: the local copy changes
// immediately and the record becomes Pending. It never blocks on network
// I/O and fails only for an unknown target (Update/Delete) or a duplicate
// id (Create).
func (s *Store) ApplyLocal(ctx context.Context, op types.Operation) (types.Record, error) {
	s.mu.Lock()
	rec, err := s.applyLocalLocked(ctx, op)
	s.mu.Unlock()
	if err != nil {
		return types.Record{}, err
	}

	s.notify(rec)
	return rec, nil
}

func (s *Store) applyLocalLocked(ctx context.Context, op types.Operation) (types.Record, error) {
	existing, ok := s.records[op.RecordID]

	switch op.Kind {
	case types.OpCreate:
		if ok && !existing.Deleted {
			return types.Record{}, fmt.Errorf("create %s: %w", op.RecordID, ErrExists)
		}
		rec := &types.Record{
			ID:          op.RecordID,
			Fields:      op.Delta.Clone(),
			SyncStatus:  types.StatusPending,
			LastUpdated: op.CreatedAt,
			UpdatedBy:   op.Actor,
		}
		s.records[op.RecordID] = rec
		s.idx.Upsert(*rec)
		if err := s.persist.SaveRecord(ctx, *rec); err != nil {
			return types.Record{}, fmt.Errorf("persist created record: %w", err)
		}
		return copyRecord(rec), nil

	case types.OpUpdate:
		if !ok || existing.Deleted {
			return types.Record{}, fmt.Errorf("update %s: %w", op.RecordID, ErrNotFound)
		}
		existing.Fields = existing.Fields.Merge(op.Delta)
		existing.LastUpdated = op.CreatedAt
		existing.UpdatedBy = op.Actor
		if len(s.conflicts[op.RecordID]) == 0 {
			existing.SyncStatus = types.StatusPending
		}
		s.idx.Upsert(*existing)
		if err := s.persist.SaveRecord(ctx, *existing); err != nil {
			return types.Record{}, fmt.Errorf("persist updated record: %w", err)
		}
		return copyRecord(existing), nil

	case types.OpDelete:
		if !ok || existing.Deleted {
			return types.Record{}, fmt.Errorf("delete %s: %w", op.RecordID, ErrNotFound)
		}
		existing.Deleted = true
		existing.LastUpdated = op.CreatedAt
		existing.UpdatedBy = op.Actor
		existing.SyncStatus = types.StatusPending
		s.idx.Remove(op.RecordID)
		if err := s.persist.SaveRecord(ctx, *existing); err != nil {
			return types.Record{}, fmt.Errorf("persist deleted record: %w", err)
		}
		return copyRecord(existing), nil

	default:
		return types.Record{}, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// ApplyServerResult applies an authoritative snapshot: fields and base both
// become the server's view. Idempotent: a snapshot at or below the stored
// base version is a no-op.
func (s *Store) ApplyServerResult(ctx context.Context, id string, snapshot types.FieldMap, version int64) (types.Record, error) {
	return s.applyAuthoritative(ctx, id, snapshot, snapshot, version)
}

// ApplyMergedResult applies the outcome of a clean three-way merge: the
// merged fields (server snapshot plus surviving local edits) become the
// working copy while the base records the server's actual snapshot, so the
// surviving local values stay diffable. Idempotent like ApplyServerResult.
func (s *Store) ApplyMergedResult(ctx context.Context, id string, merged, serverSnapshot types.FieldMap, version int64) (types.Record, error) {
	return s.applyAuthoritative(ctx, id, merged, serverSnapshot, version)
}

func (s *Store) applyAuthoritative(ctx context.Context, id string, fields, base types.FieldMap, version int64) (types.Record, error) {
	s.mu.Lock()

	rec, ok := s.records[id]
	if !ok {
		// First sight of a server-created record.
		rec = &types.Record{ID: id}
		s.records[id] = rec
	} else if version <= rec.BaseVersion {
		// Replayed response; nothing changes.
		out := copyRecord(rec)
		s.mu.Unlock()
		return out, nil
	}

	rec.Fields = fields.Clone()
	rec.Base = base.Clone()
	rec.BaseVersion = version
	rec.PendingVersion = 0
	rec.Deleted = false
	rec.SyncStatus = s.statusLocked(id)
	s.idx.Upsert(*rec)

	if err := s.persist.SaveRecord(ctx, *rec); err != nil {
		s.mu.Unlock()
		return types.Record{}, fmt.Errorf("persist server result: %w", err)
	}

	out := copyRecord(rec)
	s.mu.Unlock()

	s.notify(out)
	return out, nil
}

// RemoveSynced destroys a record after the server confirmed its deletion.
// This is the only path that ends a record's lifetime.
func (s *Store) RemoveSynced(ctx context.Context, id string) error {
	s.mu.Lock()

	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.records, id)
	delete(s.conflicts, id)
	s.idx.Remove(id)

	if err := s.persist.DeleteRecord(ctx, id); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("delete record: %w", err)
	}

	out := copyRecord(rec)
	out.Deleted = true
	out.SyncStatus = types.StatusSynced
	s.mu.Unlock()

	s.notify(out)
	return nil
}

// MarkConflict records field-scoped conflicts for a record. The merged
// fields become the working copy (conflicting fields keep the local value
// so the agent's edit stays visible), the base tracks the server snapshot,
// and the base version is withheld in PendingVersion until every conflict
// is resolved. Re-detecting an already-open (record, field, version)
// conflict is a no-op, so replayed responses never duplicate conflicts.
func (s *Store) MarkConflict(ctx context.Context, id string, merged, serverSnapshot types.FieldMap, serverVersion int64, conflicts []types.Conflict) (types.Record, error) {
	s.mu.Lock()

	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return types.Record{}, fmt.Errorf("mark conflict %s: %w", id, ErrNotFound)
	}

	added := false
	for i := range conflicts {
		c := conflicts[i]
		if s.hasOpenConflictLocked(id, c.FieldID, serverVersion) {
			continue
		}
		s.conflicts[id] = append(s.conflicts[id], &c)
		if err := s.persist.SaveConflict(ctx, c); err != nil {
			s.mu.Unlock()
			return types.Record{}, fmt.Errorf("persist conflict: %w", err)
		}
		added = true
	}

	if !added && rec.PendingVersion == serverVersion {
		out := copyRecord(rec)
		s.mu.Unlock()
		return out, nil
	}

	rec.Fields = merged.Clone()
	rec.Base = serverSnapshot.Clone()
	rec.PendingVersion = serverVersion
	rec.SyncStatus = types.StatusConflict
	s.idx.Upsert(*rec)

	if err := s.persist.SaveRecord(ctx, *rec); err != nil {
		s.mu.Unlock()
		return types.Record{}, fmt.Errorf("persist conflicted record: %w", err)
	}

	out := copyRecord(rec)
	s.mu.Unlock()

	s.notify(out)
	return out, nil
}

// ResolveConflict settles one field-scoped conflict with an explicit
// decision: keep the local value, take the server's, or set a manual value.
// Once the record's last conflict is resolved its base version advances to
// the withheld server version and the status is recomputed.
func (s *Store) ResolveConflict(ctx context.Context, id, fieldID string, resolution types.Resolution, manualValue string) (types.Record, error) {
	s.mu.Lock()

	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return types.Record{}, fmt.Errorf("resolve conflict %s: %w", id, ErrNotFound)
	}

	open := s.conflicts[id]
	var target *types.Conflict
	pos := -1
	for i, c := range open {
		if c.FieldID == fieldID {
			target, pos = c, i
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return types.Record{}, fmt.Errorf("resolve %s.%s: %w", id, fieldID, ErrNoConflict)
	}

	switch resolution {
	case types.ResolutionLocal:
		rec.Fields[fieldID] = target.LocalValue
	case types.ResolutionServer:
		rec.Fields[fieldID] = target.ServerValue
	case types.ResolutionManual:
		rec.Fields[fieldID] = manualValue
	default:
		s.mu.Unlock()
		return types.Record{}, fmt.Errorf("resolve %s.%s: invalid resolution %q", id, fieldID, resolution)
	}

	s.conflicts[id] = append(open[:pos], open[pos+1:]...)
	if len(s.conflicts[id]) == 0 {
		delete(s.conflicts, id)
		if rec.PendingVersion > 0 {
			rec.BaseVersion = rec.PendingVersion
			rec.PendingVersion = 0
		}
	}
	rec.SyncStatus = s.statusLocked(id)
	s.idx.Upsert(*rec)

	if err := s.persist.DeleteConflict(ctx, target.ID); err != nil {
		s.mu.Unlock()
		return types.Record{}, fmt.Errorf("delete resolved conflict: %w", err)
	}
	if err := s.persist.SaveRecord(ctx, *rec); err != nil {
		s.mu.Unlock()
		return types.Record{}, fmt.Errorf("persist resolved record: %w", err)
	}

	out := copyRecord(rec)
	s.mu.Unlock()

	s.notify(out)
	return out, nil
}

// RecomputeStatus refreshes a record's sync status after queue changes
// (operation synced, discarded or requeued).
func (s *Store) RecomputeStatus(ctx context.Context, id string) (types.Record, error) {
	s.mu.Lock()

	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return types.Record{}, fmt.Errorf("recompute status %s: %w", id, ErrNotFound)
	}

	status := s.statusLocked(id)
	if status == rec.SyncStatus {
		out := copyRecord(rec)
		s.mu.Unlock()
		return out, nil
	}

	rec.SyncStatus = status
	if err := s.persist.SaveRecord(ctx, *rec); err != nil {
		s.mu.Unlock()
		return types.Record{}, fmt.Errorf("persist status: %w", err)
	}

	out := copyRecord(rec)
	s.mu.Unlock()

	s.notify(out)
	return out, nil
}

// Conflicts returns copies of the record's unresolved conflicts.
func (s *Store) Conflicts(id string) []types.Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := s.conflicts[id]
	out := make([]types.Conflict, 0, len(open))
	for _, c := range open {
		out = append(out, *c)
	}
	return out
}

// AllConflicts returns copies of every unresolved conflict.
func (s *Store) AllConflicts() []types.Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Conflict, 0)
	for _, open := range s.conflicts {
		for _, c := range open {
			out = append(out, *c)
		}
	}
	return out
}

// Stats returns record counts by sync status and the number of unresolved
// conflicts.
func (s *Store) Stats() (total, pending, conflict int64, unresolved int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		total++
		switch rec.SyncStatus {
		case types.StatusPending:
			pending++
		case types.StatusConflict:
			conflict++
		}
	}
	for _, open := range s.conflicts {
		unresolved += len(open)
	}
	return total, pending, conflict, unresolved
}

// Subscribe registers a callback invoked with a copy of the record after
// every change to it. The returned function unsubscribes; callers must
// invoke it to avoid leaks.
func (s *Store) Subscribe(recordID string, fn func(types.Record)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++

	if s.subs[recordID] == nil {
		s.subs[recordID] = make(map[int]func(types.Record))
	}
	s.subs[recordID][id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if subs, ok := s.subs[recordID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.subs, recordID)
			}
		}
	}
}

// notify invokes subscribers outside the store lock so callbacks may call
// back into the store.
func (s *Store) notify(rec types.Record) {
	s.subMu.Lock()
	callbacks := make([]func(types.Record), 0, len(s.subs[rec.ID]))
	for _, fn := range s.subs[rec.ID] {
		callbacks = append(callbacks, fn)
	}
	s.subMu.Unlock()

	for _, fn := range callbacks {
		fn(rec)
	}
}

// statusLocked derives the record's status from the invariants: Conflict
// while any unresolved conflict exists, else Pending while any queued
// operation targets it, else Synced.
func (s *Store) statusLocked(id string) types.SyncStatus {
	if len(s.conflicts[id]) > 0 {
		return types.StatusConflict
	}
	if s.pending != nil && s.pending.HasPending(id) {
		return types.StatusPending
	}
	return types.StatusSynced
}

func (s *Store) hasOpenConflictLocked(id, fieldID string, serverVersion int64) bool {
	for _, c := range s.conflicts[id] {
		if c.FieldID == fieldID && c.ServerVersion == serverVersion {
			return true
		}
	}
	return false
}

func copyRecord(rec *types.Record) types.Record {
	out := *rec
	out.Fields = rec.Fields.Clone()
	out.Base = rec.Base.Clone()
	return out
}
