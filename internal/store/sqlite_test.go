package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id string) types.Record {
	now := time.Date(2026, 8, 14, 10, 30, 0, 123456789, time.UTC)
	return types.Record{
		ID:          id,
		BaseVersion: 3,
		Fields: types.FieldMap{
			types.FieldNameEnglish:   "Rajesh Kumar",
			types.FieldMobilePrimary: "9876543210",
		},
		Base: types.FieldMap{
			types.FieldNameEnglish: "Rajesh Kumar",
		},
		SyncStatus:  types.StatusSynced,
		LastUpdated: now,
		UpdatedBy:   "agent-7",
	}
}

func TestRecords_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec := sampleRecord("rec-1")
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// A tombstone with no base snapshot.
	tomb := sampleRecord("rec-2")
	tomb.Base = nil
	tomb.Deleted = true
	tomb.SyncStatus = types.StatusPending
	tomb.PendingVersion = 4
	if err := s.SaveRecord(ctx, tomb); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d records, want 2", len(loaded))
	}

	got := loaded[0]
	if got.ID != "rec-1" || got.BaseVersion != 3 {
		t.Errorf("got %s v%d, want rec-1 v3", got.ID, got.BaseVersion)
	}
	if got.Fields[types.FieldMobilePrimary] != "9876543210" {
		t.Errorf("fields not preserved: %v", got.Fields)
	}
	if got.Base[types.FieldNameEnglish] != "Rajesh Kumar" {
		t.Errorf("base not preserved: %v", got.Base)
	}
	if !got.LastUpdated.Equal(rec.LastUpdated) {
		t.Errorf("last_updated = %v, want %v", got.LastUpdated, rec.LastUpdated)
	}
	if got.UpdatedBy != "agent-7" {
		t.Errorf("updated_by = %q", got.UpdatedBy)
	}

	got = loaded[1]
	if !got.Deleted || got.Base != nil || got.PendingVersion != 4 {
		t.Errorf("tombstone not preserved: %+v", got)
	}
	if got.SyncStatus != types.StatusPending {
		t.Errorf("status = %q, want pending", got.SyncStatus)
	}
}

func TestSaveRecord_Upserts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec := sampleRecord("rec-1")
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.BaseVersion = 4
	rec.Fields[types.FieldMobilePrimary] = "8765432109"
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.BaseVersion != 4 || got.Fields[types.FieldMobilePrimary] != "8765432109" {
		t.Errorf("upsert not applied: %+v", got)
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	s := newStore(t)

	if _, err := s.GetRecord(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteRecord(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveRecord(ctx, sampleRecord("rec-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRecord(ctx, "rec-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRecord(ctx, "rec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestLoadRecords_CorruptRowFailsLoad(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveRecord(ctx, sampleRecord("rec-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, base_version, fields, sync_status, last_updated)
		VALUES ('rec-bad', 1, 'not json', 'synced', '2026-08-14T10:30:00Z')
	`); err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadRecords(ctx); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestLoadRecords_UnknownStatusIsCorrupt(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, base_version, fields, sync_status, last_updated)
		VALUES ('rec-1', 1, '{}', 'half-synced', '2026-08-14T10:30:00Z')
	`); err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadRecords(ctx); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestCountByStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i, status := range []types.SyncStatus{
		types.StatusSynced, types.StatusSynced, types.StatusPending, types.StatusConflict,
	} {
		rec := sampleRecord("rec-" + string(rune('a'+i)))
		rec.SyncStatus = status
		if err := s.SaveRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[types.StatusSynced] != 2 || counts[types.StatusPending] != 1 || counts[types.StatusConflict] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func sampleOperation(id string, at time.Time) types.Operation {
	return types.Operation{
		ID:        id,
		Kind:      types.OpUpdate,
		RecordID:  "rec-1",
		Delta:     types.FieldMap{types.FieldLocality: "Gandhi Nagar"},
		Actor:     "agent-7",
		CreatedAt: at,
		Status:    types.OpPending,
	}
}

func TestOperations_RoundTripAndOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)

	// Saved out of order; load must come back in creation order.
	second := sampleOperation("op-2", base.Add(time.Minute))
	second.Status = types.OpInFlight
	if err := s.SaveOperation(ctx, second); err != nil {
		t.Fatal(err)
	}
	first := sampleOperation("op-1", base)
	first.Status = types.OpFailed
	first.RetryCount = 8
	first.FailureReason = "schema violation"
	if err := s.SaveOperation(ctx, first); err != nil {
		t.Fatal(err)
	}
	del := sampleOperation("op-3", base.Add(2*time.Minute))
	del.Kind = types.OpDelete
	del.Delta = nil
	if err := s.SaveOperation(ctx, del); err != nil {
		t.Fatal(err)
	}

	ops, err := s.LoadPendingOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 3 {
		t.Fatalf("loaded %d operations, want 3", len(ops))
	}
	if ops[0].ID != "op-1" || ops[1].ID != "op-2" || ops[2].ID != "op-3" {
		t.Errorf("order = %s, %s, %s", ops[0].ID, ops[1].ID, ops[2].ID)
	}

	if ops[0].Status != types.OpFailed || ops[0].RetryCount != 8 || ops[0].FailureReason != "schema violation" {
		t.Errorf("failed op not preserved: %+v", ops[0])
	}
	// A crash mid-cycle must not strand an operation in flight.
	if ops[1].Status != types.OpPending {
		t.Errorf("in-flight op loaded as %q, want pending", ops[1].Status)
	}
	if ops[2].Kind != types.OpDelete || ops[2].Delta != nil {
		t.Errorf("delete op not preserved: %+v", ops[2])
	}
	if ops[0].Delta[types.FieldLocality] != "Gandhi Nagar" {
		t.Errorf("delta not preserved: %v", ops[0].Delta)
	}
}

func TestSaveOperations_Batch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)

	batch := []types.Operation{
		sampleOperation("op-1", base),
		sampleOperation("op-2", base.Add(time.Second)),
	}
	if err := s.SaveOperations(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveOperations(ctx, nil); err != nil {
		t.Fatal(err)
	}

	ops, err := s.LoadPendingOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Errorf("loaded %d operations, want 2", len(ops))
	}
}

func TestDeleteOperation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	op := sampleOperation("op-1", time.Now().UTC())
	if err := s.SaveOperation(ctx, op); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteOperation(ctx, "op-1"); err != nil {
		t.Fatal(err)
	}

	ops, err := s.LoadPendingOperations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 0 {
		t.Errorf("loaded %d operations, want 0", len(ops))
	}
}

func sampleConflict(id string) types.Conflict {
	return types.Conflict{
		ID:            id,
		RecordID:      "rec-1",
		FieldID:       types.FieldMobilePrimary,
		BaseValue:     "A",
		LocalValue:    "B",
		ServerValue:   "C",
		ServerVersion: 2,
		ResolvedWith:  types.ResolutionUnresolved,
		DetectedAt:    time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC),
	}
}

func TestConflicts_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveConflict(ctx, sampleConflict("conf-1")); err != nil {
		t.Fatal(err)
	}

	conflicts, err := s.LoadConflicts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("loaded %d conflicts, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.BaseValue != "A" || c.LocalValue != "B" || c.ServerValue != "C" || c.ServerVersion != 2 {
		t.Errorf("conflict not preserved: %+v", c)
	}
	if c.ResolvedWith != types.ResolutionUnresolved {
		t.Errorf("resolved_with = %q", c.ResolvedWith)
	}
}

func TestSaveConflict_ReplacesSameRecordField(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveConflict(ctx, sampleConflict("conf-1")); err != nil {
		t.Fatal(err)
	}

	// Re-detection of the same field carries a fresh id and newer values.
	redetected := sampleConflict("conf-2")
	redetected.ServerValue = "D"
	redetected.ServerVersion = 3
	if err := s.SaveConflict(ctx, redetected); err != nil {
		t.Fatal(err)
	}

	conflicts, err := s.LoadConflicts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("loaded %d conflicts, want 1 after replace", len(conflicts))
	}
	if conflicts[0].ID != "conf-2" || conflicts[0].ServerValue != "D" {
		t.Errorf("replace not applied: %+v", conflicts[0])
	}
}

func TestDeleteConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.SaveConflict(ctx, sampleConflict("conf-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteConflict(ctx, "conf-1"); err != nil {
		t.Fatal(err)
	}

	conflicts, err := s.LoadConflicts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 0 {
		t.Errorf("loaded %d conflicts, want 0", len(conflicts))
	}
}
