package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperengineering/fieldsync/internal/index"
	"github.com/hyperengineering/fieldsync/internal/outbox"
	"github.com/hyperengineering/fieldsync/internal/record"
	"github.com/hyperengineering/fieldsync/internal/types"
)

type nopPersister struct{}

func (nopPersister) SaveRecord(ctx context.Context, rec types.Record) error      { return nil }
func (nopPersister) DeleteRecord(ctx context.Context, id string) error           { return nil }
func (nopPersister) SaveConflict(ctx context.Context, c types.Conflict) error    { return nil }
func (nopPersister) DeleteConflict(ctx context.Context, id string) error         { return nil }
func (nopPersister) SaveOperation(ctx context.Context, op types.Operation) error { return nil }
func (nopPersister) SaveOperations(ctx context.Context, ops []types.Operation) error {
	return nil
}
func (nopPersister) DeleteOperation(ctx context.Context, id string) error { return nil }

func newEngine(t *testing.T) (*Engine, *outbox.Outbox) {
	t.Helper()
	idx := index.New()
	records := record.NewStore(nopPersister{}, idx)
	queue := outbox.New(nopPersister{}, 8)
	records.SetPendingChecker(queue)
	return New(records, queue, idx), queue
}

func TestCreateRecord(t *testing.T) {
	eng, queue := newEngine(t)

	rec, err := eng.CreateRecord(context.Background(), types.FieldMap{
		types.FieldNameEnglish: "Rajesh Kumar",
		types.FieldBoothNumber: "12",
	}, "agent-7")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" {
		t.Error("id must be generated")
	}
	if rec.SyncStatus != types.StatusPending {
		t.Errorf("status = %q, want pending", rec.SyncStatus)
	}

	ops := queue.All()
	if len(ops) != 1 || ops[0].Kind != types.OpCreate || ops[0].RecordID != rec.ID {
		t.Errorf("queue = %+v, want one create for %s", ops, rec.ID)
	}
	if ops[0].Actor != "agent-7" {
		t.Errorf("actor = %q", ops[0].Actor)
	}
}

func TestCreateRecord_Invalid(t *testing.T) {
	eng, queue := newEngine(t)

	_, err := eng.CreateRecord(context.Background(), types.FieldMap{"": "x"}, "agent-7")
	var vf *ValidationFailed
	if !errors.As(err, &vf) {
		t.Fatalf("err = %v, want ValidationFailed", err)
	}
	if len(vf.Errors) == 0 {
		t.Error("validation errors must be reported")
	}
	if len(queue.All()) != 0 {
		t.Error("invalid mutation must not reach the outbox")
	}
}

func TestUpdateRecord_CoalescesInOutbox(t *testing.T) {
	eng, queue := newEngine(t)
	ctx := context.Background()

	rec, err := eng.CreateRecord(ctx, types.FieldMap{types.FieldNameEnglish: "Rajesh Kumar"}, "agent-7")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.UpdateRecord(ctx, rec.ID, types.FieldMap{types.FieldLocality: "Gandhi Nagar"}, "agent-7"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.UpdateRecord(ctx, rec.ID, types.FieldMap{types.FieldLocality: "Nehru Colony"}, "agent-7"); err != nil {
		t.Fatal(err)
	}

	// Create plus one coalesced update.
	ops := queue.All()
	if len(ops) != 2 {
		t.Fatalf("queue = %d operations, want 2", len(ops))
	}
	if ops[1].Delta[types.FieldLocality] != "Nehru Colony" {
		t.Errorf("coalesced delta = %v", ops[1].Delta)
	}

	got, err := eng.GetRecord(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields[types.FieldLocality] != "Nehru Colony" {
		t.Errorf("record fields = %v", got.Fields)
	}
}

func TestDeleteRecord(t *testing.T) {
	eng, queue := newEngine(t)
	ctx := context.Background()

	rec, err := eng.CreateRecord(ctx, types.FieldMap{types.FieldNameEnglish: "Rajesh Kumar"}, "agent-7")
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.DeleteRecord(ctx, rec.ID, "agent-7"); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.GetRecord(rec.ID); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
	ops := queue.All()
	if len(ops) != 2 || ops[1].Kind != types.OpDelete {
		t.Errorf("queue = %+v, want create then delete", ops)
	}
}

func TestSearch(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	if _, err := eng.CreateRecord(ctx, types.FieldMap{
		types.FieldNameEnglish: "Rajesh Kumar",
		types.FieldBoothNumber: "12",
	}, "agent-7"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateRecord(ctx, types.FieldMap{
		types.FieldNameEnglish: "Sita Devi",
		types.FieldBoothNumber: "14",
	}, "agent-7"); err != nil {
		t.Fatal(err)
	}

	res := eng.Search(types.SearchFilters{Name: "rajesh"}, 10, 0)
	if res.Total != 1 || len(res.Records) != 1 {
		t.Fatalf("result = %+v, want one match", res)
	}
	if res.Records[0].Fields[types.FieldBoothNumber] != "12" {
		t.Errorf("matched wrong record: %v", res.Records[0].Fields)
	}
	if res.HasMore {
		t.Error("HasMore must be false for a full page")
	}
}

func TestDiscardOperation_RecomputesStatus(t *testing.T) {
	eng, queue := newEngine(t)
	ctx := context.Background()

	rec, err := eng.CreateRecord(ctx, types.FieldMap{types.FieldNameEnglish: "Rajesh Kumar"}, "agent-7")
	if err != nil {
		t.Fatal(err)
	}
	ops := queue.All()
	if _, err := queue.Drain(ctx, 1); err != nil {
		t.Fatal(err)
	}
	// Exhaust the retry budget so the operation can be discarded.
	for i := 0; i < 8; i++ {
		if err := queue.RecordAttempt(ctx, []string{ops[0].ID}, "connection refused"); err != nil {
			t.Fatal(err)
		}
	}

	if err := eng.DiscardOperation(ctx, ops[0].ID); err != nil {
		t.Fatal(err)
	}

	if len(queue.All()) != 0 {
		t.Error("discarded operation still queued")
	}
	got, err := eng.GetRecord(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != types.StatusSynced {
		t.Errorf("status = %q, want synced once nothing is pending", got.SyncStatus)
	}
}

func TestDiscardOperation_RecordGone(t *testing.T) {
	idx := index.New()
	records := record.NewStore(nopPersister{}, idx)
	queue := outbox.New(nopPersister{}, 1)
	records.SetPendingChecker(queue)
	eng := New(records, queue, idx)
	ctx := context.Background()

	rec, err := eng.CreateRecord(ctx, types.FieldMap{types.FieldNameEnglish: "Rajesh Kumar"}, "agent-7")
	if err != nil {
		t.Fatal(err)
	}
	ops := queue.All()
	if err := queue.RecordAttempt(ctx, []string{ops[0].ID}, "rejected"); err != nil {
		t.Fatal(err)
	}
	// The record is destroyed out from under its failed operation.
	if err := records.RemoveSynced(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}

	// Discard must still succeed: with the record gone there is no status
	// left to recompute.
	if err := eng.DiscardOperation(ctx, ops[0].ID); err != nil {
		t.Fatalf("discard = %v, want success when the record is gone", err)
	}
	if len(queue.All()) != 0 {
		t.Error("discarded operation still queued")
	}
}

func TestDiscardOperation_Unknown(t *testing.T) {
	eng, _ := newEngine(t)

	if err := eng.DiscardOperation(context.Background(), "ghost"); !errors.Is(err, outbox.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveConflict_ManualValueTooLong(t *testing.T) {
	eng, _ := newEngine(t)

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	_, err := eng.ResolveConflict(context.Background(), "rec-1", types.FieldLocality, types.ResolutionManual, string(long))
	var vf *ValidationFailed
	if !errors.As(err, &vf) {
		t.Fatalf("err = %v, want ValidationFailed", err)
	}
}

func TestStats(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	if _, err := eng.CreateRecord(ctx, types.FieldMap{types.FieldNameEnglish: "Rajesh Kumar"}, "agent-7"); err != nil {
		t.Fatal(err)
	}

	stats := eng.Stats()
	if stats.Records != 1 || stats.RecordsPending != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.OutboxPending != 1 || stats.OutboxFailed != 0 {
		t.Errorf("outbox stats = %+v", stats)
	}
	if stats.LastSyncAt != nil {
		t.Error("last sync must be empty before any cycle")
	}
}
