package store

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/roach88/rewind/internal/ir"
)

func TestApplyMutation_Basic(t *testing.T) {
	s := createTestStore(t)
	s.SetIDGenerator(ir.NewFixedGenerator("delta-1"))

	stored := mustApply(t, s, createTestDelta("u1", "exp-1", ir.OpCreate, 400, day(1)))

	if stored.ID != "delta-1" {
		t.Errorf("id = %q, want delta-1", stored.ID)
	}
	if stored.Seq != 1 {
		t.Errorf("seq = %d, want 1", stored.Seq)
	}
	if len(stored.IdempotencyKey) != 64 {
		t.Errorf("idempotency key length = %d, want 64", len(stored.IdempotencyKey))
	}
	if !reflect.DeepEqual(stored.ChangedFields, []string{"amount", "status"}) {
		t.Errorf("changed fields = %v", stored.ChangedFields)
	}

	var record string
	err := s.db.QueryRow(`
		SELECT record FROM resources
		WHERE user_id = 'u1' AND resource_type = 'expense' AND resource_id = 'exp-1'
	`).Scan(&record)
	if err != nil {
		t.Fatalf("live row missing: %v", err)
	}
	if record != `{"amount":400,"status":"completed"}` {
		t.Errorf("live record = %s", record)
	}
}

func TestApplyMutation_FillsBeforeStateFromLive(t *testing.T) {
	s := createTestStore(t)
	mustApply(t, s, createTestDelta("u1", "exp-1", ir.OpCreate, 400, day(1)))

	upd := mustApply(t, s, createTestDelta("u1", "exp-1", ir.OpUpdate, 450, day(2)))
	if got, _ := upd.BeforeState.GetInt("amount"); got != 400 {
		t.Errorf("before amount = %d, want 400", got)
	}
	if !reflect.DeepEqual(upd.ChangedFields, []string{"amount"}) {
		t.Errorf("changed fields = %v, want [amount]", upd.ChangedFields)
	}

	del := mustApply(t, s, createTestDelta("u1", "exp-1", ir.OpDelete, 0, day(3)))
	if got, _ := del.BeforeState.GetInt("amount"); got != 450 {
		t.Errorf("delete before amount = %d, want 450", got)
	}
	if del.AfterState != nil {
		t.Errorf("delete after state = %v, want nil", del.AfterState)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM resources`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("live rows after delete = %d, want 0", count)
	}
}

func TestApplyMutation_DuplicateDeliveryIsIgnored(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	d := createTestDelta("u1", "exp-1", ir.OpCreate, 400, day(1))

	first := mustApply(t, s, d)

	again, inserted, err := s.ApplyMutation(ctx, d)
	if err != nil {
		t.Fatalf("duplicate ApplyMutation() failed: %v", err)
	}
	if inserted {
		t.Error("duplicate delivery should not insert")
	}
	if again.ID != first.ID || again.Seq != first.Seq {
		t.Errorf("duplicate returned %s/%d, want %s/%d", again.ID, again.Seq, first.ID, first.Seq)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM deltas`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("deltas = %d, want 1", count)
	}
}

func TestApplyMutation_LifecycleValidation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, _, err := s.ApplyMutation(ctx, createTestDelta("u1", "exp-1", ir.OpUpdate, 1, day(1)))
	if !errors.Is(err, ErrMissingCreate) {
		t.Errorf("UPDATE before CREATE: err = %v, want ErrMissingCreate", err)
	}

	mustApply(t, s, createTestDelta("u1", "exp-1", ir.OpCreate, 1, day(2)))

	_, _, err = s.ApplyMutation(ctx, createTestDelta("u1", "exp-1", ir.OpUpdate, 2, day(1)))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("backdated UPDATE: err = %v, want ErrOutOfOrder", err)
	}

	// A re-emitted CREATE is a legal duplicate emission.
	mustApply(t, s, createTestDelta("u1", "exp-1", ir.OpCreate, 3, day(3)))
	mustApply(t, s, createTestDelta("u1", "exp-1", ir.OpDelete, 0, day(4)))

	for _, op := range []ir.Operation{ir.OpCreate, ir.OpUpdate, ir.OpDelete} {
		_, _, err = s.ApplyMutation(ctx, createTestDelta("u1", "exp-1", op, 4, day(5)))
		if !errors.Is(err, ErrResourceDeleted) {
			t.Errorf("%s after DELETE: err = %v, want ErrResourceDeleted", op, err)
		}
	}
}

func TestApplyMutation_RejectsDeltaBeforeSnapshot(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.WriteSnapshot(ctx, createTestSnapshot("snap-1", "u1", day(5))); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	_, _, err := s.ApplyMutation(ctx, createTestDelta("u1", "exp-1", ir.OpCreate, 1, day(5)))
	if !errors.Is(err, ErrBeforeSnapshot) {
		t.Errorf("delta at snapshot date: err = %v, want ErrBeforeSnapshot", err)
	}

	mustApply(t, s, createTestDelta("u1", "exp-1", ir.OpCreate, 1, day(6)))

	// Other users are unaffected.
	mustApply(t, s, createTestDelta("u2", "exp-1", ir.OpCreate, 1, day(1)))
}

func TestApplyMutation_InvalidDelta(t *testing.T) {
	s := createTestStore(t)

	d := createTestDelta("u1", "exp-1", ir.OpCreate, 1, day(1))
	d.ResourceType = "invoice"
	if _, _, err := s.ApplyMutation(context.Background(), d); err == nil {
		t.Error("unknown resource type should be rejected")
	}
}

func TestAppendDelta_DoesNotTouchLiveView(t *testing.T) {
	s := createTestStore(t)

	_, inserted, err := s.AppendDelta(context.Background(), createTestDelta("u1", "exp-1", ir.OpCreate, 1, day(1)))
	if err != nil {
		t.Fatalf("AppendDelta() failed: %v", err)
	}
	if !inserted {
		t.Error("AppendDelta() should insert")
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM resources`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("live rows = %d, want 0", count)
	}
}

func TestWriteSnapshot_AssignsSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.WriteSnapshot(ctx, createTestSnapshot("snap-a", "u1", day(1)))
	if err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}
	b, err := s.WriteSnapshot(ctx, createTestSnapshot("snap-b", "u1", day(1)))
	if err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}
	if b.Seq <= a.Seq {
		t.Errorf("seq not increasing: %d then %d", a.Seq, b.Seq)
	}

	if _, err := s.WriteSnapshot(ctx, createTestSnapshot("snap-a", "u1", day(2))); err == nil {
		t.Error("duplicate snapshot id should fail")
	}
}

func TestApplyMutation_ResourceIDUniqueAcrossTypes(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	mustApply(t, s, createTestDelta("u1", "x", ir.OpCreate, 10, day(1)))

	goal := createTestDelta("u1", "x", ir.OpCreate, 0, day(2))
	goal.ResourceType = ir.ResourceGoal
	goal.AfterState = ir.Object{"name": ir.String("Trip"), "target_amount": ir.Int(500)}
	if _, _, err := s.ApplyMutation(ctx, goal); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("re-CREATE under another type: err = %v, want ErrTypeMismatch", err)
	}

	deltas, err := s.ReadResourceDeltas(ctx, "u1", "x")
	if err != nil {
		t.Fatal(err)
	}
	if len(deltas) != 1 || deltas[0].ResourceType != ir.ResourceExpense {
		t.Errorf("history = %+v, want the single expense CREATE", deltas)
	}

	// Another user may use the same id for any type.
	goal.UserID = "u2"
	mustApply(t, s, goal)
}

func TestApplyMutation_RejectsNonNormalizedIDs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, _, err := s.ApplyMutation(ctx, createTestDelta("u1", "cafe\u0301", ir.OpCreate, 500, day(1))); err == nil {
		t.Error("decomposed resource id should be rejected")
	}
	if _, _, err := s.ApplyMutation(ctx, createTestDelta("u1", "exp-\xff", ir.OpCreate, 500, day(1))); err == nil {
		t.Error("invalid UTF-8 resource id should be rejected")
	}

	stored := mustApply(t, s, createTestDelta("u1", "caf\u00e9", ir.OpCreate, 500, day(1)))
	if stored.ResourceID != "caf\u00e9" {
		t.Errorf("resource id = %q", stored.ResourceID)
	}
}
