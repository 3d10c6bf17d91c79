package store

import (
	"testing"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
)

func newPersonDB(t *testing.T) (*Database, uint32) {
	t.Helper()
	ts := &satn.Typespace{Types: []satn.Type{
		satn.ProductType(
			satn.ProductElem{Type: satn.Builtin(satn.BuiltinU64)},
			satn.ProductElem{Type: satn.Builtin(satn.BuiltinString)},
		),
	}}
	db := NewDatabase(ts)
	tbl, err := db.CreateTable("person", satn.RefType(0), true,
		[]ColumnDef{{Name: "id", AutoInc: true, ElemType: satn.BuiltinU64}, {Name: "name"}},
		[]Constraint{{Name: "person_id_unique", Column: 0, Unique: true}},
	)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db, tbl.ID
}

func TestInsertAndIter(t *testing.T) {
	db, tid := newPersonDB(t)
	ov := db.NewOverlay()
	row := satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 0), satn.StringValue("Robert"))
	inserted, err := ov.Insert(tid, row)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted.AsProduct()[0].Builtin.U64 != 1 {
		t.Fatalf("expected auto-increment to assign 1, got %d", inserted.AsProduct()[0].Builtin.U64)
	}
	db.Commit(ov)

	snap := db.Snapshot()
	rows, err := snap.Iter(tid)
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

func TestUniqueViolationLeavesOneRow(t *testing.T) {
	db, tid := newPersonDB(t)

	ov1 := db.NewOverlay()
	row1 := satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 7), satn.StringValue("a"))
	if _, err := ov1.Insert(tid, row1); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	db.Commit(ov1)

	ov2 := db.NewOverlay()
	row2 := satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 7), satn.StringValue("b"))
	_, err := ov2.Insert(tid, row2)
	if err == nil {
		t.Fatalf("expected unique violation")
	}
	if !engineerr.Is(err, engineerr.UniqueViolation) {
		t.Fatalf("expected UniqueViolation kind, got %v", err)
	}
	ov2.Rollback()

	snap := db.Snapshot()
	rows, _ := snap.Iter(tid)
	if len(rows) != 1 {
		t.Fatalf("expected store to still contain exactly one row, got %d", len(rows))
	}
}

func TestDeleteByColEqUsesIndex(t *testing.T) {
	db, tid := newPersonDB(t)
	ov := db.NewOverlay()
	for i := 0; i < 3; i++ {
		row := satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 0), satn.StringValue("x"))
		if _, err := ov.Insert(tid, row); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	db.Commit(ov)

	ov2 := db.NewOverlay()
	n, err := ov2.DeleteByColEq(tid, 0, satn.U64Value(satn.BuiltinU64, 2))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deletion, got %d", n)
	}
	db.Commit(ov2)

	rows, _ := db.Snapshot().Iter(tid)
	if len(rows) != 2 {
		t.Fatalf("expected 2 remaining rows, got %d", len(rows))
	}
}

func TestIterFiltered(t *testing.T) {
	db, tid := newPersonDB(t)
	ov := db.NewOverlay()
	names := []string{"alice", "bob", "carol"}
	for _, n := range names {
		row := satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 0), satn.StringValue(n))
		if _, err := ov.Insert(tid, row); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	db.Commit(ov)

	pred := ColPredicate(1, OpEq, satn.StringValue("bob"))
	rows, err := db.Snapshot().IterFiltered(tid, pred)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(rows) != 1 || rows[0].AsProduct()[1].Builtin.Str != "bob" {
		t.Fatalf("unexpected filter result: %+v", rows)
	}
}

func TestSnapshotIsolationFromInFlightOverlay(t *testing.T) {
	db, tid := newPersonDB(t)
	snapBefore := db.Snapshot()

	ov := db.NewOverlay()
	row := satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 0), satn.StringValue("x"))
	if _, err := ov.Insert(tid, row); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Not committed yet: the earlier snapshot must still see zero rows.
	rows, _ := snapBefore.Iter(tid)
	if len(rows) != 0 {
		t.Fatalf("expected snapshot taken before commit to see 0 rows, got %d", len(rows))
	}
	db.Commit(ov)
	rowsAfter, _ := snapBefore.Iter(tid)
	if len(rowsAfter) != 0 {
		t.Fatalf("a previously-taken snapshot must not observe later commits, got %d rows", len(rowsAfter))
	}
	rowsNew, _ := db.Snapshot().Iter(tid)
	if len(rowsNew) != 1 {
		t.Fatalf("expected a fresh snapshot to see 1 row, got %d", len(rowsNew))
	}
}
