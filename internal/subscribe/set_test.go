package subscribe

import (
	"sort"
	"testing"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
)

func insertPerson(t *testing.T, db *store.Database, name string, age int64) satn.Value {
	t.Helper()
	ov := db.NewOverlay()
	row := satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 0), satn.StringValue(name), satn.I64Value(satn.BuiltinI64, age))
	inserted, err := ov.Insert(0, row)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	db.Commit(ov)
	return inserted
}

func opNames(ups []TableUpdate) (inserts, deletes []string) {
	for _, u := range ups {
		name := u.Row.AsProduct()[1].Builtin.Str
		if u.Op == RowInsert {
			inserts = append(inserts, name)
		} else {
			deletes = append(deletes, name)
		}
	}
	sort.Strings(inserts)
	sort.Strings(deletes)
	return
}

func TestSubscribeMatchesExistingRows(t *testing.T) {
	db := newPersonDB(t)
	insertPerson(t, db, "Robert", 30)
	insertPerson(t, db, "Alice", 17)

	s := NewSet(db, identity.Identity{})
	upd, err := s.Subscribe([]string{"SELECT * FROM person WHERE age >= 18"}, 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ins, del := opNames(upd.Rows)
	if len(del) != 0 || len(ins) != 1 || ins[0] != "Robert" {
		t.Fatalf("unexpected rows: ins=%v del=%v", ins, del)
	}
}

func TestSubscribeReplaceEmitsDeleteForDroppedRows(t *testing.T) {
	db := newPersonDB(t)
	insertPerson(t, db, "Robert", 30)
	insertPerson(t, db, "Alice", 17)

	s := NewSet(db, identity.Identity{})
	if _, err := s.Subscribe([]string{"SELECT * FROM person"}, 1); err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	upd, err := s.Subscribe([]string{"SELECT * FROM person WHERE age >= 18"}, 2)
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	ins, del := opNames(upd.Rows)
	if len(ins) != 1 || ins[0] != "Robert" {
		t.Fatalf("expected Robert re-sent as insert, got %v", ins)
	}
	if len(del) != 1 || del[0] != "Alice" {
		t.Fatalf("expected Alice dropped as delete, got %v", del)
	}
}

func TestDiffReportsMatchingInsertAndIgnoresNonMatching(t *testing.T) {
	db := newPersonDB(t)
	s := NewSet(db, identity.Identity{})
	if _, err := s.Subscribe([]string{"SELECT * FROM person WHERE age >= 18"}, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ov := db.NewOverlay()
	adult, err := ov.Insert(0, satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 0), satn.StringValue("Robert"), satn.I64Value(satn.BuiltinI64, 30)))
	if err != nil {
		t.Fatalf("insert adult: %v", err)
	}
	_, err = ov.Insert(0, satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 0), satn.StringValue("Alice"), satn.I64Value(satn.BuiltinI64, 10)))
	if err != nil {
		t.Fatalf("insert minor: %v", err)
	}
	changes := ov.Changes()
	db.Commit(ov)

	rows, err := s.Diff(changes, 1)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	ins, del := opNames(rows)
	if len(del) != 0 || len(ins) != 1 || ins[0] != "Robert" {
		t.Fatalf("unexpected diff: ins=%v del=%v", ins, del)
	}
	_ = adult
}

func TestDiffOrdersDeletesBeforeInserts(t *testing.T) {
	db := newPersonDB(t)
	robert := insertPerson(t, db, "Robert", 30)

	s := NewSet(db, identity.Identity{})
	if _, err := s.Subscribe([]string{"SELECT * FROM person"}, 1); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ov := db.NewOverlay()
	if _, err := ov.DeleteByColEq(0, 1, satn.StringValue("Robert")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ov.Insert(0, satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 0), satn.StringValue("Alice"), satn.I64Value(satn.BuiltinI64, 22))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	changes := ov.Changes()
	db.Commit(ov)

	rows, err := s.Diff(changes, 2)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 row updates, got %d", len(rows))
	}
	if rows[0].Op != RowDelete || rows[1].Op != RowInsert {
		t.Fatalf("expected delete before insert, got %+v", rows)
	}
	_ = robert
}
