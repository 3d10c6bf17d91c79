package txn

import (
	"testing"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
)

func newPersonDB(t *testing.T) *store.Database {
	t.Helper()
	ts := &satn.Typespace{Types: []satn.Type{
		satn.ProductType(
			satn.ProductElem{Type: satn.Builtin(satn.BuiltinU64)},
			satn.ProductElem{Type: satn.Builtin(satn.BuiltinString)},
		),
	}}
	db := store.NewDatabase(ts)
	if _, err := db.CreateTable("person", satn.RefType(0), true,
		[]store.ColumnDef{{Name: "id", AutoInc: true, ElemType: satn.BuiltinU64}, {Name: "name"}},
		[]store.Constraint{{Name: "person_id_unique", Column: 0, Unique: true}},
	); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func personRow(name string) satn.Value {
	return satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 0), satn.StringValue(name))
}

func TestBeginCommitInstallsChangesAndAssignsTxID(t *testing.T) {
	db := newPersonDB(t)
	mgr, err := Open(db, t.TempDir(), [32]byte{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tx := mgr.Begin(identity.Identity{}, nil, "add", nil)
	tableID, _ := db.GetTableID("person")
	if _, err := tx.Overlay.Insert(tableID, personRow("Robert")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec, err := tx.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if rec.TxID != 0 {
		t.Fatalf("expected first tx_id to be 0, got %d", rec.TxID)
	}
	if rec.Status != StatusCommitted {
		t.Fatalf("expected committed status, got %v", rec.Status)
	}

	rows, err := db.Snapshot().Iter(tableID)
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row installed, got %d", len(rows))
	}
}

func TestRollbackDiscardsOverlayAndReleasesLock(t *testing.T) {
	db := newPersonDB(t)
	mgr, err := Open(db, t.TempDir(), [32]byte{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tx := mgr.Begin(identity.Identity{}, nil, "add", nil)
	tableID, _ := db.GetTableID("person")
	if _, err := tx.Overlay.Insert(tableID, personRow("Robert")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tx.Rollback()

	rows, err := db.Snapshot().Iter(tableID)
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows after rollback, got %d", len(rows))
	}

	// Begin must not deadlock: Rollback released the write lock.
	tx2 := mgr.Begin(identity.Identity{}, nil, "add", nil)
	tx2.Rollback()
}

func TestRecoveryReplaysCommittedTransactionsAfterRestart(t *testing.T) {
	walDir := t.TempDir()

	db1 := newPersonDB(t)
	mgr1, err := Open(db1, walDir, [32]byte{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tableID, _ := db1.GetTableID("person")

	for _, name := range []string{"Robert", "Alice", "Carol"} {
		tx := mgr1.Begin(identity.Identity{}, nil, "add", nil)
		if _, err := tx.Overlay.Insert(tableID, personRow(name)); err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
		if _, err := tx.Commit(); err != nil {
			t.Fatalf("commit %s: %v", name, err)
		}
	}

	// Simulate a crash and restart: fresh Database, fresh Manager.Open
	// replaying the same WAL directory (spec P1 "log = state").
	db2 := newPersonDB(t)
	mgr2, err := Open(db2, walDir, [32]byte{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	rows, err := db2.Snapshot().Iter(tableID)
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows replayed, got %d", len(rows))
	}

	// tx_id allocation must resume at max+1, not restart at 0.
	tx := mgr2.Begin(identity.Identity{}, nil, "add", nil)
	if _, err := tx.Overlay.Insert(tableID, personRow("Dave")); err != nil {
		t.Fatalf("insert Dave: %v", err)
	}
	rec, err := tx.Commit()
	if err != nil {
		t.Fatalf("commit Dave: %v", err)
	}
	if rec.TxID != 3 {
		t.Fatalf("expected tx_id 3 after replaying 3 prior commits, got %d", rec.TxID)
	}
}

func TestRecoveryRejectsMismatchedSchemaHash(t *testing.T) {
	walDir := t.TempDir()
	db1 := newPersonDB(t)
	if _, err := Open(db1, walDir, [32]byte{1}); err != nil {
		t.Fatalf("open: %v", err)
	}

	db2 := newPersonDB(t)
	mgr, err := Open(db2, walDir, [32]byte{1})
	if err != nil {
		t.Fatalf("reopen with matching schema hash should succeed: %v", err)
	}
	_ = mgr

	db3 := newPersonDB(t)
	if _, err := Open(db3, walDir, [32]byte{2}); err == nil {
		t.Fatalf("expected schema hash mismatch to be rejected on replay")
	}
}
