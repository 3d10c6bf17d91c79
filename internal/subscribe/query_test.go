package subscribe

import (
	"testing"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
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
			satn.ProductElem{Type: satn.Builtin(satn.BuiltinI64)},
		),
	}}
	db := store.NewDatabase(ts)
	_, err := db.CreateTable("person", satn.RefType(0), true,
		[]store.ColumnDef{{Name: "id", AutoInc: true, ElemType: satn.BuiltinU64}, {Name: "name"}, {Name: "age"}},
		[]store.Constraint{{Name: "person_id_unique", Column: 0, Unique: true}},
	)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

func TestParseQuerySelectStar(t *testing.T) {
	db := newPersonDB(t)
	q, err := ParseQuery(db, identity.Identity{}, "SELECT * FROM person")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Table != "person" || q.Pred != nil {
		t.Fatalf("unexpected query: %+v", q)
	}
}

func TestParseQueryWhereStringEquality(t *testing.T) {
	db := newPersonDB(t)
	q, err := ParseQuery(db, identity.Identity{}, `SELECT * FROM person WHERE name = "Robert"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	row := satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 1), satn.StringValue("Robert"), satn.I64Value(satn.BuiltinI64, 30))
	match, err := store.Eval(q.Pred, row)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !match {
		t.Fatalf("expected row to match")
	}
}

func TestParseQueryCompoundPredicate(t *testing.T) {
	db := newPersonDB(t)
	q, err := ParseQuery(db, identity.Identity{}, `SELECT * FROM person WHERE age >= 18 AND (name = "Robert" OR name = "Alice")`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	match, err := store.Eval(q.Pred, satn.NewProductValue(
		satn.U64Value(satn.BuiltinU64, 2), satn.StringValue("Alice"), satn.I64Value(satn.BuiltinI64, 25)))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !match {
		t.Fatalf("expected Alice aged 25 to match")
	}
	noMatch, err := store.Eval(q.Pred, satn.NewProductValue(
		satn.U64Value(satn.BuiltinU64, 3), satn.StringValue("Carol"), satn.I64Value(satn.BuiltinI64, 25)))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if noMatch {
		t.Fatalf("expected Carol to not match")
	}
}

func TestParseQueryNotOperator(t *testing.T) {
	db := newPersonDB(t)
	q, err := ParseQuery(db, identity.Identity{}, `SELECT * FROM person WHERE NOT age < 18`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	match, err := store.Eval(q.Pred, satn.NewProductValue(
		satn.U64Value(satn.BuiltinU64, 1), satn.StringValue("x"), satn.I64Value(satn.BuiltinI64, 40)))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !match {
		t.Fatalf("expected age 40 to satisfy NOT age < 18")
	}
}

func TestParseQueryUnknownTable(t *testing.T) {
	db := newPersonDB(t)
	if _, err := ParseQuery(db, identity.Identity{}, "SELECT * FROM ghosts"); err == nil {
		t.Fatalf("expected error for unknown table")
	}
}

func TestParseQueryUnknownColumn(t *testing.T) {
	db := newPersonDB(t)
	if _, err := ParseQuery(db, identity.Identity{}, "SELECT * FROM person WHERE nickname = \"x\""); err == nil {
		t.Fatalf("expected error for unknown column")
	}
}

func TestParseQueryRejectsTrailingInput(t *testing.T) {
	db := newPersonDB(t)
	if _, err := ParseQuery(db, identity.Identity{}, "SELECT * FROM person WHERE age = 1 GARBAGE"); err == nil {
		t.Fatalf("expected error for trailing input")
	}
}

func TestParseQueryRejectsPrivateTableForNonOwner(t *testing.T) {
	db := newPersonDB(t)
	owner := identity.Derive("issuer", "owner")
	db.SetOwner(owner)
	if _, err := db.CreateTable("secrets", person0RowType(), false,
		[]store.ColumnDef{{Name: "value"}}, nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	intruder := identity.Derive("issuer", "intruder")
	if _, err := ParseQuery(db, intruder, "SELECT * FROM secrets"); !engineerr.Is(err, engineerr.NotSubscribed) {
		t.Fatalf("expected NotSubscribed, got %v", err)
	}
	if _, err := ParseQuery(db, owner, "SELECT * FROM secrets"); err != nil {
		t.Fatalf("owner should be able to subscribe: %v", err)
	}
}

func person0RowType() satn.Type { return satn.RefType(0) }
