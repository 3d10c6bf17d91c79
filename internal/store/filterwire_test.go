package store

import (
	"testing"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
)

func TestFilterWireRoundTripColOp(t *testing.T) {
	p := ColPredicate(1, OpEq, satn.StringValue("bob"))
	wire, err := EncodeFilter(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFilter(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != PredColOp || got.Col != 1 || got.Op != OpEq {
		t.Fatalf("unexpected predicate: %+v", got)
	}
	if got.Literal.Builtin.Str != "bob" {
		t.Fatalf("expected literal 'bob', got %q", got.Literal.Builtin.Str)
	}
}

func TestFilterWireRoundTripCompound(t *testing.T) {
	p := And(
		ColPredicate(0, OpGe, satn.U64Value(satn.BuiltinU64, 10)),
		Or(
			ColPredicate(1, OpEq, satn.StringValue("x")),
			Not(ColPredicate(1, OpEq, satn.StringValue("y"))),
		),
	)
	wire, err := EncodeFilter(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFilter(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	row := satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 11), satn.StringValue("z"))
	match, err := Eval(got, row)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !match {
		t.Fatalf("expected row to match decoded predicate")
	}
}

func TestFilterWireRejectsTrailingBytes(t *testing.T) {
	p := ColPredicate(0, OpEq, satn.U64Value(satn.BuiltinU64, 1))
	wire, err := EncodeFilter(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeFilter(append(wire, 0xFF)); err == nil {
		t.Fatalf("expected error for trailing bytes")
	}
}
