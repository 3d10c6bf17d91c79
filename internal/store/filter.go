package store

import (
	"fmt"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
)

// CompareOp is one comparison operator from the §6.2 grammar.
type CompareOp uint8

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// PredKind tags the variant held by a Predicate.
type PredKind uint8

const (
	PredColOp PredKind = iota
	PredAnd
	PredOr
	PredNot
)

// Predicate is the small filter-expression tree evaluated against a
// single row: column-op-literal, conjunction, disjunction, or negation
// (spec §4.2, §6.2). It is decidable on a single row — no cross-row
// state, matching the §6.2 grammar restriction.
type Predicate struct {
	Kind    PredKind
	Col     uint32
	Op      CompareOp
	Literal satn.Value
	Left    *Predicate
	Right   *Predicate
}

func ColPredicate(col uint32, op CompareOp, literal satn.Value) *Predicate {
	return &Predicate{Kind: PredColOp, Col: col, Op: op, Literal: literal}
}

func And(l, r *Predicate) *Predicate { return &Predicate{Kind: PredAnd, Left: l, Right: r} }
func Or(l, r *Predicate) *Predicate  { return &Predicate{Kind: PredOr, Left: l, Right: r} }
func Not(p *Predicate) *Predicate    { return &Predicate{Kind: PredNot, Left: p} }

// Eval evaluates p against row. An out-of-range column index is a
// malformed-query condition surfaced as an error rather than silently
// treated as non-matching.
func Eval(p *Predicate, row satn.Value) (bool, error) {
	if p == nil {
		return true, nil
	}
	switch p.Kind {
	case PredColOp:
		fields := row.AsProduct()
		if fields == nil || int(p.Col) >= len(fields) {
			return false, fmt.Errorf("store: predicate column %d out of range", p.Col)
		}
		c := satn.Compare(fields[p.Col], p.Literal)
		switch p.Op {
		case OpEq:
			return c == 0, nil
		case OpNe:
			return c != 0, nil
		case OpLt:
			return c < 0, nil
		case OpLe:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		case OpGe:
			return c >= 0, nil
		default:
			return false, fmt.Errorf("store: unknown compare op %d", p.Op)
		}
	case PredAnd:
		l, err := Eval(p.Left, row)
		if err != nil || !l {
			return false, err
		}
		return Eval(p.Right, row)
	case PredOr:
		l, err := Eval(p.Left, row)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return Eval(p.Right, row)
	case PredNot:
		v, err := Eval(p.Left, row)
		if err != nil {
			return false, err
		}
		return !v, nil
	default:
		return false, fmt.Errorf("store: unknown predicate kind %d", p.Kind)
	}
}
