// Package store implements the in-memory relational table store (spec
// §4.2): tables, btree indexes, row identity, unique constraints,
// auto-increment, and the filter-expression evaluator used by both
// reducer ABI queries and subscription predicates. Row storage is
// arena-like with stable positions; index entries are (key, position)
// pairs over an immutable, copy-on-write Table snapshot so that a
// reader holding one never observes a partial write (spec §4.2, §5).
package store

import (
	"fmt"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
)

// ErrNotATable is returned when an ABI call or query references a
// table id that does not exist, or a column index out of range for it.
var ErrNotATable = engineerr.New(engineerr.NotFound, "table or column not found")

// IndexKind enumerates supported index implementations. Only BTree is
// required by the core; the type exists so a future kind does not
// require renumbering.
type IndexKind uint8

const (
	IndexBTree IndexKind = iota
)

// ColumnDef describes one field of a table's row type for the purposes
// the store cares about: its position and whether it participates in
// auto-increment.
type ColumnDef struct {
	Name     string
	AutoInc  bool
	ElemType satn.BuiltinKind // the builtin kind backing an AutoInc column
}

// Constraint is a named uniqueness rule over a single column, enforced
// atomically with insert/update (spec I4).
type Constraint struct {
	Name   string
	Column uint32
	Unique bool
}

type rowSlot struct {
	row  satn.Value
	live bool
}

// Table is an immutable-from-the-outside snapshot of one table's rows
// and indexes. Mutation always happens by cloning into a fresh Table
// (cloneForWrite) and swapping it into the Database under the write
// lock at commit time — never in place on a Table a reader might be
// holding.
type Table struct {
	ID          uint32
	Name        string
	RowType     satn.Type
	Public      bool
	Columns     []ColumnDef
	Constraints []Constraint

	rows     []rowSlot
	free     []uint32
	indexes  []*Index
	counters map[uint32]uint64
}

func newTable(id uint32, name string, rowType satn.Type, public bool, columns []ColumnDef) *Table {
	return &Table{
		ID:       id,
		Name:     name,
		RowType:  rowType,
		Public:   public,
		Columns:  columns,
		counters: make(map[uint32]uint64),
	}
}

// cloneForWrite returns a deep-enough copy of t so the returned Table's
// row arena and indexes can be mutated without affecting t or anyone
// holding a reference to t. Index btrees use persistent Clone(), which
// is cheap (O(1) amortized, shares unmodified nodes) rather than a
// full rebuild.
func (t *Table) cloneForWrite() *Table {
	nt := &Table{
		ID:          t.ID,
		Name:        t.Name,
		RowType:     t.RowType,
		Public:      t.Public,
		Columns:     t.Columns,
		Constraints: t.Constraints,
		rows:        append([]rowSlot(nil), t.rows...),
		free:        append([]uint32(nil), t.free...),
		counters:    make(map[uint32]uint64, len(t.counters)),
	}
	for col, v := range t.counters {
		nt.counters[col] = v
	}
	nt.indexes = make([]*Index, len(t.indexes))
	for i, idx := range t.indexes {
		nt.indexes[i] = idx.clone()
	}
	return nt
}

func (t *Table) indexOnColumn(col uint32) *Index {
	for _, idx := range t.indexes {
		if len(idx.Columns) == 1 && idx.Columns[0] == col {
			return idx
		}
	}
	return nil
}

func (t *Table) columnValue(row satn.Value, col uint32) (satn.Value, error) {
	fields := row.AsProduct()
	if fields == nil || int(col) >= len(fields) {
		return satn.Value{}, fmt.Errorf("store: column %d out of range", col)
	}
	return fields[col], nil
}

// liveRows returns every currently-live row in arena order. Arena order
// is not a documented iteration order guarantee — callers that need a
// stable order (e.g. tests) should sort explicitly.
func (t *Table) liveRows() []satn.Value {
	out := make([]satn.Value, 0, len(t.rows))
	for _, slot := range t.rows {
		if slot.live {
			out = append(out, slot.row)
		}
	}
	return out
}

// allocPosition returns a free arena slot, reusing a tombstoned one
// when available and otherwise appending a new slot.
func (t *Table) allocPosition() uint32 {
	if n := len(t.free); n > 0 {
		pos := t.free[n-1]
		t.free = t.free[:n-1]
		return pos
	}
	t.rows = append(t.rows, rowSlot{})
	return uint32(len(t.rows) - 1)
}

// applyAutoIncrement returns row with any AutoInc column whose value
// is the type's zero replaced by next(counter)+1 (spec §4.2); when a
// column is replaced the result is a copy and row itself is unchanged. Reinserted rows carrying a non-zero value in that column do
// not re-allocate.
func (t *Table) applyAutoIncrement(row satn.Value) (satn.Value, error) {
	fields := row.AsProduct()
	if fields == nil {
		return row, nil
	}
	changed := false
	newFields := fields
	for col, cd := range t.Columns {
		if !cd.AutoInc {
			continue
		}
		if col >= len(fields) {
			continue
		}
		if satn.IsZero(fields[col]) {
			if !changed {
				newFields = append([]satn.Value(nil), fields...)
				changed = true
			}
			t.counters[uint32(col)]++
			next := t.counters[uint32(col)]
			switch cd.ElemType {
			case satn.BuiltinI8, satn.BuiltinI16, satn.BuiltinI32, satn.BuiltinI64:
				newFields[col] = satn.I64Value(cd.ElemType, int64(next))
			default:
				newFields[col] = satn.U64Value(cd.ElemType, next)
			}
		} else {
			// Track the high-water mark so replay resumes correctly.
			v := fields[col].Builtin.U64
			if iv := fields[col].Builtin.I64; iv > 0 && uint64(iv) > v {
				v = uint64(iv)
			}
			if v > t.counters[uint32(col)] {
				t.counters[uint32(col)] = v
			}
		}
	}
	if !changed {
		return row, nil
	}
	return satn.Value{Kind: satn.ValueProduct, Product: &satn.ProductValue{Fields: newFields}}, nil
}
