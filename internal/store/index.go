package store

import (
	"fmt"

	"github.com/google/btree"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
)

// Index is a single-column btree index (spec §3: "only single-column
// btree indexes are required in the core; multi-column is reserved").
// Keys use the total order satn.Compare imposes on the column's Value.
type Index struct {
	Name    string
	TableID uint32
	Columns []uint32
	Kind    IndexKind
	Unique  bool

	tree *btree.BTree
}

// indexEntry is one (key, position) pair stored in the btree; it
// implements btree.Item so equal keys with different positions remain
// distinct tree entries (non-unique indexes may hold duplicates).
type indexEntry struct {
	key satn.Value
	pos uint32
}

func (e *indexEntry) Less(than btree.Item) bool {
	o := than.(*indexEntry)
	if c := satn.Compare(e.key, o.key); c != 0 {
		return c < 0
	}
	return e.pos < o.pos
}

const btreeDegree = 32

func newIndex(name string, tableID uint32, columns []uint32, kind IndexKind, unique bool) *Index {
	return &Index{
		Name:    name,
		TableID: tableID,
		Columns: columns,
		Kind:    kind,
		Unique:  unique,
		tree:    btree.New(btreeDegree),
	}
}

func (idx *Index) clone() *Index {
	return &Index{
		Name:    idx.Name,
		TableID: idx.TableID,
		Columns: idx.Columns,
		Kind:    idx.Kind,
		Unique:  idx.Unique,
		tree:    idx.tree.Clone(),
	}
}

// hasKey reports whether any entry in the index currently carries key,
// used to detect a UniqueViolation before a row is stored (spec I4).
func (idx *Index) hasKey(key satn.Value) bool {
	found := false
	idx.tree.AscendGreaterOrEqual(&indexEntry{key: key, pos: 0}, func(i btree.Item) bool {
		e := i.(*indexEntry)
		if satn.Compare(e.key, key) == 0 {
			found = true
		}
		return false
	})
	return found
}

func (idx *Index) insert(key satn.Value, pos uint32) {
	idx.tree.ReplaceOrInsert(&indexEntry{key: key, pos: pos})
}

func (idx *Index) delete(key satn.Value, pos uint32) {
	idx.tree.Delete(&indexEntry{key: key, pos: pos})
}

// positionsForKey returns every arena position whose indexed column
// equals key, in key order (ties broken by position).
func (idx *Index) positionsForKey(key satn.Value) []uint32 {
	var out []uint32
	idx.tree.AscendGreaterOrEqual(&indexEntry{key: key, pos: 0}, func(i btree.Item) bool {
		e := i.(*indexEntry)
		if satn.Compare(e.key, key) != 0 {
			return false
		}
		out = append(out, e.pos)
		return true
	})
	return out
}

// createIndex adds a new index over t. Overlay.CreateIndex calls it on
// the working table copy, so it participates in the same copy-on-write
// discipline as row mutations; Database.CreateTable calls it on a table
// it is still building.
func (t *Table) createIndex(name string, columns []uint32, kind IndexKind, unique bool) (*Index, error) {
	if kind != IndexBTree {
		return nil, fmt.Errorf("store: unsupported index kind %d", kind)
	}
	if len(columns) != 1 {
		return nil, fmt.Errorf("store: multi-column indexes are reserved, got %d columns", len(columns))
	}
	idx := newIndex(name, t.ID, columns, kind, unique)
	for pos, slot := range t.rows {
		if !slot.live {
			continue
		}
		key, err := t.columnValue(slot.row, columns[0])
		if err != nil {
			return nil, err
		}
		if unique && idx.hasKey(key) {
			return nil, engineerr.New(engineerr.UniqueViolation, fmt.Sprintf("existing duplicate value for new unique index %q", name))
		}
		idx.insert(key, uint32(pos))
	}
	t.indexes = append(t.indexes, idx)
	return idx, nil
}
