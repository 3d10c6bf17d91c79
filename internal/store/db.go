package store

import (
	"fmt"
	"sync"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
)

// RowOp tags whether a ChangeOp inserted or deleted a row.
type RowOp uint8

const (
	OpInsert RowOp = iota
	OpDelete
)

// ChangeOp is one entry of a transaction's change set (spec §3): the
// table it touched, whether it was an insert or delete, and the row
// value. Change sets are ordered exactly as the reducer produced them.
type ChangeOp struct {
	TableID uint32
	Op      RowOp
	Row     satn.Value
}

// ChangeSet is the ordered sequence a single committed transaction
// contributes; the distributor (C6) diffs it against each
// subscription (spec §4.6).
type ChangeSet []ChangeOp

// Database holds the committed state of one SpacetimeDB database: its
// frozen Typespace and the current Table snapshots, each installed by
// pointer swap at commit time so concurrent readers never observe a
// partially-applied transaction (spec I1, §5).
type Database struct {
	mu         sync.RWMutex
	Typespace  *satn.Typespace
	tables     map[string]*Table
	byID       map[uint32]*Table
	nextTableID uint32

	owner identity.Identity
}

func NewDatabase(ts *satn.Typespace) *Database {
	return &Database{
		Typespace: ts,
		tables:    make(map[string]*Table),
		byID:      make(map[uint32]*Table),
	}
}

// SetOwner records the identity that published this database. Only the
// owner may subscribe to a non-public table (spec §3: "public governs
// whether non-owner identities may subscribe").
func (db *Database) SetOwner(owner identity.Identity) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.owner = owner
}

// Owner returns the identity that published this database.
func (db *Database) Owner() identity.Identity {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.owner
}

// CanSubscribe reports whether caller may subscribe to queries against
// tbl (spec §3): every identity may read a public table, but a private
// table is visible only to the database owner.
func (db *Database) CanSubscribe(caller identity.Identity, tbl *Table) bool {
	if tbl.Public {
		return true
	}
	return caller.Equal(db.Owner())
}

// CreateTable declares a new table. Tables are created at publish
// time, outside the transactional overlay: there is no reducer-facing
// "create table" ABI call (spec §6.3 lists no such import), so no
// write-lock contention with in-flight reducers is possible here.
func (db *Database) CreateTable(name string, rowType satn.Type, public bool, columns []ColumnDef, constraints []Constraint) (*Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.tables[name]; exists {
		return nil, engineerr.New(engineerr.BadRequest, fmt.Sprintf("table %q already exists", name))
	}
	id := db.nextTableID
	db.nextTableID++
	t := newTable(id, name, rowType, public, columns)
	t.Constraints = constraints
	for _, c := range constraints {
		if c.Unique {
			if _, err := t.createIndex(c.Name, []uint32{c.Column}, IndexBTree, true); err != nil {
				return nil, err
			}
		}
	}
	db.tables[name] = t
	db.byID[id] = t
	return t, nil
}

func (db *Database) GetTableID(name string) (uint32, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[name]
	if !ok {
		return 0, false
	}
	return t.ID, true
}

func (db *Database) TableByID(id uint32) (*Table, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.byID[id]
	return t, ok
}

func (db *Database) TableByName(name string) (*Table, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[name]
	return t, ok
}

// Tables returns every table's current snapshot, used by WAL replay
// verification and by the subscription distributor to enumerate
// subscribable tables.
func (db *Database) Tables() []*Table {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Table, 0, len(db.byID))
	for _, t := range db.byID {
		out = append(out, t)
	}
	return out
}

// Snapshot captures the currently-installed Table pointers. Because
// Tables are never mutated in place, holding a Snapshot guarantees a
// read-consistent view for as long as the caller needs it, without
// blocking the writer (spec §4.2, §5).
type Snapshot struct {
	byID map[uint32]*Table
	byName map[string]*Table
}

func (db *Database) Snapshot() *Snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()
	s := &Snapshot{
		byID:   make(map[uint32]*Table, len(db.byID)),
		byName: make(map[string]*Table, len(db.tables)),
	}
	for id, t := range db.byID {
		s.byID[id] = t
	}
	for name, t := range db.tables {
		s.byName[name] = t
	}
	return s
}

func (s *Snapshot) TableByID(id uint32) (*Table, bool) {
	t, ok := s.byID[id]
	return t, ok
}

func (s *Snapshot) TableByName(name string) (*Table, bool) {
	t, ok := s.byName[name]
	return t, ok
}

func (s *Snapshot) Iter(tableID uint32) ([]satn.Value, error) {
	t, ok := s.byID[tableID]
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("table %d", tableID))
	}
	return t.liveRows(), nil
}

func (s *Snapshot) IterFiltered(tableID uint32, pred *Predicate) ([]satn.Value, error) {
	rows, err := s.Iter(tableID)
	if err != nil {
		return nil, err
	}
	out := make([]satn.Value, 0, len(rows))
	for _, row := range rows {
		ok, err := Eval(pred, row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// Overlay buffers the mutations of one in-flight write transaction.
// Touched tables are cloned lazily on first write (cloneForWrite) so
// the transaction's changes are invisible to any reader holding an
// older Snapshot until Commit installs them (spec I1, I2).
type Overlay struct {
	db      *Database
	working map[uint32]*Table
	changes ChangeSet
}

func (db *Database) NewOverlay() *Overlay {
	return &Overlay{db: db, working: make(map[uint32]*Table)}
}

func (ov *Overlay) table(tableID uint32) (*Table, error) {
	if t, ok := ov.working[tableID]; ok {
		return t, nil
	}
	base, ok := ov.db.TableByID(tableID)
	if !ok {
		return nil, engineerr.New(engineerr.NotFound, fmt.Sprintf("table %d", tableID))
	}
	clone := base.cloneForWrite()
	ov.working[tableID] = clone
	return clone, nil
}

// Insert typechecks and inserts row, filling any AutoInc columns, and
// enforces every unique constraint atomically with the insert (spec
// I4): on UniqueViolation the row is not stored and the overlay is
// left as if the call never happened except for whatever point the
// caller chooses to react to the error (the whole transaction rolls
// back regardless — spec §4.3).
func (ov *Overlay) Insert(tableID uint32, row satn.Value) (satn.Value, error) {
	t, err := ov.table(tableID)
	if err != nil {
		return satn.Value{}, err
	}
	if err := satn.Typecheck(ov.db.Typespace, t.RowType, row); err != nil {
		return satn.Value{}, engineerr.Wrap(engineerr.TypeMismatch, "insert row does not conform to table type", err)
	}
	row, err = t.applyAutoIncrement(row)
	if err != nil {
		return satn.Value{}, err
	}
	keys := make([]satn.Value, len(t.indexes))
	for i, idx := range t.indexes {
		key, err := t.columnValue(row, idx.Columns[0])
		if err != nil {
			return satn.Value{}, err
		}
		if idx.Unique && idx.hasKey(key) {
			return satn.Value{}, engineerr.New(engineerr.UniqueViolation, fmt.Sprintf("duplicate value for unique index %q", idx.Name))
		}
		keys[i] = key
	}
	pos := t.allocPosition()
	t.rows[pos] = rowSlot{row: row, live: true}
	for i, idx := range t.indexes {
		idx.insert(keys[i], pos)
	}
	ov.changes = append(ov.changes, ChangeOp{TableID: tableID, Op: OpInsert, Row: row})
	return row, nil
}

// DeleteByColEq removes every row whose col field equals val, using an
// index on col if one exists, falling back to a full scan otherwise
// (spec §4.2).
func (ov *Overlay) DeleteByColEq(tableID uint32, col uint32, val satn.Value) (uint32, error) {
	t, err := ov.table(tableID)
	if err != nil {
		return 0, err
	}
	var positions []uint32
	if idx := t.indexOnColumn(col); idx != nil {
		positions = idx.positionsForKey(val)
	} else {
		for pos, slot := range t.rows {
			if !slot.live {
				continue
			}
			v, err := t.columnValue(slot.row, col)
			if err != nil {
				return 0, err
			}
			if satn.Compare(v, val) == 0 {
				positions = append(positions, uint32(pos))
			}
		}
	}
	var n uint32
	for _, pos := range positions {
		slot := t.rows[pos]
		if !slot.live {
			continue
		}
		for _, idx := range t.indexes {
			key, err := t.columnValue(slot.row, idx.Columns[0])
			if err != nil {
				return 0, err
			}
			idx.delete(key, pos)
		}
		t.rows[pos] = rowSlot{}
		t.free = append(t.free, pos)
		ov.changes = append(ov.changes, ChangeOp{TableID: tableID, Op: OpDelete, Row: slot.row})
		n++
	}
	return n, nil
}

func (ov *Overlay) Iter(tableID uint32) ([]satn.Value, error) {
	t, err := ov.table(tableID)
	if err != nil {
		return nil, err
	}
	return t.liveRows(), nil
}

func (ov *Overlay) IterByColEq(tableID uint32, col uint32, val satn.Value) ([]satn.Value, error) {
	t, err := ov.table(tableID)
	if err != nil {
		return nil, err
	}
	if idx := t.indexOnColumn(col); idx != nil {
		positions := idx.positionsForKey(val)
		out := make([]satn.Value, 0, len(positions))
		for _, pos := range positions {
			if t.rows[pos].live {
				out = append(out, t.rows[pos].row)
			}
		}
		return out, nil
	}
	out := make([]satn.Value, 0)
	for _, slot := range t.rows {
		if !slot.live {
			continue
		}
		v, err := t.columnValue(slot.row, col)
		if err != nil {
			return nil, err
		}
		if satn.Compare(v, val) == 0 {
			out = append(out, slot.row)
		}
	}
	return out, nil
}

func (ov *Overlay) IterFiltered(tableID uint32, pred *Predicate) ([]satn.Value, error) {
	rows, err := ov.Iter(tableID)
	if err != nil {
		return nil, err
	}
	out := make([]satn.Value, 0, len(rows))
	for _, row := range rows {
		ok, err := Eval(pred, row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// ApplyReplayOp re-applies a previously-committed ChangeOp during WAL
// replay (spec §4.3: "replays change sets in order into an empty
// store"). Inserts reuse the normal auto-increment logic, which
// preserves already-assigned column values rather than reallocating
// them (spec §4.2). Deletes remove the first live row that is
// structurally equal to op.Row, since a delete's change-set entry
// records the row it removed rather than the column/value that
// selected it.
func (ov *Overlay) ApplyReplayOp(op ChangeOp) error {
	switch op.Op {
	case OpInsert:
		_, err := ov.Insert(op.TableID, op.Row)
		return err
	case OpDelete:
		t, err := ov.table(op.TableID)
		if err != nil {
			return err
		}
		for pos, slot := range t.rows {
			if !slot.live || !satn.Equal(slot.row, op.Row) {
				continue
			}
			for _, idx := range t.indexes {
				key, err := t.columnValue(slot.row, idx.Columns[0])
				if err != nil {
					return err
				}
				idx.delete(key, uint32(pos))
			}
			t.rows[pos] = rowSlot{}
			t.free = append(t.free, uint32(pos))
			return nil
		}
		return engineerr.New(engineerr.WalCorrupt, fmt.Sprintf("replay delete: row not found in table %d", op.TableID))
	default:
		return fmt.Errorf("store: unknown replay op %d", op.Op)
	}
}

func (ov *Overlay) CreateIndex(tableID uint32, name string, columns []uint32, kind IndexKind, unique bool) error {
	t, err := ov.table(tableID)
	if err != nil {
		return err
	}
	_, err = t.createIndex(name, columns, kind, unique)
	return err
}

// Changes returns the ordered change set accumulated so far.
func (ov *Overlay) Changes() ChangeSet { return ov.changes }

// Commit installs every table this overlay touched into db by pointer
// swap under the write lock and returns the ordered change set (spec
// I1, I2, I3). Commit and CreateTable are the only mutators of
// db.tables/db.byID.
func (db *Database) Commit(ov *Overlay) ChangeSet {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id, t := range ov.working {
		db.byID[id] = t
		db.tables[t.Name] = t
	}
	return ov.changes
}

// Rollback discards an overlay. Nothing in db was ever mutated, so
// this is a no-op kept for symmetry with Commit and to make call
// sites read like the transaction lifecycle they model (spec §4.3).
func (ov *Overlay) Rollback() {}
