package subscribe

import (
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
)

// RowOp mirrors store.RowOp for the wire-facing delta a subscription
// emits — kept distinct from store.RowOp since a subscription delta is
// a client-facing concept, not a storage one.
type RowOp uint8

const (
	RowInsert RowOp = iota
	RowDelete
)

// TableUpdate is one row delta a subscription contributes to an
// outbound message (spec §6.1 `TableUpdate`).
type TableUpdate struct {
	TableID uint32
	Table   string
	Op      RowOp
	Row     satn.Value
}

// SubscriptionUpdate is the reply to `Subscribe` (spec §6.1
// `SubscriptionUpdate`): every row the new query set matches as an
// Insert, plus a Delete for every row the prior query set matched that
// the new one doesn't.
type SubscriptionUpdate struct {
	TxID uint64
	Rows []TableUpdate
}

// Set is one connection's subscription: its parsed query set plus the
// row set currently matched, keyed per table by the row's canonical
// BSATN encoding so two overlapping queries over the same table
// collapse a doubly-matched row to one entry (spec §4.6).
type Set struct {
	db       *store.Database
	caller   identity.Identity
	queries  []*Query
	matched  map[uint32]map[string]satn.Value // tableID -> rowKey -> row
	lastTxID uint64
}

func NewSet(db *store.Database, caller identity.Identity) *Set {
	return &Set{db: db, caller: caller, matched: make(map[uint32]map[string]satn.Value)}
}

// Queries reports the currently active query set.
func (s *Set) Queries() []*Query { return s.queries }

// Subscribe parses queryStrings, evaluates them against a fresh
// snapshot, and atomically replaces the prior query set and
// materialized rows — satisfying P5 ("immediately after Subscribe
// returns, the client's row set equals the evaluation of its query set
// against the committed snapshot at the returned tx_id") and the
// Subscribe protocol's five steps (spec §4.6 line 118).
func (s *Set) Subscribe(queryStrings []string, txID uint64) (SubscriptionUpdate, error) {
	queries := make([]*Query, 0, len(queryStrings))
	for _, q := range queryStrings {
		parsed, err := ParseQuery(s.db, s.caller, q)
		if err != nil {
			return SubscriptionUpdate{}, err
		}
		queries = append(queries, parsed)
	}

	snap := s.db.Snapshot()
	newMatched := make(map[uint32]map[string]satn.Value)
	for _, q := range queries {
		rows, err := snap.IterFiltered(q.TableID, q.Pred)
		if err != nil {
			return SubscriptionUpdate{}, err
		}
		bucket := newMatched[q.TableID]
		if bucket == nil {
			bucket = make(map[string]satn.Value)
			newMatched[q.TableID] = bucket
		}
		tbl, _ := snap.TableByID(q.TableID)
		for _, row := range rows {
			key, err := s.rowKey(tbl, row)
			if err != nil {
				return SubscriptionUpdate{}, err
			}
			bucket[key] = row
		}
	}

	upd := SubscriptionUpdate{TxID: txID}

	for tableID, oldBucket := range s.matched {
		newBucket := newMatched[tableID]
		name := s.tableName(tableID)
		for key, row := range oldBucket {
			if _, still := newBucket[key]; !still {
				upd.Rows = append(upd.Rows, TableUpdate{TableID: tableID, Table: name, Op: RowDelete, Row: row})
			}
		}
	}
	for tableID, bucket := range newMatched {
		name := s.tableName(tableID)
		for _, row := range bucket {
			upd.Rows = append(upd.Rows, TableUpdate{TableID: tableID, Table: name, Op: RowInsert, Row: row})
		}
	}

	s.queries = queries
	s.matched = newMatched
	s.lastTxID = txID
	return upd, nil
}

// Diff computes the TableUpdates a single committed change set
// contributes to s's current query set, updating the materialized set
// incrementally rather than re-running every query (spec §4.6: "computes
// inserts/deletes a transaction contributes to each subscription").
// Deletes are returned before inserts (spec O3).
func (s *Set) Diff(changes store.ChangeSet, txID uint64) ([]TableUpdate, error) {
	defer func() { s.lastTxID = txID }()
	if len(s.queries) == 0 {
		return nil, nil
	}

	var deletes, inserts []TableUpdate
	for _, op := range changes {
		tbl, ok := s.db.TableByID(op.TableID)
		if !ok {
			continue
		}
		matches, err := s.rowMatchesAnyQuery(op.TableID, op.Row)
		if err != nil {
			return nil, err
		}
		if !matches {
			continue
		}
		key, err := s.rowKey(tbl, op.Row)
		if err != nil {
			return nil, err
		}
		bucket := s.matched[op.TableID]
		if bucket == nil {
			bucket = make(map[string]satn.Value)
			s.matched[op.TableID] = bucket
		}
		switch op.Op {
		case store.OpInsert:
			bucket[key] = op.Row
			inserts = append(inserts, TableUpdate{TableID: op.TableID, Table: tbl.Name, Op: RowInsert, Row: op.Row})
		case store.OpDelete:
			delete(bucket, key)
			deletes = append(deletes, TableUpdate{TableID: op.TableID, Table: tbl.Name, Op: RowDelete, Row: op.Row})
		}
	}

	out := make([]TableUpdate, 0, len(deletes)+len(inserts))
	out = append(out, deletes...)
	out = append(out, inserts...)
	return out, nil
}

func (s *Set) rowMatchesAnyQuery(tableID uint32, row satn.Value) (bool, error) {
	for _, q := range s.queries {
		if q.TableID != tableID {
			continue
		}
		ok, err := store.Eval(q.Pred, row)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Set) rowKey(tbl *store.Table, row satn.Value) (string, error) {
	b, err := satn.Encode(s.db.Typespace, tbl.RowType, row)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Set) tableName(tableID uint32) string {
	if t, ok := s.db.TableByID(tableID); ok {
		return t.Name
	}
	return ""
}
