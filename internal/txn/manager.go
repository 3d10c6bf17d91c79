package txn

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
)

// Status is the outcome of one reducer invocation (spec §4.5).
type Status string

const (
	StatusCommitted   Status = "committed"
	StatusFailed      Status = "failed"
	StatusOutOfEnergy Status = "out_of_energy"
)

// TxRecord is the metadata and change set produced by one committed
// transaction — the payload the scheduler (C5) turns into a
// TransactionUpdate and the distributor (C6) diffs against every
// subscription.
type TxRecord struct {
	TxID        uint64
	Timestamp   time.Time
	Caller      identity.Identity
	CallerConn  *identity.ConnectionId
	Reducer     string
	Args        []byte
	ChangeSet   store.ChangeSet
	Status      Status
	Message     string
	EnergyUsed  int64
	Duration    time.Duration
}

// DefaultSegmentMaxSize bounds a WAL segment before the manager rolls
// over to a new file.
const DefaultSegmentMaxSize = 64 << 20

// Manager is the single-writer transaction manager over one Database
// (spec §4.3). At most one Tx may be in flight at a time; Begin blocks
// until any previous Tx has committed or rolled back.
type Manager struct {
	writeLock sync.Mutex

	db             *store.Database
	walDir         string
	schemaHash     [32]byte
	segmentMaxSize int64

	segMu   sync.Mutex
	segment *segmentWriter

	nextTxID uint64
}

// Open creates or recovers a Manager over db, replaying every WAL
// segment under walDir in order (spec §4.3: "scans segments, validates
// CRCs, replays change sets in order into an empty store, and resumes
// tx_id allocation at max+1").
func Open(db *store.Database, walDir string, schemaHash [32]byte) (*Manager, error) {
	m := &Manager{
		db:             db,
		walDir:         walDir,
		schemaHash:     schemaHash,
		segmentMaxSize: DefaultSegmentMaxSize,
	}

	names, err := listSegments(walDir)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.WalCorrupt, "list WAL segments", err)
	}
	var maxTxID uint64
	seen := false
	for _, name := range names {
		path := walDir + "/" + name
		if err := replaySegment(path, db, schemaHash, &maxTxID); err != nil {
			return nil, err
		}
		seen = true
	}
	if seen {
		m.nextTxID = maxTxID + 1
	}

	if len(names) > 0 {
		last := names[len(names)-1]
		startTxID, err := segmentStartTxID(last)
		if err != nil {
			return nil, engineerr.Wrap(engineerr.WalCorrupt, "parse segment name", err)
		}
		seg, err := openSegmentForAppend(walDir, last, startTxID)
		if err != nil {
			return nil, err
		}
		if seg.size >= m.segmentMaxSize {
			seg.close()
			seg, err = createSegment(walDir, m.nextTxID, schemaHash)
			if err != nil {
				return nil, err
			}
		}
		m.segment = seg
	} else {
		seg, err := createSegment(walDir, m.nextTxID, schemaHash)
		if err != nil {
			return nil, err
		}
		m.segment = seg
	}

	logrus.WithFields(logrus.Fields{"wal_dir": walDir, "next_tx_id": m.nextTxID}).Info("txn: recovered")
	return m, nil
}

// LastCommittedTxID returns the tx_id of the most recently committed
// transaction, or 0 if none has committed yet. Subscription snapshots
// reference this value as the tx_id at which they were taken (spec
// §4.6, O2).
func (m *Manager) LastCommittedTxID() uint64 {
	next := atomic.LoadUint64(&m.nextTxID)
	if next == 0 {
		return 0
	}
	return next - 1
}

// Tx is a write transaction in flight: caller-visible mutations
// accumulate in Overlay until Commit installs them (spec §4.3).
type Tx struct {
	mgr        *Manager
	Overlay    *store.Overlay
	Caller     identity.Identity
	CallerConn *identity.ConnectionId
	Reducer    string
	Args       []byte
	StartedAt  time.Time
	done       bool
}

// Begin acquires the database write lock for the duration of the
// transaction (spec §4.3, §5: "single-writer model"). The lock is
// released by Commit or Rollback.
func (m *Manager) Begin(caller identity.Identity, conn *identity.ConnectionId, reducer string, args []byte) *Tx {
	m.writeLock.Lock()
	return &Tx{
		mgr:        m,
		Overlay:    m.db.NewOverlay(),
		Caller:     caller,
		CallerConn: conn,
		Reducer:    reducer,
		Args:       args,
		StartedAt:  time.Now(),
	}
}

// Commit assigns a monotonic tx_id, serializes and fsyncs a WAL
// record, installs the overlay into the store, and returns the
// ordered TxRecord (spec §4.3 steps 1-5). On any error no partial
// change set is ever exposed: the overlay is discarded and the write
// lock released.
func (tx *Tx) Commit() (TxRecord, error) {
	if tx.done {
		return TxRecord{}, fmt.Errorf("txn: commit called on finished transaction")
	}
	tx.done = true
	defer tx.mgr.writeLock.Unlock()

	txID := atomic.AddUint64(&tx.mgr.nextTxID, 1) - 1
	now := time.Now()
	changes := tx.Overlay.Changes()

	wire, err := toWireRecord(tx.mgr.db, txID, now, tx.Caller, tx.CallerConn, tx.Reducer, tx.Args, changes)
	if err != nil {
		tx.Overlay.Rollback()
		return TxRecord{}, engineerr.Wrap(engineerr.InternalTrap, "encode WAL record", err)
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		tx.Overlay.Rollback()
		return TxRecord{}, engineerr.Wrap(engineerr.InternalTrap, "marshal WAL record", err)
	}

	if err := tx.mgr.appendAndMaybeRotate(txID, payload); err != nil {
		tx.Overlay.Rollback()
		return TxRecord{}, engineerr.Wrap(engineerr.WalCorrupt, "append WAL record", err)
	}

	tx.mgr.db.Commit(tx.Overlay)

	rec := TxRecord{
		TxID:      txID,
		Timestamp: now,
		Caller:    tx.Caller,
		CallerConn: tx.CallerConn,
		Reducer:   tx.Reducer,
		Args:      tx.Args,
		ChangeSet: changes,
		Status:    StatusCommitted,
		Duration:  time.Since(tx.StartedAt),
	}
	logrus.WithFields(logrus.Fields{"tx_id": txID, "reducer": tx.Reducer, "ops": len(changes)}).Info("txn: committed")
	return rec, nil
}

// Rollback discards the overlay without writing to the WAL or
// touching the store, and releases the write lock (spec §4.3: "any
// error returned by the reducer or any ABI call inside it causes
// rollback; partial change sets are never exposed").
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.Overlay.Rollback()
	tx.mgr.writeLock.Unlock()
}

func (m *Manager) appendAndMaybeRotate(txID uint64, payload []byte) error {
	m.segMu.Lock()
	defer m.segMu.Unlock()
	if err := m.segment.appendRecord(txID, payload); err != nil {
		return err
	}
	if m.segment.size >= m.segmentMaxSize {
		if err := m.segment.close(); err != nil {
			return err
		}
		seg, err := createSegment(m.walDir, txID+1, m.schemaHash)
		if err != nil {
			return err
		}
		m.segment = seg
	}
	return nil
}

func toWireRecord(db *store.Database, txID uint64, ts time.Time, caller identity.Identity, conn *identity.ConnectionId, reducer string, args []byte, changes store.ChangeSet) (recordWire, error) {
	wireChanges := make([]changeOpWire, len(changes))
	for i, op := range changes {
		rowBytes, err := encodeRow(db, op.TableID, op.Row)
		if err != nil {
			return recordWire{}, err
		}
		wireChanges[i] = changeOpWire{TableID: op.TableID, Op: uint8(op.Op), RowBSATN: rowBytes}
	}
	var connPtr *[16]byte
	if conn != nil {
		c := [16]byte(*conn)
		connPtr = &c
	}
	return recordWire{
		TxID:            txID,
		TimestampMicros: ts.UnixMicro(),
		Caller:          [32]byte(caller),
		CallerConn:      connPtr,
		Reducer:         reducer,
		ArgsBSATN:       args,
		Changes:         wireChanges,
	}, nil
}

func encodeRow(db *store.Database, tableID uint32, row satn.Value) ([]byte, error) {
	t, ok := db.TableByID(tableID)
	if !ok {
		return nil, fmt.Errorf("txn: encode row: unknown table %d", tableID)
	}
	return satn.Encode(db.Typespace, t.RowType, row)
}

func decodeRow(db *store.Database, tableID uint32, b []byte) (satn.Value, error) {
	t, ok := db.TableByID(tableID)
	if !ok {
		return satn.Value{}, fmt.Errorf("txn: decode row: unknown table %d", tableID)
	}
	return satn.Decode(db.Typespace, t.RowType, b)
}

func openSegmentForAppend(dir, name string, startTxID uint64) (*segmentWriter, error) {
	path := dir + "/" + name
	f, err := openForAppend(path)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.WalCorrupt, "reopen WAL segment", err)
	}
	size, err := fileSize(f)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.WalCorrupt, "stat WAL segment", err)
	}
	return &segmentWriter{f: f, size: size, startTxID: startTxID}, nil
}
