package scheduler

import (
	"testing"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
)

func newTickTable(t *testing.T) (*store.Database, ScheduledTable) {
	t.Helper()
	scheduleAt := satn.SumType(
		satn.SumVariant{Type: satn.Builtin(satn.BuiltinU64)}, // ScheduleInterval
		satn.SumVariant{Type: satn.Builtin(satn.BuiltinU64)}, // ScheduleTime
	)
	ts := &satn.Typespace{Types: []satn.Type{
		satn.ProductType(
			satn.ProductElem{Type: satn.Builtin(satn.BuiltinU64)},
			satn.ProductElem{Type: scheduleAt},
			satn.ProductElem{Type: satn.ArrayType(satn.Builtin(satn.BuiltinU8))},
		),
	}}
	db := store.NewDatabase(ts)
	tbl, err := db.CreateTable("tick", satn.RefType(0), false,
		[]store.ColumnDef{{Name: "scheduled_id", AutoInc: true, ElemType: satn.BuiltinU64}, {Name: "scheduled_at"}, {Name: "args"}},
		nil,
	)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db, ScheduledTable{TableID: tbl.ID, ReducerName: "tick", IDCol: 0, ScheduleCol: 1, ArgsCol: 2}
}

func newTestDispatcher(t *testing.T, db *store.Database) *Dispatcher {
	t.Helper()
	return &Dispatcher{
		db:        db,
		scheduled: make(map[string]ScheduledTable),
		nextFire:  make(map[intervalKey]int64),
		updates:   make(chan TransactionUpdate, 16),
		stop:      make(chan struct{}),
	}
}

func TestScheduleReducerInsertsRowAndReturnsID(t *testing.T) {
	db, st := newTickTable(t)
	d := newTestDispatcher(t, db)
	d.RegisterScheduledTable(st)

	ov := db.NewOverlay()
	id, err := d.ScheduleReducer(ov, "tick", []byte("payload"), 1_000)
	if err != nil {
		t.Fatalf("ScheduleReducer: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected a nonzero auto-incremented id")
	}
	db.Commit(ov)

	snap := db.Snapshot()
	rows, err := snap.Iter(st.TableID)
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	fields := rows[0].AsProduct()
	if fields[st.IDCol].Builtin.U64 != id {
		t.Fatalf("row id %d != returned id %d", fields[st.IDCol].Builtin.U64, id)
	}
	sched := fields[st.ScheduleCol]
	if sched.Kind != satn.ValueSum || sched.Sum.Tag != ScheduleTime || sched.Sum.Payload.Builtin.U64 != 1_000 {
		t.Fatalf("unexpected schedule field: %+v", sched)
	}
	if got := argsBytesOf(fields[st.ArgsCol]); string(got) != "payload" {
		t.Fatalf("expected args %q, got %q", "payload", got)
	}
}

func TestScheduleReducerUnknownReducerIsNotFound(t *testing.T) {
	db, _ := newTickTable(t)
	d := newTestDispatcher(t, db)

	ov := db.NewOverlay()
	if _, err := d.ScheduleReducer(ov, "no_such_reducer", nil, 0); !engineerr.Is(err, engineerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCancelReducerDeletesRow(t *testing.T) {
	db, st := newTickTable(t)
	d := newTestDispatcher(t, db)
	d.RegisterScheduledTable(st)

	ov := db.NewOverlay()
	id, err := d.ScheduleReducer(ov, "tick", nil, 500)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	db.Commit(ov)

	ov2 := db.NewOverlay()
	if err := d.CancelReducer(ov2, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	db.Commit(ov2)

	snap := db.Snapshot()
	rows, _ := snap.Iter(st.TableID)
	if len(rows) != 0 {
		t.Fatalf("expected row to be cancelled, still have %d rows", len(rows))
	}
}

func TestCancelReducerUnknownIDIsNotFound(t *testing.T) {
	db, st := newTickTable(t)
	d := newTestDispatcher(t, db)
	d.RegisterScheduledTable(st)

	ov := db.NewOverlay()
	if err := d.CancelReducer(ov, 9999); !engineerr.Is(err, engineerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestShouldFireIntervalSeedsOnFirstObservation(t *testing.T) {
	fire, next := shouldFireInterval(false, 0, 1_000_000, 5_000)
	if fire {
		t.Fatalf("first observation should not fire immediately")
	}
	if next != 1_005_000 {
		t.Fatalf("expected seeded fire time 1005000, got %d", next)
	}
}

func TestShouldFireIntervalWaitsUntilDue(t *testing.T) {
	fire, next := shouldFireInterval(true, 2_000_000, 1_000_000, 5_000)
	if fire {
		t.Fatalf("should not fire before its logical time")
	}
	if next != 2_000_000 {
		t.Fatalf("next-fire time should be unchanged while waiting, got %d", next)
	}
}

func TestShouldFireIntervalReArmsFromLogicalTime(t *testing.T) {
	// A fire that actually runs late (now far past the logical time)
	// must still re-arm from the logical time, not wall clock, so
	// replay reproduces the same schedule regardless of scheduling jitter.
	fire, next := shouldFireInterval(true, 1_000_000, 1_500_000, 5_000)
	if !fire {
		t.Fatalf("expected a fire once past the logical time")
	}
	if next != 1_005_000 {
		t.Fatalf("expected re-arm from prior logical time 1005000, got %d", next)
	}
}

func TestBuildScheduledRowRoundTrips(t *testing.T) {
	db, st := newTickTable(t)
	row, err := buildScheduledRow(db, st, ScheduleInterval, 42, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	fields := row.AsProduct()
	if fields[st.ScheduleCol].Sum.Tag != ScheduleInterval || fields[st.ScheduleCol].Sum.Payload.Builtin.U64 != 42 {
		t.Fatalf("unexpected schedule field: %+v", fields[st.ScheduleCol])
	}
	if got := argsBytesOf(fields[st.ArgsCol]); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected args: %v", got)
	}
}
