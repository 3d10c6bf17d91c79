package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/txn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/wasmhost"
)

// DefaultEnergyBudget is the per-invocation energy quantum handed to
// every reducer unless a caller configures otherwise (spec §4.4).
const DefaultEnergyBudget = 1_000_000

// Dispatcher is the single point every reducer invocation passes
// through, serializing writers via txn.Manager and fanning committed
// (and invoker-only failed) outcomes out over Updates() (spec §4.5,
// §5 "single-writer model"). It also implements wasmhost.Scheduler so
// the module ABI's `_schedule_reducer`/`_cancel_reducer` write directly
// into the scheduled table bound to the target reducer, inside the
// same overlay as the calling reducer (spec: "a reducer may... write to
// a scheduled table to defer").
type Dispatcher struct {
	db     *store.Database
	mgr    *txn.Manager
	host   *wasmhost.Host
	module *wasmhost.Module
	energy uint64

	mu         sync.Mutex
	scheduled  map[string]ScheduledTable // keyed by reducer name
	nextFire   map[intervalKey]int64
	updates    chan TransactionUpdate
	stop       chan struct{}
	stopped    bool
}

type intervalKey struct {
	table uint32
	id    uint64
}

// LastCommittedTxID exposes the underlying transaction manager's
// counter so callers (the session layer's Subscribe handling) can stamp
// a SubscriptionUpdate with the tx_id its snapshot was actually taken
// at, rather than a placeholder (spec §4.6, O2).
func (d *Dispatcher) LastCommittedTxID() uint64 {
	return d.mgr.LastCommittedTxID()
}

func NewDispatcher(db *store.Database, mgr *txn.Manager, host *wasmhost.Host, module *wasmhost.Module, energy uint64) *Dispatcher {
	if energy == 0 {
		energy = DefaultEnergyBudget
	}
	return &Dispatcher{
		db:        db,
		mgr:       mgr,
		host:      host,
		module:    module,
		energy:    energy,
		scheduled: make(map[string]ScheduledTable),
		nextFire:  make(map[intervalKey]int64),
		updates:   make(chan TransactionUpdate, 256),
		stop:      make(chan struct{}),
	}
}

// RegisterScheduledTable declares that st.TableID drives invocations of
// st.ReducerName. Call once per scheduled table at publish time, before
// Run starts.
func (d *Dispatcher) RegisterScheduledTable(st ScheduledTable) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled[st.ReducerName] = st
}

// Updates is the ordered stream of TransactionUpdates; C6 and C7
// consume it to drive subscription deltas and per-client delivery.
func (d *Dispatcher) Updates() <-chan TransactionUpdate { return d.updates }

// Stop halts the scheduled-reducer timer loop.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.stopped {
		d.stopped = true
		close(d.stop)
	}
}

// InvokeFunctionCall runs a client-invoked reducer (spec §4.5 item 1).
func (d *Dispatcher) InvokeFunctionCall(caller identity.Identity, conn *identity.ConnectionId, reducer string, args []byte) (TransactionUpdate, error) {
	return d.invoke(caller, conn, reducer, args)
}

// InvokeLifecycleHook runs an optional lifecycle export (spec §4.5 item
// 2: connect/disconnect hooks) if the module declares it; a module that
// doesn't export the hook is left untouched.
func (d *Dispatcher) InvokeLifecycleHook(hook string, caller identity.Identity, conn *identity.ConnectionId) (*TransactionUpdate, error) {
	if !d.module.Hooks[hook] {
		return nil, nil
	}
	upd, err := d.invoke(caller, conn, hook, nil)
	return &upd, err
}

// RunInit fires `__init__` once on first publish (spec §4.5 item 4).
// reRunInit gates whether a republish re-runs it, per the Open Question
// decision recorded in SPEC_FULL.md/DESIGN.md: default false.
func (d *Dispatcher) RunInit(alreadyInitialized, reRunInit bool) (*TransactionUpdate, error) {
	if !d.module.HasInit {
		return nil, nil
	}
	if alreadyInitialized && !reRunInit {
		return nil, nil
	}
	upd, err := d.invoke(identity.Identity{}, nil, "__init__", nil)
	return &upd, err
}

func (d *Dispatcher) invoke(caller identity.Identity, connVal *identity.ConnectionId, reducer string, args []byte) (TransactionUpdate, error) {
	tx := d.mgr.Begin(caller, connVal, reducer, args)
	nowMicros := time.Now().UnixMicro()

	outcome, err := d.host.Invoke(d.module, d.db, tx.Overlay, d, reducer, caller, nowMicros, args, d.energy)
	if err != nil {
		tx.Rollback()
		return TransactionUpdate{}, err
	}

	if outcome.Status != "committed" {
		tx.Rollback()
		upd := TransactionUpdate{
			Timestamp:   time.Now(),
			Caller:      caller,
			CallerConn:  connVal,
			Reducer:     reducer,
			Args:        args,
			Status:      statusFromOutcome(outcome.Status),
			Message:     outcome.Message,
			EnergyUsed:  outcome.EnergyUsed,
			InvokerOnly: true,
		}
		d.publish(upd)
		return upd, nil
	}

	rec, err := tx.Commit()
	if err != nil {
		return TransactionUpdate{}, err
	}
	upd := TransactionUpdate{
		TxID:       rec.TxID,
		Timestamp:  rec.Timestamp,
		Caller:     caller,
		CallerConn: connVal,
		Reducer:    reducer,
		Args:       args,
		Status:     rec.Status,
		EnergyUsed: outcome.EnergyUsed,
		Duration:   rec.Duration,
		ChangeSet:  rec.ChangeSet,
	}
	d.publish(upd)
	return upd, nil
}

func (d *Dispatcher) publish(u TransactionUpdate) {
	select {
	case d.updates <- u:
	default:
		// The distributor (C6) is responsible for per-connection
		// backpressure (spec "Lagging"); the dispatcher's own fan-out
		// channel is sized generously and dropping here would silently
		// corrupt tx_id ordering, so block until the distributor drains it.
		d.updates <- u
	}
}

func statusFromOutcome(s string) txn.Status {
	switch s {
	case "failed":
		return txn.StatusFailed
	case "out_of_energy":
		return txn.StatusOutOfEnergy
	default:
		return txn.StatusFailed
	}
}

// ScheduleReducer implements wasmhost.Scheduler: it inserts a one-shot
// `Time(atMicros)` row into the scheduled table bound to name, within
// the same overlay as the calling reducer (spec §6.3 `_schedule_reducer`).
func (d *Dispatcher) ScheduleReducer(ov *store.Overlay, name string, args []byte, atMicros int64) (uint64, error) {
	d.mu.Lock()
	st, ok := d.scheduled[name]
	d.mu.Unlock()
	if !ok {
		return 0, engineerr.New(engineerr.NotFound, fmt.Sprintf("reducer %q has no scheduled table bound", name))
	}
	row, err := buildScheduledRow(d.db, st, ScheduleTime, uint64(atMicros), args)
	if err != nil {
		return 0, err
	}
	inserted, err := ov.Insert(st.TableID, row)
	if err != nil {
		return 0, err
	}
	return inserted.AsProduct()[st.IDCol].Builtin.U64, nil
}

// CancelReducer implements wasmhost.Scheduler: it deletes the scheduled
// row with scheduled_id == id from whichever bound table holds it
// (spec: "Scheduled-reducer rows may be deleted (cancel) only before
// they fire").
func (d *Dispatcher) CancelReducer(ov *store.Overlay, id uint64) error {
	d.mu.Lock()
	tables := make([]ScheduledTable, 0, len(d.scheduled))
	for _, st := range d.scheduled {
		tables = append(tables, st)
	}
	d.mu.Unlock()

	val := satn.U64Value(satn.BuiltinU64, id)
	for _, st := range tables {
		n, err := ov.DeleteByColEq(st.TableID, st.IDCol, val)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
	return engineerr.New(engineerr.NotFound, fmt.Sprintf("scheduled reducer id %d not found", id))
}

// Run drives scheduled-reducer fires until stopped (spec §4.5 item 3,
// §5 suspension point "timer waits for scheduled reducers"). It wakes
// on a short fixed tick rather than computing an exact next-fire delay:
// simpler, and cheap enough at this workload (scheduled tables are
// expected to hold at most a handful of live rows).
func (d *Dispatcher) Run() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.fireDue(time.Now().UnixMicro())
		}
	}
}

func (d *Dispatcher) fireDue(nowMicros int64) {
	d.mu.Lock()
	tables := make([]ScheduledTable, 0, len(d.scheduled))
	for _, st := range d.scheduled {
		tables = append(tables, st)
	}
	d.mu.Unlock()

	snap := d.db.Snapshot()
	for _, st := range tables {
		rows, err := snap.Iter(st.TableID)
		if err != nil {
			continue
		}
		for _, row := range rows {
			d.fireRowIfDue(st, row, nowMicros)
		}
	}
}

func (d *Dispatcher) fireRowIfDue(st ScheduledTable, row satn.Value, nowMicros int64) {
	fields := row.AsProduct()
	sched := fields[st.ScheduleCol]
	if sched.Kind != satn.ValueSum || sched.Sum == nil {
		return
	}
	id := fields[st.IDCol].Builtin.U64
	argsField := fields[st.ArgsCol]
	args := argsBytesOf(argsField)

	switch sched.Sum.Tag {
	case ScheduleTime:
		fireAt := int64(sched.Sum.Payload.Builtin.U64)
		if fireAt > nowMicros {
			return
		}
		outcome, err := d.invoke(identity.Identity{}, nil, st.ReducerName, args)
		if err != nil {
			logrus.WithError(err).WithField("reducer", st.ReducerName).Error("scheduler: scheduled invocation failed")
			return
		}
		if outcome.Status == txn.StatusCommitted {
			cleanup := d.mgr.Begin(identity.Identity{}, nil, "__cancel_fired_schedule__", nil)
			if _, err := cleanup.Overlay.DeleteByColEq(st.TableID, st.IDCol, satn.U64Value(satn.BuiltinU64, id)); err != nil {
				logrus.WithError(err).Warn("scheduler: failed to drop fired one-shot row")
				cleanup.Rollback()
			} else if _, err := cleanup.Commit(); err != nil {
				logrus.WithError(err).Warn("scheduler: failed to commit one-shot row removal")
			}
		}
	case ScheduleInterval:
		key := intervalKey{table: st.TableID, id: id}
		intervalMicros := int64(sched.Sum.Payload.Builtin.U64)
		next, seen := d.nextFire[key]
		fire, newNext := shouldFireInterval(seen, next, nowMicros, intervalMicros)
		d.nextFire[key] = newNext
		if !fire {
			return
		}
		if _, err := d.invoke(identity.Identity{}, nil, st.ReducerName, args); err != nil {
			logrus.WithError(err).WithField("reducer", st.ReducerName).Error("scheduler: scheduled invocation failed")
		}
	}
}

// shouldFireInterval decides whether an Interval-tagged scheduled row
// is due, and what its next-fire logical time should become. The first
// observation of a row seeds its schedule at now+interval rather than
// firing immediately, mirroring a cron-style timer armed at creation
// time; every subsequent re-arm advances from the prior logical fire
// time rather than wall clock, so replay reproduces the same sequence
// of fires regardless of how late fireDue actually ran.
func shouldFireInterval(seen bool, next, now, interval int64) (fire bool, newNext int64) {
	if !seen {
		return false, now + interval
	}
	if next > now {
		return false, next
	}
	return true, next + interval
}

func argsBytesOf(v satn.Value) []byte {
	if v.Kind != satn.ValueBuiltin || v.Builtin.Kind != satn.BuiltinArray {
		return nil
	}
	out := make([]byte, len(v.Builtin.Arr))
	for i, el := range v.Builtin.Arr {
		out[i] = byte(el.Builtin.U64)
	}
	return out
}
