// Package scheduler dispatches reducer invocations from every source
// spec §4.5 names — client FunctionCall, lifecycle hooks, scheduled
// rows, and `__init__` — through the single-writer transaction pipeline
// (C3/C4) and produces the ordered TransactionUpdate stream C6 diffs
// against every subscription.
package scheduler

import (
	"time"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/txn"
)

// TransactionUpdate is the event every reducer invocation yields (spec
// §4.5, §6.1 `Event`). Committed updates are delivered to every
// connection whose subscriptions the change set touches; InvokerOnly updates (failed/out_of_energy) are delivered
// to CallerConn alone so the caller learns its own outcome without
// leaking anything to other clients (spec §4.5 "User-visible failures").
type TransactionUpdate struct {
	TxID        uint64
	Timestamp   time.Time
	Caller      identity.Identity
	CallerConn  *identity.ConnectionId
	Reducer     string
	Args        []byte
	Status      txn.Status
	Message     string
	EnergyUsed  uint64
	Duration    time.Duration
	ChangeSet   store.ChangeSet
	InvokerOnly bool
}

// ScheduleKind tags the two `ScheduleAt` variants of spec §3
// ("scheduled reducer row").
const (
	ScheduleInterval uint8 = 0
	ScheduleTime     uint8 = 1
)

// ScheduledTable binds a table declared `scheduled` to the reducer it
// drives, and records which of its columns carry the auto-incremented
// id, the `ScheduleAt` sum value, and the BSATN-encoded reducer
// arguments (spec §3, §4.5 item 3).
type ScheduledTable struct {
	TableID     uint32
	ReducerName string
	IDCol       uint32
	ScheduleCol uint32
	ArgsCol     uint32
}
