// Package wasmhost embeds WebAssembly reducer modules (spec C4): it
// instantiates a module, registers the ABI import surface of spec §6.3,
// marshals arguments and rows across the boundary through a
// BufferRegistry, and enforces each invocation's energy budget.
package wasmhost

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
)

// Scheduler is the subset of the reducer scheduler (C5) the ABI needs
// to satisfy `_schedule_reducer`/`_cancel_reducer` without wasmhost
// importing the scheduler package (which itself drives wasmhost).
type Scheduler interface {
	ScheduleReducer(ov *store.Overlay, name string, args []byte, atMicros int64) (uint64, error)
	CancelReducer(ov *store.Overlay, id uint64) error
}

// Host owns one wasmer engine shared by every loaded Module. A single
// Host typically backs one Database; wasmer engines are heavyweight
// enough that the teacher's HeavyVM also allocates one per VM rather
// than per call.
type Host struct {
	engine *wasmer.Engine
}

func NewHost() *Host {
	return &Host{engine: wasmer.NewEngine()}
}

// Engine returns the wasmer engine backing this host, for callers that
// need to compile a Module with LoadModule before the first Invoke.
func (h *Host) Engine() *wasmer.Engine {
	return h.engine
}

// Outcome mirrors the TransactionUpdate status vocabulary of spec §4.5.
type Outcome struct {
	Status     string // "committed" | "failed" | "out_of_energy"
	Message    string
	EnergyUsed uint64
}

// Invoke runs one reducer (or `__init__`/a lifecycle hook) to completion
// against ov, enforcing limit energy units (spec §4.4, §4.5). The
// overlay accumulates whatever mutations the reducer made regardless of
// outcome; the caller (the transaction manager, via the scheduler) is
// responsible for discarding those mutations on any non-committed
// outcome — wasmhost itself never touches the WAL or Database.Commit.
func (h *Host) Invoke(mod *Module, db *store.Database, ov *store.Overlay, sched Scheduler, funcName string, caller identity.Identity, timestampMicros int64, args []byte, limit uint64) (Outcome, error) {
	if _, ok := mod.exports[funcName]; !ok {
		return Outcome{}, engineerr.New(engineerr.NotFound, fmt.Sprintf("reducer %q not exported", funcName))
	}

	wstore := wasmer.NewStore(h.engine)
	instanceMod, err := wasmer.NewModule(wstore, mod.bytes)
	if err != nil {
		return Outcome{}, engineerr.Wrap(engineerr.InternalTrap, "recompile module", err)
	}

	meter := NewEnergyMeter(limit)
	hc := &hostCtx{
		db:     db,
		ov:     ov,
		sched:  sched,
		energy: meter,
		bufs:      NewBufferRegistry(),
		iters:     make(map[uint32]*iterState),
		iterTable: make(map[uint32]uint32),
	}
	defer hc.bufs.Release()

	imports := registerImports(wstore, hc)
	instance, err := wasmer.NewInstance(instanceMod, imports)
	if err != nil {
		return Outcome{}, engineerr.Wrap(engineerr.InternalTrap, "instantiate module", err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return Outcome{}, engineerr.New(engineerr.InternalTrap, "module does not export linear memory")
	}
	hc.mem = mem

	fn, err := instance.Exports.GetFunction(funcName)
	if err != nil {
		return Outcome{}, engineerr.Wrap(engineerr.NotFound, fmt.Sprintf("reducer %q", funcName), err)
	}

	// Reducer entry convention (spec §6.3): (sender: identity-bytes,
	// timestamp: u64, args_buf: BufH) -> u16. Sender is handed across as
	// a buffer handle, like every other variable-length ABI value.
	senderH := hc.bufs.Alloc(caller[:])
	argsH := hc.bufs.Alloc(args)
	ret, callErr := fn(int32(senderH), timestampMicros, int32(argsH))

	used := meter.Used()
	if hc.outOfEnergy {
		logrus.WithField("reducer", funcName).Warn("wasmhost: energy exhausted")
		return Outcome{Status: "out_of_energy", EnergyUsed: used}, nil
	}
	if callErr != nil {
		return Outcome{Status: "failed", Message: callErr.Error(), EnergyUsed: used}, nil
	}
	status, ok := ret.(int32)
	if !ok {
		status = toInt32(ret)
	}
	if status != 0 {
		return Outcome{Status: "failed", Message: fmt.Sprintf("reducer returned status %d", status), EnergyUsed: used}, nil
	}
	return Outcome{Status: "committed", EnergyUsed: used}, nil
}

// toInt32 narrows whatever numeric type wasmer's generic call wrapper
// hands back for a single i32 result.
func toInt32(v interface{}) int32 {
	switch n := v.(type) {
	case int32:
		return n
	case int64:
		return int32(n)
	case uint32:
		return int32(n)
	default:
		return 0
	}
}

// hostCtx is the per-invocation state every ABI import closes over,
// the same role the teacher's hostCtx plays for its registerHost
// (_teacher_ref/virtual_machine.go.ref), widened from a single KV store
// to the full table/iterator/scheduling surface of spec §6.3.
type hostCtx struct {
	mem  *wasmer.Memory
	db   *store.Database
	ov   *store.Overlay
	sched Scheduler

	energy      *EnergyMeter
	outOfEnergy bool

	bufs     *BufferRegistry
	iters    map[uint32]*iterState
	iterTable map[uint32]uint32
	nextIter uint32
}

type iterState struct {
	rows []satn.Value
	pos  int
}

func (h *hostCtx) charge(op Op) bool {
	if h.outOfEnergy {
		return false
	}
	if err := h.energy.Consume(Cost(op)); err != nil {
		h.outOfEnergy = true
		return false
	}
	return true
}

func (h *hostCtx) read(ptr, ln int32) []byte {
	if ln <= 0 {
		return nil
	}
	data := h.mem.Data()
	out := make([]byte, ln)
	copy(out, data[ptr:ptr+ln])
	return out
}

func (h *hostCtx) write(ptr int32, data []byte) {
	copy(h.mem.Data()[ptr:], data)
}

func (h *hostCtx) writeU32(ptr int32, v uint32) {
	data := h.mem.Data()
	data[ptr] = byte(v)
	data[ptr+1] = byte(v >> 8)
	data[ptr+2] = byte(v >> 16)
	data[ptr+3] = byte(v >> 24)
}

func (h *hostCtx) writeU64(ptr int32, v uint64) {
	data := h.mem.Data()
	for i := 0; i < 8; i++ {
		data[int(ptr)+i] = byte(v >> (8 * uint(i)))
	}
}
