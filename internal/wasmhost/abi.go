package wasmhost

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
)

// errOutPtrLenMismatch and errUnsupportedIndex are returned (not a u16
// status) from the closures that implement `_buffer_consume` and
// `_create_index`: both are the "trap" half of spec §6.3's distinction
// between recoverable ABI errors and protocol violations.
var (
	errOutPtrLenMismatch = errors.New("wasmhost: buffer_consume length mismatch")
	errUnsupportedIndex  = errors.New("wasmhost: unsupported index kind or column count")
)

// ABI status codes (spec §6.3/§7): 0 is success, everything else is an
// error the module may choose to propagate. These mirror the u16
// return convention without allocating an actual u16 Go type.
const (
	abiOK                int32 = 0
	abiErrNotFound       int32 = 1
	abiErrUnique         int32 = 2
	abiErrTypeMismatch   int32 = 3
	abiErrBadArg         int32 = 4
	abiErrUnsupported    int32 = 5
	abiErrOutOfEnergy    int32 = 6
)

// registerImports builds the "env" import namespace a module links
// against, one wasmer.NewFunction per host call in spec §6.3. The
// pattern — closures capturing a *hostCtx, registered under a single
// namespace — mirrors the teacher's registerHost
// (_teacher_ref/virtual_machine.go.ref), generalized from four KV
// primitives to the full table/iterator/scheduling ABI.
func registerImports(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	fn := func(params, results []wasmer.ValueKind, f func([]wasmer.Value) ([]wasmer.Value, error)) *wasmer.Function {
		return wasmer.NewFunction(
			store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(params...), wasmer.NewValueTypes(results...)),
			f,
		)
	}

	consoleLog := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32},
		nil,
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpConsoleLog) {
				return nil, nil
			}
			level := args[0].I32()
			target := h.read(args[1].I32(), args[2].I32())
			file := h.read(args[3].I32(), args[4].I32())
			line := args[5].I32()
			text := h.read(args[6].I32(), args[7].I32())
			entry := logrus.WithFields(logrus.Fields{"target": string(target), "file": string(file), "line": line})
			switch level {
			case 0:
				entry.Error(string(text))
			case 1:
				entry.Warn(string(text))
			case 2:
				entry.Info(string(text))
			case 3:
				entry.Debug(string(text))
			case 4:
				entry.Trace(string(text))
			case 101:
				entry.Error("panic: " + string(text))
			default:
				entry.Info(string(text))
			}
			return nil, nil
		},
	)

	bufferAlloc := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpBufferAlloc) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			data := h.read(args[0].I32(), args[1].I32())
			bh := h.bufs.Alloc(data)
			return []wasmer.Value{wasmer.NewI32(int32(bh))}, nil
		},
	)

	bufferLen := fn(
		[]wasmer.ValueKind{wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			n, ok := h.bufs.Len(BufH(args[0].I32()))
			if !ok {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(n))}, nil
		},
	)

	bufferConsume := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpBufferConsume) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			bh, outPtr, outLen := BufH(args[0].I32()), args[1].I32(), args[2].I32()
			data, err := h.bufs.Consume(bh)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrNotFound)}, nil
			}
			if int32(len(data)) != outLen {
				// Length mismatch between module and host is a protocol
				// violation, not a recoverable ABI error (spec §6.3: "must
				// match length or trap").
				return nil, errOutPtrLenMismatch
			}
			h.write(outPtr, data)
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	scheduleReducer := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I64, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpScheduleReducer) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			name := string(h.read(args[0].I32(), args[1].I32()))
			reducerArgs := h.read(args[2].I32(), args[3].I32())
			atMicros := args[4].I64()
			outID := args[5].I32()
			id, err := h.sched.ScheduleReducer(h.ov, name, reducerArgs, atMicros)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrBadArg)}, nil
			}
			h.writeU64(outID, id)
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	cancelReducer := fn(
		[]wasmer.ValueKind{wasmer.I64},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpCancelReducer) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.sched.CancelReducer(h.ov, uint64(args[0].I64())); err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrNotFound)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	createIndex := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpCreateIndex) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			name := string(h.read(args[0].I32(), args[1].I32()))
			tableID := uint32(args[2].I32())
			kind := args[3].I32()
			colsLen := args[4].I32()
			// spec §6.3: "only kind=0 (btree) and cols_len=1 required;
			// other values trap" — both are genuine protocol violations,
			// not ABI errors a module can recover from.
			if kind != 0 || colsLen != 1 {
				return nil, errUnsupportedIndex
			}
			colsPtr := args[5].I32()
			cols := h.read(colsPtr, 4)
			colID := uint32(cols[0]) | uint32(cols[1])<<8 | uint32(cols[2])<<16 | uint32(cols[3])<<24
			if err := h.ov.CreateIndex(tableID, name, []uint32{colID}, store.IndexBTree, false); err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrUnique)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	insert := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpInsert) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			tableID := uint32(args[0].I32())
			rowPtr, rowLen := args[1].I32(), args[2].I32()
			t, ok := h.db.TableByID(tableID)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(abiErrNotFound)}, nil
			}
			raw := h.read(rowPtr, rowLen)
			row, err := satn.Decode(h.db.Typespace, t.RowType, raw)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrTypeMismatch)}, nil
			}
			inserted, err := h.ov.Insert(tableID, row)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrUnique)}, nil
			}
			// Rewrite row in place with any auto-inc values filled (spec
			// §6.3: "_insert ... on success rewrites row"). Fixed-width
			// auto-inc columns encode to the same length either way.
			encoded, err := satn.Encode(h.db.Typespace, t.RowType, inserted)
			if err == nil && int32(len(encoded)) == rowLen {
				h.write(rowPtr, encoded)
			}
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	deleteByColEq := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpDeleteByColEq) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			tableID := uint32(args[0].I32())
			colID := uint32(args[1].I32())
			valPtr, valLen := args[2].I32(), args[3].I32()
			outCount := args[4].I32()
			val, err := h.decodeColumnLiteral(tableID, colID, valPtr, valLen)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrTypeMismatch)}, nil
			}
			n, err := h.ov.DeleteByColEq(tableID, colID, val)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrNotFound)}, nil
			}
			h.writeU32(outCount, n)
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	getTableID := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpGetTableId) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			name := string(h.read(args[0].I32(), args[1].I32()))
			outPtr := args[2].I32()
			id, ok := h.db.GetTableID(name)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(abiErrNotFound)}, nil
			}
			h.writeU32(outPtr, id)
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	iterByColEq := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpIterByColEq) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			tableID := uint32(args[0].I32())
			colID := uint32(args[1].I32())
			valPtr, valLen := args[2].I32(), args[3].I32()
			outBuf := args[4].I32()
			val, err := h.decodeColumnLiteral(tableID, colID, valPtr, valLen)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrTypeMismatch)}, nil
			}
			rows, err := h.ov.IterByColEq(tableID, colID, val)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrNotFound)}, nil
			}
			bh, err := h.encodeRowsIntoBuffer(tableID, rows)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrTypeMismatch)}, nil
			}
			h.writeU32(outBuf, uint32(bh))
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	iterStart := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpIterStart) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			tableID := uint32(args[0].I32())
			outIter := args[1].I32()
			rows, err := h.ov.Iter(tableID)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrNotFound)}, nil
			}
			id := h.newIter(tableID, rows)
			h.writeU32(outIter, id)
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	iterStartFiltered := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpIterStartFiltered) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			tableID := uint32(args[0].I32())
			filterBytes := h.read(args[1].I32(), args[2].I32())
			outIter := args[3].I32()
			pred, err := store.DecodeFilter(filterBytes)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrBadArg)}, nil
			}
			rows, err := h.ov.IterFiltered(tableID, pred)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrNotFound)}, nil
			}
			id := h.newIter(tableID, rows)
			h.writeU32(outIter, id)
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	iterNext := fn(
		[]wasmer.ValueKind{wasmer.I32, wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpIterNext) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			iterID := uint32(args[0].I32())
			outBuf := args[1].I32()
			it, ok := h.iters[iterID]
			if !ok {
				return []wasmer.Value{wasmer.NewI32(abiErrNotFound)}, nil
			}
			if it.pos >= len(it.rows) {
				h.writeU32(outBuf, uint32(sentinelBufH))
				return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
			}
			row := it.rows[it.pos]
			it.pos++
			bh, err := h.encodeRowsIntoBuffer(h.iterTable[iterID], []satn.Value{row})
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(abiErrTypeMismatch)}, nil
			}
			h.writeU32(outBuf, uint32(bh))
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	iterDrop := fn(
		[]wasmer.ValueKind{wasmer.I32},
		[]wasmer.ValueKind{wasmer.I32},
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !h.charge(OpIterDrop) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			iterID := uint32(args[0].I32())
			delete(h.iters, iterID)
			delete(h.iterTable, iterID)
			return []wasmer.Value{wasmer.NewI32(abiOK)}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"_console_log":          consoleLog,
		"_buffer_alloc":         bufferAlloc,
		"_buffer_len":           bufferLen,
		"_buffer_consume":       bufferConsume,
		"_schedule_reducer":     scheduleReducer,
		"_cancel_reducer":       cancelReducer,
		"_create_index":         createIndex,
		"_insert":               insert,
		"_delete_by_col_eq":     deleteByColEq,
		"_get_table_id":         getTableID,
		"_iter_by_col_eq":       iterByColEq,
		"_iter_start":           iterStart,
		"_iter_start_filtered":  iterStartFiltered,
		"_iter_next":            iterNext,
		"_iter_drop":            iterDrop,
	})

	return imports
}

// decodeColumnLiteral decodes a column-comparison operand using that
// column's declared element type, the way `_delete_by_col_eq` and
// `_iter_by_col_eq` need to for an index or scan lookup.
func (h *hostCtx) decodeColumnLiteral(tableID, colID uint32, ptr, ln int32) (satn.Value, error) {
	t, ok := h.db.TableByID(tableID)
	if !ok {
		return satn.Value{}, store.ErrNotATable
	}
	rowType, err := h.db.Typespace.Resolve(t.RowType)
	if err != nil {
		return satn.Value{}, err
	}
	if rowType.Kind != satn.KindProduct || int(colID) >= len(rowType.Elements) {
		return satn.Value{}, store.ErrNotATable
	}
	raw := h.read(ptr, ln)
	return satn.Decode(h.db.Typespace, rowType.Elements[colID].Type, raw)
}

// encodeRowsIntoBuffer BSATN-encodes rows back-to-back as
// `u32-len-prefixed ++ u32-len-prefixed ++ ...` and registers the
// result as one buffer, the shape `_iter_by_col_eq`/`_iter_next`
// deliver to the module.
func (h *hostCtx) encodeRowsIntoBuffer(tableID uint32, rows []satn.Value) (BufH, error) {
	t, ok := h.db.TableByID(tableID)
	if !ok {
		return 0, store.ErrNotATable
	}
	var out []byte
	for _, row := range rows {
		enc, err := satn.Encode(h.db.Typespace, t.RowType, row)
		if err != nil {
			return 0, err
		}
		var lenBuf [4]byte
		lenBuf[0] = byte(len(enc))
		lenBuf[1] = byte(len(enc) >> 8)
		lenBuf[2] = byte(len(enc) >> 16)
		lenBuf[3] = byte(len(enc) >> 24)
		out = append(out, lenBuf[:]...)
		out = append(out, enc...)
	}
	return h.bufs.Alloc(out), nil
}

func (h *hostCtx) newIter(tableID uint32, rows []satn.Value) uint32 {
	id := h.nextIter
	h.nextIter++
	h.iters[id] = &iterState{rows: rows}
	h.iterTable[id] = tableID
	return id
}
