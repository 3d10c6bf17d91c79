package scheduler

import (
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
)

// buildScheduledRow constructs a row for a scheduled table, the shape
// spec §3 describes: an auto-incremented id, a `ScheduleAt` sum value,
// and the BSATN arguments the reducer is re-invoked with. A scheduled
// table's columns are expected to hold exactly these three fields, at
// whatever positions ScheduledTable.{IDCol,ScheduleCol,ArgsCol} name;
// db is accepted for symmetry with the rest of the store API even
// though building the row needs no table lookup.
func buildScheduledRow(db *store.Database, st ScheduledTable, kind uint8, at uint64, args []byte) (satn.Value, error) {
	width := st.IDCol
	if st.ScheduleCol > width {
		width = st.ScheduleCol
	}
	if st.ArgsCol > width {
		width = st.ArgsCol
	}
	fields := make([]satn.Value, width+1)
	for i := range fields {
		fields[i] = satn.U64Value(satn.BuiltinU64, 0)
	}
	fields[st.IDCol] = satn.U64Value(satn.BuiltinU64, 0)
	fields[st.ScheduleCol] = satn.NewSumValue(kind, satn.U64Value(satn.BuiltinU64, at))
	fields[st.ArgsCol] = satn.ArrayValue(satn.BuiltinU8, bytesToValues(args))
	return satn.NewProductValue(fields...), nil
}

func bytesToValues(b []byte) []satn.Value {
	out := make([]satn.Value, len(b))
	for i, c := range b {
		out[i] = satn.U64Value(satn.BuiltinU8, uint64(c))
	}
	return out
}
