package satn

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	ValueSum ValueKind = iota
	ValueProduct
	ValueBuiltin
)

// SumValue is a tagged payload: Tag indexes the Sum type's Variants.
type SumValue struct {
	Tag     uint8
	Payload Value
}

// ProductValue is an ordered field list conforming to a Product type.
// This is also the shape every table Row takes: row identity is by
// value, there is no separate row id (spec §3).
type ProductValue struct {
	Fields []Value
}

// BuiltinValue holds exactly one of the scalar/container payloads,
// selected by the enclosing Type's BuiltinKind.
type BuiltinValue struct {
	Kind   BuiltinKind
	Bool   bool
	I64    int64  // i8..i64 stored widened; width enforced by typecheck
	U64    uint64 // u8..u64 stored widened
	I128Hi int64  // i128 high 64 bits (two's complement)
	I128Lo uint64
	U128Hi uint64
	U128Lo uint64
	F32    float32
	F64    float64
	Str    string
	Arr    []Value
	Map    []MapEntry
}

// MapEntry is one (key, value) pair of a map builtin. A slice (not a Go
// map) preserves a deterministic iteration/encoding order, required for
// canonical BSATN encoding (spec §4.1: "identical values produce
// identical bytes").
type MapEntry struct {
	Key Value
	Val Value
}

// Value is the tagged union of §3: SumValue | ProductValue | BuiltinValue.
type Value struct {
	Kind    ValueKind
	Sum     *SumValue
	Product *ProductValue
	Builtin BuiltinValue
}

func NewSumValue(tag uint8, payload Value) Value {
	return Value{Kind: ValueSum, Sum: &SumValue{Tag: tag, Payload: payload}}
}

func NewProductValue(fields ...Value) Value {
	return Value{Kind: ValueProduct, Product: &ProductValue{Fields: fields}}
}

func BoolValue(b bool) Value {
	return Value{Kind: ValueBuiltin, Builtin: BuiltinValue{Kind: BuiltinBool, Bool: b}}
}

func I64Value(k BuiltinKind, v int64) Value {
	return Value{Kind: ValueBuiltin, Builtin: BuiltinValue{Kind: k, I64: v}}
}

func U64Value(k BuiltinKind, v uint64) Value {
	return Value{Kind: ValueBuiltin, Builtin: BuiltinValue{Kind: k, U64: v}}
}

func F32Value(v float32) Value {
	return Value{Kind: ValueBuiltin, Builtin: BuiltinValue{Kind: BuiltinF32, F32: v}}
}

func F64Value(v float64) Value {
	return Value{Kind: ValueBuiltin, Builtin: BuiltinValue{Kind: BuiltinF64, F64: v}}
}

func StringValue(s string) Value {
	return Value{Kind: ValueBuiltin, Builtin: BuiltinValue{Kind: BuiltinString, Str: s}}
}

func ArrayValue(elemKind BuiltinKind, elems []Value) Value {
	return Value{Kind: ValueBuiltin, Builtin: BuiltinValue{Kind: BuiltinArray, Arr: elems}}
}

func MapValue(entries []MapEntry) Value {
	return Value{Kind: ValueBuiltin, Builtin: BuiltinValue{Kind: BuiltinMap, Map: entries}}
}

// AsProduct returns the field slice of a row-shaped Value, or nil if the
// value is not a ProductValue.
func (v Value) AsProduct() []Value {
	if v.Kind != ValueProduct || v.Product == nil {
		return nil
	}
	return v.Product.Fields
}
