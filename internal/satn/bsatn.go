package satn

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxArrayLen and MaxStringLen bound declared lengths accepted during
// decode; a length prefix beyond these is treated as corrupt input
// rather than an attempt to allocate an enormous buffer.
const (
	MaxArrayLen  = 1 << 24
	MaxStringLen = 1 << 24
)

// Encode renders v (which must conform to t under ts) as canonical
// BSATN: little-endian, length-prefixed where needed, with Product
// fields written in declaration order and no field tags (spec §4.1).
// Encoding is deterministic — identical values always produce
// identical bytes — so it is safe to use encoded rows as index keys.
func Encode(ts *Typespace, t Type, v Value) ([]byte, error) {
	e := &encoder{ts: ts}
	if err := e.encodeValue(t, v); err != nil {
		return nil, err
	}
	return e.buf, nil
}

type encoder struct {
	ts  *Typespace
	buf []byte
}

func (e *encoder) putU8(b byte)    { e.buf = append(e.buf, b) }
func (e *encoder) putBytes(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) putU32(n uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	e.putBytes(b[:])
}

func (e *encoder) encodeValue(t Type, v Value) error {
	rt, err := e.ts.Resolve(t)
	if err != nil {
		return err
	}
	switch rt.Kind {
	case KindBuiltin:
		return e.encodeBuiltin(rt, v)
	case KindProduct:
		return e.encodeProduct(rt, v)
	case KindSum:
		return e.encodeSum(rt, v)
	default:
		return fmt.Errorf("bsatn: unresolved type kind %d", rt.Kind)
	}
}

func (e *encoder) encodeProduct(rt Type, v Value) error {
	if v.Kind != ValueProduct || v.Product == nil {
		return fmt.Errorf("bsatn: expected ProductValue for Product type")
	}
	if len(v.Product.Fields) != len(rt.Elements) {
		return fmt.Errorf("bsatn: product arity mismatch: have %d fields, type has %d", len(v.Product.Fields), len(rt.Elements))
	}
	for i, elem := range rt.Elements {
		if err := e.encodeValue(elem.Type, v.Product.Fields[i]); err != nil {
			return fmt.Errorf("bsatn: field %d: %w", i, err)
		}
	}
	return nil
}

func (e *encoder) encodeSum(rt Type, v Value) error {
	if v.Kind != ValueSum || v.Sum == nil {
		return fmt.Errorf("bsatn: expected SumValue for Sum type")
	}
	if int(v.Sum.Tag) >= len(rt.Variants) {
		return fmt.Errorf("bsatn: sum tag %d out of range (%d variants)", v.Sum.Tag, len(rt.Variants))
	}
	e.putU8(v.Sum.Tag)
	return e.encodeValue(rt.Variants[v.Sum.Tag].Type, v.Sum.Payload)
}

func (e *encoder) encodeBuiltin(rt Type, v Value) error {
	if v.Kind != ValueBuiltin {
		return fmt.Errorf("bsatn: expected BuiltinValue")
	}
	b := v.Builtin
	// Signed integers are held in I64 / I128Hi:I128Lo (see BuiltinValue);
	// their two's-complement bits go out through the unsigned fields below.
	switch rt.Builtin {
	case BuiltinI8, BuiltinI16, BuiltinI32, BuiltinI64:
		b.U64 = uint64(b.I64)
	case BuiltinI128:
		b.U128Lo, b.U128Hi = b.I128Lo, uint64(b.I128Hi)
	}
	switch rt.Builtin {
	case BuiltinBool:
		if b.Bool {
			e.putU8(1)
		} else {
			e.putU8(0)
		}
	case BuiltinI8, BuiltinU8:
		e.putU8(byte(b.U64))
	case BuiltinI16, BuiltinU16:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(b.U64))
		e.putBytes(buf[:])
	case BuiltinI32, BuiltinU32:
		e.putU32(uint32(b.U64))
	case BuiltinI64, BuiltinU64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], b.U64)
		e.putBytes(buf[:])
	case BuiltinI128, BuiltinU128:
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[0:8], b.U128Lo)
		binary.LittleEndian.PutUint64(buf[8:16], b.U128Hi)
		e.putBytes(buf[:])
	case BuiltinF32:
		e.putU32(math.Float32bits(b.F32))
	case BuiltinF64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(b.F64))
		e.putBytes(buf[:])
	case BuiltinString:
		data := []byte(b.Str)
		e.putU32(uint32(len(data)))
		e.putBytes(data)
	case BuiltinArray:
		e.putU32(uint32(len(b.Arr)))
		if rt.Array == nil {
			return fmt.Errorf("bsatn: array type missing element type")
		}
		for i, elem := range b.Arr {
			if err := e.encodeValue(*rt.Array, elem); err != nil {
				return fmt.Errorf("bsatn: array[%d]: %w", i, err)
			}
		}
	case BuiltinMap:
		e.putU32(uint32(len(b.Map)))
		if rt.MapKey == nil || rt.MapVal == nil {
			return fmt.Errorf("bsatn: map type missing key/value type")
		}
		for i, entry := range b.Map {
			if err := e.encodeValue(*rt.MapKey, entry.Key); err != nil {
				return fmt.Errorf("bsatn: map[%d].key: %w", i, err)
			}
			if err := e.encodeValue(*rt.MapVal, entry.Val); err != nil {
				return fmt.Errorf("bsatn: map[%d].val: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("bsatn: unknown builtin kind %d", rt.Builtin)
	}
	return nil
}

// Decode parses b as a value of type t under ts. Decoding fails if
// bytes remain after a top-level value is consumed, if a sum tag is
// out of range, or if a declared length exceeds MaxArrayLen/MaxStringLen
// (spec §4.1).
func Decode(ts *Typespace, t Type, b []byte) (Value, error) {
	d := &decoder{ts: ts, buf: b}
	v, err := d.decodeValue(t)
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.buf) {
		return Value{}, fmt.Errorf("bsatn: %d trailing bytes after decode", len(d.buf)-d.pos)
	}
	return v, nil
}

type decoder struct {
	ts  *Typespace
	buf []byte
	pos int
}

func (d *decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return fmt.Errorf("bsatn: unexpected EOF: need %d bytes at offset %d, have %d", n, d.pos, len(d.buf)-d.pos)
	}
	return nil
}

func (d *decoder) getU8() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) getBytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) getU32() (uint32, error) {
	b, err := d.getBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) getU64() (uint64, error) {
	b, err := d.getBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) decodeValue(t Type) (Value, error) {
	rt, err := d.ts.Resolve(t)
	if err != nil {
		return Value{}, err
	}
	switch rt.Kind {
	case KindBuiltin:
		return d.decodeBuiltin(rt)
	case KindProduct:
		return d.decodeProduct(rt)
	case KindSum:
		return d.decodeSum(rt)
	default:
		return Value{}, fmt.Errorf("bsatn: unresolved type kind %d", rt.Kind)
	}
}

func (d *decoder) decodeProduct(rt Type) (Value, error) {
	fields := make([]Value, len(rt.Elements))
	for i, elem := range rt.Elements {
		v, err := d.decodeValue(elem.Type)
		if err != nil {
			return Value{}, fmt.Errorf("bsatn: field %d: %w", i, err)
		}
		fields[i] = v
	}
	return Value{Kind: ValueProduct, Product: &ProductValue{Fields: fields}}, nil
}

func (d *decoder) decodeSum(rt Type) (Value, error) {
	tag, err := d.getU8()
	if err != nil {
		return Value{}, err
	}
	if int(tag) >= len(rt.Variants) {
		return Value{}, fmt.Errorf("bsatn: sum tag %d out of range (%d variants)", tag, len(rt.Variants))
	}
	payload, err := d.decodeValue(rt.Variants[tag].Type)
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: ValueSum, Sum: &SumValue{Tag: tag, Payload: payload}}, nil
}

func (d *decoder) decodeBuiltin(rt Type) (Value, error) {
	bv := BuiltinValue{Kind: rt.Builtin}
	switch rt.Builtin {
	case BuiltinBool:
		b, err := d.getU8()
		if err != nil {
			return Value{}, err
		}
		bv.Bool = b != 0
	case BuiltinI8, BuiltinU8:
		b, err := d.getU8()
		if err != nil {
			return Value{}, err
		}
		bv.U64 = uint64(b)
		if rt.Builtin == BuiltinI8 {
			bv.I64 = int64(int8(b))
		}
	case BuiltinI16, BuiltinU16:
		b, err := d.getBytes(2)
		if err != nil {
			return Value{}, err
		}
		u := binary.LittleEndian.Uint16(b)
		bv.U64 = uint64(u)
		if rt.Builtin == BuiltinI16 {
			bv.I64 = int64(int16(u))
		}
	case BuiltinI32, BuiltinU32:
		u, err := d.getU32()
		if err != nil {
			return Value{}, err
		}
		bv.U64 = uint64(u)
		if rt.Builtin == BuiltinI32 {
			bv.I64 = int64(int32(u))
		}
	case BuiltinI64, BuiltinU64:
		u, err := d.getU64()
		if err != nil {
			return Value{}, err
		}
		bv.U64 = u
		if rt.Builtin == BuiltinI64 {
			bv.I64 = int64(u)
		}
	case BuiltinI128, BuiltinU128:
		lo, err := d.getU64()
		if err != nil {
			return Value{}, err
		}
		hi, err := d.getU64()
		if err != nil {
			return Value{}, err
		}
		bv.U128Lo, bv.U128Hi = lo, hi
		if rt.Builtin == BuiltinI128 {
			bv.I128Lo, bv.I128Hi = lo, int64(hi)
		}
	case BuiltinF32:
		u, err := d.getU32()
		if err != nil {
			return Value{}, err
		}
		bv.F32 = math.Float32frombits(u)
	case BuiltinF64:
		u, err := d.getU64()
		if err != nil {
			return Value{}, err
		}
		bv.F64 = math.Float64frombits(u)
	case BuiltinString:
		n, err := d.getU32()
		if err != nil {
			return Value{}, err
		}
		if n > MaxStringLen {
			return Value{}, fmt.Errorf("bsatn: string length %d exceeds maximum", n)
		}
		b, err := d.getBytes(int(n))
		if err != nil {
			return Value{}, err
		}
		bv.Str = string(b)
	case BuiltinArray:
		n, err := d.getU32()
		if err != nil {
			return Value{}, err
		}
		if n > MaxArrayLen {
			return Value{}, fmt.Errorf("bsatn: array length %d exceeds maximum", n)
		}
		if rt.Array == nil {
			return Value{}, fmt.Errorf("bsatn: array type missing element type")
		}
		arr := make([]Value, n)
		for i := range arr {
			v, err := d.decodeValue(*rt.Array)
			if err != nil {
				return Value{}, fmt.Errorf("bsatn: array[%d]: %w", i, err)
			}
			arr[i] = v
		}
		bv.Arr = arr
	case BuiltinMap:
		n, err := d.getU32()
		if err != nil {
			return Value{}, err
		}
		if n > MaxArrayLen {
			return Value{}, fmt.Errorf("bsatn: map length %d exceeds maximum", n)
		}
		if rt.MapKey == nil || rt.MapVal == nil {
			return Value{}, fmt.Errorf("bsatn: map type missing key/value type")
		}
		entries := make([]MapEntry, n)
		for i := range entries {
			k, err := d.decodeValue(*rt.MapKey)
			if err != nil {
				return Value{}, fmt.Errorf("bsatn: map[%d].key: %w", i, err)
			}
			v, err := d.decodeValue(*rt.MapVal)
			if err != nil {
				return Value{}, fmt.Errorf("bsatn: map[%d].val: %w", i, err)
			}
			entries[i] = MapEntry{Key: k, Val: v}
		}
		bv.Map = entries
	default:
		return Value{}, fmt.Errorf("bsatn: unknown builtin kind %d", rt.Builtin)
	}
	return Value{Kind: ValueBuiltin, Builtin: bv}, nil
}
