package satn

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// WideIntProfile controls whether integers wider than 53 bits are
// emitted as JSON numbers (lossy, default) or as decimal strings (spec
// §4.1: "implementers must emit/accept strings for clients that
// request it (optional profile)").
type WideIntProfile int

const (
	WideIntAsNumber WideIntProfile = iota
	WideIntAsString
)

// ToJSON renders v as its SATN-JSON mirror: the textual profile used by
// the `v1.text.spacetimedb` wire encoding. BSATN remains normative;
// this mirror exists for debugging and for clients that prefer JSON.
func ToJSON(ts *Typespace, t Type, v Value, profile WideIntProfile) (interface{}, error) {
	rt, err := ts.Resolve(t)
	if err != nil {
		return nil, err
	}
	switch rt.Kind {
	case KindProduct:
		if v.Kind != ValueProduct {
			return nil, fmt.Errorf("satn/json: expected product value")
		}
		out := make([]interface{}, len(rt.Elements))
		for i, elem := range rt.Elements {
			jv, err := ToJSON(ts, elem.Type, v.Product.Fields[i], profile)
			if err != nil {
				return nil, err
			}
			out[i] = jv
		}
		return out, nil
	case KindSum:
		if v.Kind != ValueSum {
			return nil, fmt.Errorf("satn/json: expected sum value")
		}
		payload, err := ToJSON(ts, rt.Variants[v.Sum.Tag].Type, v.Sum.Payload, profile)
		if err != nil {
			return nil, err
		}
		obj := map[string]interface{}{"tag": v.Sum.Tag}
		if rt.Variants[v.Sum.Tag].Name != nil {
			obj["name"] = *rt.Variants[v.Sum.Tag].Name
		}
		obj["value"] = payload
		return obj, nil
	case KindBuiltin:
		return builtinToJSON(ts, rt, v, profile)
	default:
		return nil, fmt.Errorf("satn/json: unresolved type kind %d", rt.Kind)
	}
}

func isWide(k BuiltinKind) bool {
	switch k {
	case BuiltinI64, BuiltinU64, BuiltinI128, BuiltinU128:
		return true
	default:
		return false
	}
}

func builtinToJSON(ts *Typespace, rt Type, v Value, profile WideIntProfile) (interface{}, error) {
	b := v.Builtin
	switch rt.Builtin {
	case BuiltinBool:
		return b.Bool, nil
	case BuiltinI8, BuiltinI16, BuiltinI32:
		return b.I64, nil
	case BuiltinU8, BuiltinU16, BuiltinU32:
		return b.U64, nil
	case BuiltinI64:
		if profile == WideIntAsString {
			return strconv.FormatInt(b.I64, 10), nil
		}
		return b.I64, nil
	case BuiltinU64:
		if profile == WideIntAsString {
			return strconv.FormatUint(b.U64, 10), nil
		}
		return b.U64, nil
	case BuiltinI128, BuiltinU128:
		// Always string: no JSON numeric type can hold 128 bits without loss.
		return formatU128(b.U128Hi, b.U128Lo), nil
	case BuiltinF32:
		return b.F32, nil
	case BuiltinF64:
		return b.F64, nil
	case BuiltinString:
		return b.Str, nil
	case BuiltinArray:
		out := make([]interface{}, len(b.Arr))
		for i, elem := range b.Arr {
			jv, err := ToJSON(ts, *rt.Array, elem, profile)
			if err != nil {
				return nil, err
			}
			out[i] = jv
		}
		return out, nil
	case BuiltinMap:
		out := make([]interface{}, len(b.Map))
		for i, entry := range b.Map {
			kj, err := ToJSON(ts, *rt.MapKey, entry.Key, profile)
			if err != nil {
				return nil, err
			}
			vj, err := ToJSON(ts, *rt.MapVal, entry.Val, profile)
			if err != nil {
				return nil, err
			}
			out[i] = []interface{}{kj, vj}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("satn/json: unknown builtin kind %d", rt.Builtin)
	}
}

func formatU128(hi uint64, lo uint64) string {
	// Render as a big-endian 128-bit unsigned decimal via repeated
	// division; hi/lo are little-endian halves per BSATN layout.
	if hi == 0 {
		return strconv.FormatUint(lo, 10)
	}
	digits := make([]byte, 0, 39)
	hiv, lov := hi, lo
	for hiv != 0 || lov != 0 {
		rem := uint64(0)
		for _, half := range []*uint64{&hiv, &lov} {
			cur := rem<<32 | (*half >> 32)
			q1 := cur / 10
			rem = cur % 10
			cur = rem<<32 | (*half & 0xffffffff)
			q0 := cur / 10
			rem = cur % 10
			*half = q1<<32 | q0
		}
		digits = append(digits, byte('0'+rem))
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}

// MarshalRowJSON is a convenience wrapper producing a compact encoded
// document for a table row, used by the text-protocol TableUpdate path.
func MarshalRowJSON(ts *Typespace, rowType Type, row Value) ([]byte, error) {
	jv, err := ToJSON(ts, rowType, row, WideIntAsNumber)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jv)
}
