package satn

import "fmt"

// Typecheck verifies that v conforms structurally to t under ts. It is
// required on every insert and reducer-argument decode (spec §4.1); no
// coercion is performed — a u32 value offered where a u64 is expected
// fails rather than widening.
func Typecheck(ts *Typespace, t Type, v Value) error {
	rt, err := ts.Resolve(t)
	if err != nil {
		return err
	}
	switch rt.Kind {
	case KindProduct:
		if v.Kind != ValueProduct || v.Product == nil {
			return fmt.Errorf("satn: expected product value")
		}
		if len(v.Product.Fields) != len(rt.Elements) {
			return fmt.Errorf("satn: product arity mismatch: have %d, want %d", len(v.Product.Fields), len(rt.Elements))
		}
		for i, elem := range rt.Elements {
			if err := Typecheck(ts, elem.Type, v.Product.Fields[i]); err != nil {
				return fmt.Errorf("satn: field %d: %w", i, err)
			}
		}
		return nil
	case KindSum:
		if v.Kind != ValueSum || v.Sum == nil {
			return fmt.Errorf("satn: expected sum value")
		}
		if int(v.Sum.Tag) >= len(rt.Variants) {
			return fmt.Errorf("satn: sum tag %d out of range (%d variants)", v.Sum.Tag, len(rt.Variants))
		}
		return Typecheck(ts, rt.Variants[v.Sum.Tag].Type, v.Sum.Payload)
	case KindBuiltin:
		return typecheckBuiltin(ts, rt, v)
	default:
		return fmt.Errorf("satn: unresolved type kind %d", rt.Kind)
	}
}

func typecheckBuiltin(ts *Typespace, rt Type, v Value) error {
	if v.Kind != ValueBuiltin {
		return fmt.Errorf("satn: expected builtin value for %v", rt.Builtin)
	}
	if v.Builtin.Kind != rt.Builtin {
		return fmt.Errorf("satn: builtin kind mismatch: value is %v, type wants %v", v.Builtin.Kind, rt.Builtin)
	}
	switch rt.Builtin {
	case BuiltinArray:
		if rt.Array == nil {
			return fmt.Errorf("satn: array type missing element type")
		}
		for i, elem := range v.Builtin.Arr {
			if err := Typecheck(ts, *rt.Array, elem); err != nil {
				return fmt.Errorf("satn: array[%d]: %w", i, err)
			}
		}
	case BuiltinMap:
		if rt.MapKey == nil || rt.MapVal == nil {
			return fmt.Errorf("satn: map type missing key/value type")
		}
		for i, entry := range v.Builtin.Map {
			if err := Typecheck(ts, *rt.MapKey, entry.Key); err != nil {
				return fmt.Errorf("satn: map[%d].key: %w", i, err)
			}
			if err := Typecheck(ts, *rt.MapVal, entry.Val); err != nil {
				return fmt.Errorf("satn: map[%d].val: %w", i, err)
			}
		}
	}
	return nil
}

// IsZero reports whether v is the zero value of an integer builtin
// type — used by the auto-increment rule (spec §3: "column value of 0
// at insert triggers allocation").
func IsZero(v Value) bool {
	if v.Kind != ValueBuiltin {
		return false
	}
	switch v.Builtin.Kind {
	case BuiltinI8, BuiltinI16, BuiltinI32, BuiltinI64:
		return v.Builtin.I64 == 0
	case BuiltinU8, BuiltinU16, BuiltinU32, BuiltinU64:
		return v.Builtin.U64 == 0
	case BuiltinI128, BuiltinU128:
		return v.Builtin.U128Hi == 0 && v.Builtin.U128Lo == 0 && v.Builtin.I128Hi == 0 && v.Builtin.I128Lo == 0
	default:
		return false
	}
}
