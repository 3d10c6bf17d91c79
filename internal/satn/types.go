// Package satn implements the algebraic type system and BSATN/SATN-JSON
// codecs shared by every table, reducer argument, and wire message in the
// engine. Types are frozen into a per-database typespace at publish time;
// every row and reducer signature is a Ref into that typespace.
package satn

import "fmt"

// TypeKind tags the variant held by a Type value.
type TypeKind uint8

const (
	KindSum TypeKind = iota
	KindProduct
	KindBuiltin
	KindRef
)

// BuiltinKind enumerates the scalar and container builtin types.
type BuiltinKind uint8

const (
	BuiltinBool BuiltinKind = iota
	BuiltinI8
	BuiltinU8
	BuiltinI16
	BuiltinU16
	BuiltinI32
	BuiltinU32
	BuiltinI64
	BuiltinU64
	BuiltinI128
	BuiltinU128
	BuiltinF32
	BuiltinF64
	BuiltinString
	BuiltinArray
	BuiltinMap
)

// SumVariant is one labelled arm of a Sum type.
type SumVariant struct {
	Name *string
	Type Type
}

// ProductElem is one labelled field of a Product (row) type.
type ProductElem struct {
	Name *string
	Type Type
}

// Type is the tagged union described in spec §3/§4.1: Sum, Product,
// Builtin, or Ref(n) into the enclosing Typespace. Only the field that
// matches Kind is meaningful.
type Type struct {
	Kind    TypeKind
	Variants []SumVariant // Kind == KindSum
	Elements []ProductElem // Kind == KindProduct
	Builtin BuiltinKind   // Kind == KindBuiltin
	Array   *Type         // Kind == KindBuiltin, Builtin == BuiltinArray
	MapKey  *Type         // Kind == KindBuiltin, Builtin == BuiltinMap
	MapVal  *Type         // Kind == KindBuiltin, Builtin == BuiltinMap
	Ref     uint32        // Kind == KindRef
}

func SumType(variants ...SumVariant) Type {
	return Type{Kind: KindSum, Variants: variants}
}

func ProductType(elems ...ProductElem) Type {
	return Type{Kind: KindProduct, Elements: elems}
}

func Builtin(k BuiltinKind) Type {
	return Type{Kind: KindBuiltin, Builtin: k}
}

func ArrayType(elem Type) Type {
	return Type{Kind: KindBuiltin, Builtin: BuiltinArray, Array: &elem}
}

func MapType(key, val Type) Type {
	return Type{Kind: KindBuiltin, Builtin: BuiltinMap, MapKey: &key, MapVal: &val}
}

func RefType(n uint32) Type {
	return Type{Kind: KindRef, Ref: n}
}

// Typespace is the vector of Types published with a module. It is
// immutable after publish except across a schema-migrating republish;
// Ref(n) always resolves against the Typespace active at the time.
type Typespace struct {
	Types []Type
}

// Resolve follows a Ref until it reaches a non-Ref type, or returns an
// error if the chain is malformed (out of range). Cyclic Sum/Product
// types are resolved structurally at encode/decode time, never by
// following live pointers — see Resolve callers in bsatn.go.
func (ts *Typespace) Resolve(t Type) (Type, error) {
	seen := map[uint32]bool{}
	for t.Kind == KindRef {
		if seen[t.Ref] {
			return Type{}, fmt.Errorf("satn: cyclic ref chain at %d", t.Ref)
		}
		seen[t.Ref] = true
		if int(t.Ref) >= len(ts.Types) {
			return Type{}, fmt.Errorf("satn: ref %d out of range (typespace has %d types)", t.Ref, len(ts.Types))
		}
		t = ts.Types[t.Ref]
	}
	return t, nil
}

// RowType is simply a Product-kind Type by convention; IsRowType checks
// that shape after resolving any leading Ref.
func (ts *Typespace) IsRowType(t Type) bool {
	resolved, err := ts.Resolve(t)
	if err != nil {
		return false
	}
	return resolved.Kind == KindProduct
}
