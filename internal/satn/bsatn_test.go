package satn

import "testing"

func personType() (*Typespace, Type) {
	ts := &Typespace{Types: []Type{
		ProductType(
			ProductElem{Name: strPtr("id"), Type: Builtin(BuiltinU64)},
			ProductElem{Name: strPtr("name"), Type: Builtin(BuiltinString)},
			ProductElem{Name: strPtr("active"), Type: Builtin(BuiltinBool)},
		),
	}}
	return ts, RefType(0)
}

func strPtr(s string) *string { return &s }

func TestBSATNRoundTrip(t *testing.T) {
	ts, rowType := personType()
	tests := []struct {
		name string
		v    Value
	}{
		{"basic", NewProductValue(U64Value(BuiltinU64, 7), StringValue("Robert"), BoolValue(true))},
		{"empty string", NewProductValue(U64Value(BuiltinU64, 0), StringValue(""), BoolValue(false))},
		{"unicode", NewProductValue(U64Value(BuiltinU64, 42), StringValue("héllo wörld"), BoolValue(true))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			enc, err := Encode(ts, rowType, tc.v)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			dec, err := Decode(ts, rowType, enc)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !Equal(dec, tc.v) {
				t.Fatalf("round-trip mismatch: got %+v, want %+v", dec, tc.v)
			}
			enc2, err := Encode(ts, rowType, dec)
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			if string(enc) != string(enc2) {
				t.Fatalf("encoding not canonical: %x != %x", enc, enc2)
			}
		})
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	ts, rowType := personType()
	v := NewProductValue(U64Value(BuiltinU64, 1), StringValue("x"), BoolValue(false))
	enc, err := Encode(ts, rowType, v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(ts, rowType, append(enc, 0xFF)); err == nil {
		t.Fatalf("expected error for trailing bytes")
	}
}

func TestDecodeRejectsOversizedString(t *testing.T) {
	ts := &Typespace{Types: []Type{Builtin(BuiltinString)}}
	// length prefix claiming more bytes than present and beyond maximum
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := Decode(ts, RefType(0), buf); err == nil {
		t.Fatalf("expected error for oversized string length")
	}
}

func TestSumRoundTrip(t *testing.T) {
	ts := &Typespace{Types: []Type{
		SumType(
			SumVariant{Name: strPtr("Interval"), Type: Builtin(BuiltinU64)},
			SumVariant{Name: strPtr("Time"), Type: Builtin(BuiltinU64)},
		),
	}}
	v := NewSumValue(1, U64Value(BuiltinU64, 1000))
	enc, err := Encode(ts, RefType(0), v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := Decode(ts, RefType(0), enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !Equal(dec, v) {
		t.Fatalf("mismatch: %+v vs %+v", dec, v)
	}
}

func TestSumTagOutOfRange(t *testing.T) {
	ts := &Typespace{Types: []Type{
		SumType(SumVariant{Type: Builtin(BuiltinU64)}),
	}}
	if _, err := Decode(ts, RefType(0), []byte{5, 0, 0, 0, 0, 0, 0, 0, 0}); err == nil {
		t.Fatalf("expected out-of-range tag error")
	}
}

func TestTypecheckRejectsArityMismatch(t *testing.T) {
	ts, rowType := personType()
	bad := NewProductValue(U64Value(BuiltinU64, 1), StringValue("x"))
	if err := Typecheck(ts, rowType, bad); err == nil {
		t.Fatalf("expected arity mismatch error")
	}
}

func TestCompareOrdersU64Values(t *testing.T) {
	a := U64Value(BuiltinU64, 1)
	b := U64Value(BuiltinU64, 2)
	if Compare(a, b) >= 0 {
		t.Fatalf("expected a < b")
	}
	if Compare(b, a) <= 0 {
		t.Fatalf("expected b > a")
	}
	if Compare(a, a) != 0 {
		t.Fatalf("expected a == a")
	}
}

func TestIsZero(t *testing.T) {
	if !IsZero(U64Value(BuiltinU64, 0)) {
		t.Fatalf("expected zero value")
	}
	if IsZero(U64Value(BuiltinU64, 1)) {
		t.Fatalf("expected non-zero value")
	}
}
