package wsproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
)

// Binary framing (spec §6.1: "Binary framing = length-prefixed
// protobuf"). There is no .proto schema to generate from — the wire
// shapes below are hand-built with protowire, the same varint/tag
// primitives generated code would use, so the bytes on the wire are
// ordinary protobuf: field 1 LEN for FunctionCall.reducer, field 2 LEN
// for .args, and so on. BSATN-encoded rows are carried as opaque LEN
// fields; wsproto never inspects their contents.

const (
	fcFieldReducer = protowire.Number(1)
	fcFieldArgs    = protowire.Number(2)

	subFieldQuery = protowire.Number(1)

	cmFieldFunctionCall = protowire.Number(1)
	cmFieldSubscribe    = protowire.Number(2)

	itFieldIdentity = protowire.Number(1)
	itFieldToken    = protowire.Number(2)

	rowOpFieldOp  = protowire.Number(1)
	rowOpFieldRow = protowire.Number(2)

	tuFieldTableID   = protowire.Number(1)
	tuFieldTableName = protowire.Number(2)
	tuFieldRowOps    = protowire.Number(3)

	suFieldTableUpdates = protowire.Number(1)

	evFieldTimestamp = protowire.Number(1)
	evFieldCaller    = protowire.Number(2)
	evFieldReducer   = protowire.Number(3)
	evFieldArgs      = protowire.Number(4)
	evFieldStatus    = protowire.Number(5)
	evFieldMessage   = protowire.Number(6)
	evFieldEnergy    = protowire.Number(7)
	evFieldDuration  = protowire.Number(8)

	txFieldEvent = protowire.Number(1)
	txFieldSub   = protowire.Number(2)

	smFieldIdentityToken = protowire.Number(1)
	smFieldSubUpdate     = protowire.Number(2)
	smFieldTxUpdate      = protowire.Number(3)
	smFieldError         = protowire.Number(4)

	errFieldKind    = protowire.Number(1)
	errFieldMessage = protowire.Number(2)
)

// EncodeBinaryClientMessage is exposed for tests and SDKs exercising
// the binary profile end to end; the server only ever decodes.
func EncodeBinaryClientMessage(m *ClientMessage) []byte {
	var b []byte
	switch {
	case m.FunctionCall != nil:
		inner := encodeFunctionCall(m.FunctionCall)
		b = protowire.AppendTag(b, cmFieldFunctionCall, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case m.Subscribe != nil:
		inner := encodeSubscribe(m.Subscribe)
		b = protowire.AppendTag(b, cmFieldSubscribe, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

func encodeFunctionCall(fc *FunctionCall) []byte {
	var b []byte
	b = protowire.AppendTag(b, fcFieldReducer, protowire.BytesType)
	b = protowire.AppendString(b, fc.Reducer)
	b = protowire.AppendTag(b, fcFieldArgs, protowire.BytesType)
	b = protowire.AppendBytes(b, fc.Args)
	return b
}

func encodeSubscribe(s *Subscribe) []byte {
	var b []byte
	for _, q := range s.QueryStrings {
		b = protowire.AppendTag(b, subFieldQuery, protowire.BytesType)
		b = protowire.AppendString(b, q)
	}
	return b
}

// DecodeBinaryClientMessage parses one inbound binary-profile frame
// (spec §6.1).
func DecodeBinaryClientMessage(b []byte) (*ClientMessage, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, engineerr.New(engineerr.BadRequest, "malformed client frame tag")
		}
		b = b[n:]
		switch num {
		case cmFieldFunctionCall:
			inner, rest, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			b = rest
			fc, err := decodeFunctionCall(inner)
			if err != nil {
				return nil, err
			}
			return &ClientMessage{FunctionCall: fc}, nil
		case cmFieldSubscribe:
			inner, rest, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			b = rest
			return &ClientMessage{Subscribe: decodeSubscribe(inner)}, nil
		default:
			rest, err := skipField(b, typ)
			if err != nil {
				return nil, err
			}
			b = rest
		}
	}
	return nil, engineerr.New(engineerr.BadRequest, "empty client frame")
}

func decodeFunctionCall(b []byte) (*FunctionCall, error) {
	fc := &FunctionCall{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, engineerr.New(engineerr.BadRequest, "malformed FunctionCall tag")
		}
		b = b[n:]
		switch num {
		case fcFieldReducer:
			v, rest, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			fc.Reducer = string(v)
			b = rest
		case fcFieldArgs:
			v, rest, err := consumeBytes(b, typ)
			if err != nil {
				return nil, err
			}
			fc.Args = append([]byte(nil), v...)
			b = rest
		default:
			rest, err := skipField(b, typ)
			if err != nil {
				return nil, err
			}
			b = rest
		}
	}
	if fc.Reducer == "" {
		return nil, engineerr.New(engineerr.BadRequest, "FunctionCall missing reducer name")
	}
	return fc, nil
}

func decodeSubscribe(b []byte) *Subscribe {
	s := &Subscribe{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s
		}
		b = b[n:]
		if num == subFieldQuery {
			v, rest, err := consumeBytes(b, typ)
			if err != nil {
				return s
			}
			s.QueryStrings = append(s.QueryStrings, string(v))
			b = rest
			continue
		}
		rest, err := skipField(b, typ)
		if err != nil {
			return s
		}
		b = rest
	}
	return s
}

// EncodeBinaryServerMessage renders one outbound message in the binary
// profile (spec §6.1).
func EncodeBinaryServerMessage(m *ServerMessage) []byte {
	var b []byte
	switch {
	case m.IdentityToken != nil:
		inner := encodeIdentityToken(m.IdentityToken)
		b = protowire.AppendTag(b, smFieldIdentityToken, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case m.SubscriptionUpdate != nil:
		inner := encodeSubscriptionUpdate(m.SubscriptionUpdate)
		b = protowire.AppendTag(b, smFieldSubUpdate, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case m.TransactionUpdate != nil:
		inner := encodeTransactionUpdate(m.TransactionUpdate)
		b = protowire.AppendTag(b, smFieldTxUpdate, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case m.Error != nil:
		inner := encodeErrorMsg(m.Error)
		b = protowire.AppendTag(b, smFieldError, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

func encodeErrorMsg(e *ErrorMsg) []byte {
	var b []byte
	b = protowire.AppendTag(b, errFieldKind, protowire.BytesType)
	b = protowire.AppendString(b, e.Kind)
	b = protowire.AppendTag(b, errFieldMessage, protowire.BytesType)
	b = protowire.AppendString(b, e.Message)
	return b
}

func encodeIdentityToken(t *IdentityTokenMsg) []byte {
	var b []byte
	b = protowire.AppendTag(b, itFieldIdentity, protowire.BytesType)
	b = protowire.AppendBytes(b, t.Identity[:])
	b = protowire.AppendTag(b, itFieldToken, protowire.BytesType)
	b = protowire.AppendString(b, t.Token)
	return b
}

func encodeRowOperation(r RowOperation) []byte {
	var b []byte
	b = protowire.AppendTag(b, rowOpFieldOp, protowire.BytesType)
	b = protowire.AppendString(b, r.Op)
	b = protowire.AppendTag(b, rowOpFieldRow, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Row)
	return b
}

func encodeTableUpdate(t TableUpdate) []byte {
	var b []byte
	b = protowire.AppendTag(b, tuFieldTableID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.TableID))
	b = protowire.AppendTag(b, tuFieldTableName, protowire.BytesType)
	b = protowire.AppendString(b, t.TableName)
	for _, ro := range t.RowOperations {
		b = protowire.AppendTag(b, tuFieldRowOps, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeRowOperation(ro))
	}
	return b
}

func encodeSubscriptionUpdate(u *SubscriptionUpdateMsg) []byte {
	var b []byte
	for _, tu := range u.TableUpdates {
		b = protowire.AppendTag(b, suFieldTableUpdates, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTableUpdate(tu))
	}
	return b
}

func encodeEvent(e Event) []byte {
	var b []byte
	b = protowire.AppendTag(b, evFieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, e.TimestampMicros)
	b = protowire.AppendTag(b, evFieldCaller, protowire.BytesType)
	b = protowire.AppendBytes(b, e.CallerIdentity[:])
	b = protowire.AppendTag(b, evFieldReducer, protowire.BytesType)
	b = protowire.AppendString(b, e.Reducer)
	b = protowire.AppendTag(b, evFieldArgs, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Args)
	b = protowire.AppendTag(b, evFieldStatus, protowire.BytesType)
	b = protowire.AppendString(b, e.Status)
	b = protowire.AppendTag(b, evFieldMessage, protowire.BytesType)
	b = protowire.AppendString(b, e.Message)
	b = protowire.AppendTag(b, evFieldEnergy, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.EnergyUsed))
	b = protowire.AppendTag(b, evFieldDuration, protowire.VarintType)
	b = protowire.AppendVarint(b, e.DurationMicros)
	return b
}

func encodeTransactionUpdate(t *TransactionUpdateMsg) []byte {
	var b []byte
	b = protowire.AppendTag(b, txFieldEvent, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeEvent(t.Event))
	b = protowire.AppendTag(b, txFieldSub, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeSubscriptionUpdate(&t.SubscriptionUpdate))
	return b
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, []byte, error) {
	if typ != protowire.BytesType {
		return nil, nil, engineerr.New(engineerr.BadRequest, "expected length-delimited field")
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, engineerr.New(engineerr.BadRequest, "truncated length-delimited field")
	}
	return v, b[n:], nil
}

func skipField(b []byte, typ protowire.Type) ([]byte, error) {
	n := protowire.ConsumeFieldValue(0, typ, b)
	if n < 0 {
		return nil, engineerr.New(engineerr.BadRequest, fmt.Sprintf("malformed field of wire type %d", typ))
	}
	return b[n:], nil
}
