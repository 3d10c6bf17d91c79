package wsproto

import (
	"encoding/hex"
	"encoding/json"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
)

// Text framing (spec §6.1: "text framing = one JSON object per
// WebSocket message"). Row payloads are carried pre-rendered as
// SATN-JSON (internal/satn.ToJSON), so this codec only wraps the
// envelope shapes; it never touches row bytes itself.

type wireFunctionCall struct {
	Reducer string          `json:"reducer"`
	Args    json.RawMessage `json:"args"`
}

type wireSubscribe struct {
	QueryStrings []string `json:"query_strings"`
}

type wireClientMessage struct {
	FunctionCall *wireFunctionCall `json:"FunctionCall,omitempty"`
	Subscribe    *wireSubscribe    `json:"Subscribe,omitempty"`
}

// DecodeTextClientMessage parses one inbound text-profile frame (spec
// §6.1). FunctionCall.args in the text profile is a JSON array; it is
// passed through as the raw bytes of that array, matching the binary
// profile's "opaque bytes the module interprets" contract.
func DecodeTextClientMessage(b []byte) (*ClientMessage, error) {
	var w wireClientMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, engineerr.Wrap(engineerr.BadRequest, "decode text client message", err)
	}
	switch {
	case w.FunctionCall != nil:
		return &ClientMessage{FunctionCall: &FunctionCall{
			Reducer: w.FunctionCall.Reducer,
			Args:    append([]byte(nil), w.FunctionCall.Args...),
		}}, nil
	case w.Subscribe != nil:
		return &ClientMessage{Subscribe: &Subscribe{QueryStrings: w.Subscribe.QueryStrings}}, nil
	default:
		return nil, engineerr.New(engineerr.BadRequest, "text client message names neither FunctionCall nor Subscribe")
	}
}

type wireIdentityToken struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

type wireRowOperation struct {
	Op  string          `json:"op"`
	Row json.RawMessage `json:"row"`
}

type wireTableUpdate struct {
	TableID       uint32             `json:"table_id"`
	TableName     string             `json:"table_name"`
	RowOperations []wireRowOperation `json:"row_operations"`
}

type wireSubscriptionUpdate struct {
	TableUpdates []wireTableUpdate `json:"table_updates"`
}

type wireEvent struct {
	TimestampMicros uint64 `json:"timestamp"`
	CallerIdentity  string `json:"caller_identity"`
	Reducer         string `json:"reducer"`
	Status          string `json:"status"`
	Message         string `json:"message,omitempty"`
	EnergyUsed      int64  `json:"energy_used"`
	DurationMicros  uint64 `json:"duration_micros"`
}

type wireTransactionUpdate struct {
	Event              wireEvent              `json:"event"`
	SubscriptionUpdate wireSubscriptionUpdate `json:"subscription_update"`
}

type wireErrorMsg struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type wireServerMessage struct {
	IdentityToken      *wireIdentityToken      `json:"IdentityToken,omitempty"`
	SubscriptionUpdate *wireSubscriptionUpdate `json:"SubscriptionUpdate,omitempty"`
	TransactionUpdate  *wireTransactionUpdate  `json:"TransactionUpdate,omitempty"`
	Error              *wireErrorMsg           `json:"Error,omitempty"`
}

func toWireRowOps(ops []RowOperation) []wireRowOperation {
	out := make([]wireRowOperation, len(ops))
	for i, o := range ops {
		out[i] = wireRowOperation{Op: o.Op, Row: json.RawMessage(o.Row)}
	}
	return out
}

func toWireTableUpdates(tus []TableUpdate) []wireTableUpdate {
	out := make([]wireTableUpdate, len(tus))
	for i, tu := range tus {
		out[i] = wireTableUpdate{
			TableID:       tu.TableID,
			TableName:     tu.TableName,
			RowOperations: toWireRowOps(tu.RowOperations),
		}
	}
	return out
}

func toWireSubUpdate(u SubscriptionUpdateMsg) wireSubscriptionUpdate {
	return wireSubscriptionUpdate{TableUpdates: toWireTableUpdates(u.TableUpdates)}
}

// EncodeTextServerMessage renders one outbound message in the text
// profile (spec §6.1, §9 "JSON precision: text protocol is for
// debugging").
func EncodeTextServerMessage(m *ServerMessage) ([]byte, error) {
	var w wireServerMessage
	switch {
	case m.IdentityToken != nil:
		w.IdentityToken = &wireIdentityToken{
			Identity: hex.EncodeToString(m.IdentityToken.Identity[:]),
			Token:    m.IdentityToken.Token,
		}
	case m.SubscriptionUpdate != nil:
		su := toWireSubUpdate(*m.SubscriptionUpdate)
		w.SubscriptionUpdate = &su
	case m.TransactionUpdate != nil:
		e := m.TransactionUpdate.Event
		w.TransactionUpdate = &wireTransactionUpdate{
			Event: wireEvent{
				TimestampMicros: e.TimestampMicros,
				CallerIdentity:  hex.EncodeToString(e.CallerIdentity[:]),
				Reducer:         e.Reducer,
				Status:          e.Status,
				Message:         e.Message,
				EnergyUsed:      e.EnergyUsed,
				DurationMicros:  e.DurationMicros,
			},
			SubscriptionUpdate: toWireSubUpdate(m.TransactionUpdate.SubscriptionUpdate),
		}
	case m.Error != nil:
		w.Error = &wireErrorMsg{Kind: m.Error.Kind, Message: m.Error.Message}
	}
	return json.Marshal(w)
}
