// Package wsproto implements the WebSocket session (spec C7): one
// goroutine pair (read + write) per connection, subprotocol negotiation
// between the binary and text wire profiles of spec §6.1, the single
// IdentityToken handshake message, and multiplexing of inbound
// FunctionCall/Subscribe against outbound SubscriptionUpdate/
// TransactionUpdate traffic.
package wsproto

import (
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
)

// Subprotocol names negotiated via Sec-WebSocket-Protocol (spec §4.7).
const (
	SubprotocolBinary = "v1.bin.spacetimedb"
	SubprotocolText   = "v1.text.spacetimedb"
)

// ClientMessage is the tagged union of inbound messages (spec §6.1).
// Exactly one of FunctionCall/Subscribe is non-nil.
type ClientMessage struct {
	FunctionCall *FunctionCall
	Subscribe    *Subscribe
}

// FunctionCall invokes a reducer by name. Args carries either raw
// BSATN bytes (binary profile) or a JSON array's raw bytes (text
// profile); wsproto never decodes them further — that is the module's
// own ABI-level concern (spec §6.3).
type FunctionCall struct {
	Reducer string
	Args    []byte
}

// Subscribe registers (replacing) the connection's query set.
type Subscribe struct {
	QueryStrings []string
}

// ServerMessage is the tagged union of outbound messages (spec §6.1).
type ServerMessage struct {
	IdentityToken      *IdentityTokenMsg
	SubscriptionUpdate *SubscriptionUpdateMsg
	TransactionUpdate  *TransactionUpdateMsg
	Error              *ErrorMsg
}

// ErrorMsg reports a request-scoped failure back to the client without
// necessarily closing the connection (spec §7: a NotSubscribed request
// "is reported but does not close" the session, unlike BadRequest/
// AuthFailed/Lagging).
type ErrorMsg struct {
	Kind    string
	Message string
}

// IdentityTokenMsg is emitted exactly once, immediately after upgrade.
type IdentityTokenMsg struct {
	Identity identity.Identity
	Token    string
}

// RowOperation carries one row and whether it is entering or leaving
// the client's materialized view.
type RowOperation struct {
	Op  string // "Insert" | "Delete"
	Row []byte // BSATN (binary profile) or SATN-JSON (text profile)
}

// TableUpdate groups the row operations touching one table within a
// single delivered message. Clients must key on TableName, not
// TableID (spec §6.1).
type TableUpdate struct {
	TableID       uint32
	TableName     string
	RowOperations []RowOperation
}

// SubscriptionUpdateMsg carries the full diff produced by a Subscribe
// call (spec §4.6): deletes for rows that fell out of the new query
// set, inserts for every row the new query set matches.
type SubscriptionUpdateMsg struct {
	TableUpdates []TableUpdate
}

// Event mirrors spec §6.1's Event: the metadata of one reducer
// invocation, independent of which client receives it.
type Event struct {
	TimestampMicros uint64
	CallerIdentity  identity.Identity
	Reducer         string
	Args            []byte
	Status          string // "committed" | "failed" | "out_of_energy"
	Message         string
	EnergyUsed      int64
	DurationMicros  uint64
}

// TransactionUpdateMsg pairs one transaction's Event with the delta it
// produced for this particular connection (spec §6.1, §4.5).
type TransactionUpdateMsg struct {
	Event              Event
	SubscriptionUpdate SubscriptionUpdateMsg
}
