package wsproto

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/scheduler"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/subscribe"
)

// Reducers is the subset of the dispatcher (C5) a session needs to
// turn an inbound FunctionCall into a reducer invocation without
// wsproto importing the scheduler's concrete Dispatcher type.
type Reducers interface {
	InvokeFunctionCall(caller identity.Identity, conn *identity.ConnectionId, reducer string, args []byte) (scheduler.TransactionUpdate, error)
	InvokeLifecycleHook(hook string, caller identity.Identity, conn *identity.ConnectionId) (*scheduler.TransactionUpdate, error)
	LastCommittedTxID() uint64
}

// Subscriptions is the subset of the distributor (C6) a session needs.
type Subscriptions interface {
	Register(conn identity.ConnectionId, caller identity.Identity) <-chan subscribe.Event
	Unregister(conn identity.ConnectionId)
	Subscribe(conn identity.ConnectionId, queries []string, txID uint64) (subscribe.SubscriptionUpdate, error)
}

// inboundRateLimit bounds how fast one connection may send FunctionCall/
// Subscribe messages (spec §5 "Shared resources", grounded on the
// teacher's per-process `rate.NewLimiter(200, 100)` at
// core/virtual_machine.go, scoped here to one limiter per connection).
const (
	inboundRatePerSec = 50
	inboundBurst      = 100
)

// Session owns one upgraded WebSocket connection end to end: identity
// handshake, subprotocol-specific encode/decode, the inbound read loop,
// and the outbound write loop draining the distributor's per-connection
// outbox (spec C7).
type Session struct {
	conn    *websocket.Conn
	id      identity.ConnectionId
	caller  identity.Identity
	binary  bool
	db      *store.Database
	dispatch Reducers
	subs    Subscriptions
	limiter *rate.Limiter
}

// NewSession wraps an already-upgraded connection. profile must be one
// of SubprotocolBinary/SubprotocolText, as negotiated by the HTTP
// upgrade handler (see server.go). The caller's Identity is resolved
// inside Serve once the IdentityToken handshake completes.
func NewSession(conn *websocket.Conn, profile string, db *store.Database, dispatch Reducers, subs Subscriptions) *Session {
	return &Session{
		conn:     conn,
		id:       identity.NewConnectionId(),
		binary:   profile == SubprotocolBinary,
		db:       db,
		dispatch: dispatch,
		subs:     subs,
		limiter:  rate.NewLimiter(rate.Limit(inboundRatePerSec), inboundBurst),
	}
}

// Serve runs the session to completion: sends IdentityToken, then
// blocks multiplexing the read and write loops until either the
// connection closes or the distributor disconnects it for lagging
// (spec §7 `Lagging`).
func (s *Session) Serve(auth Authenticator, bearer string) {
	ident, token, err := resolveIdentity(auth, bearer)
	if err != nil {
		logrus.WithError(err).Warn("wsproto: identity resolution failed, closing")
		s.conn.Close()
		return
	}
	s.caller = ident

	if err := s.writeMessage(&ServerMessage{IdentityToken: &IdentityTokenMsg{Identity: ident, Token: token}}); err != nil {
		s.conn.Close()
		return
	}

	events := s.subs.Register(s.id, s.caller)
	defer s.subs.Unregister(s.id)

	if upd, err := s.dispatch.InvokeLifecycleHook("__identity_connected__", ident, &s.id); err != nil {
		logrus.WithError(err).Warn("wsproto: __identity_connected__ failed")
	} else if upd != nil {
		_ = upd // lifecycle hook outcomes are not themselves delivered to the caller
	}

	done := make(chan struct{})
	go s.writeLoop(events, done)
	s.readLoop()
	close(done)

	if _, err := s.dispatch.InvokeLifecycleHook("__identity_disconnected__", ident, &s.id); err != nil {
		logrus.WithError(err).Warn("wsproto: __identity_disconnected__ failed")
	}
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.limiter.Allow() {
			logrus.WithField("conn", s.id.String()).Warn("wsproto: inbound rate limit exceeded, closing")
			return
		}
		msg, err := s.decode(data)
		if err != nil {
			logrus.WithError(err).WithField("conn", s.id.String()).Warn("wsproto: malformed inbound frame, closing")
			return
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg *ClientMessage) {
	switch {
	case msg.FunctionCall != nil:
		if _, err := s.dispatch.InvokeFunctionCall(s.caller, &s.id, msg.FunctionCall.Reducer, msg.FunctionCall.Args); err != nil {
			logrus.WithError(err).WithField("reducer", msg.FunctionCall.Reducer).Error("wsproto: reducer invocation errored")
		}
		// Outcome delivery (committed or invoker-only failed) arrives
		// asynchronously through the distributor's outbox, not here.
	case msg.Subscribe != nil:
		txID := s.dispatch.LastCommittedTxID()
		if _, err := s.subs.Subscribe(s.id, msg.Subscribe.QueryStrings, txID); err != nil {
			logrus.WithError(err).WithField("conn", s.id.String()).Warn("wsproto: subscribe failed")
			// NotSubscribed is reported to the client but does not close
			// the connection (spec §7); every other subscribe failure
			// (malformed query, unknown table) is reported the same way
			// since none of them name a close action either.
			if werr := s.writeMessage(&ServerMessage{Error: &ErrorMsg{
				Kind:    string(engineerr.KindOf(err)),
				Message: err.Error(),
			}}); werr != nil {
				logrus.WithError(werr).WithField("conn", s.id.String()).Warn("wsproto: failed to report subscribe error")
			}
		}
	}
}

func (s *Session) writeLoop(events <-chan subscribe.Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Lagging {
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "lagging"),
					time.Now().Add(5*time.Second))
				return
			}
			sm, err := s.renderEvent(ev)
			if err != nil {
				logrus.WithError(err).Warn("wsproto: failed to render outbound event")
				continue
			}
			if err := s.writeMessage(sm); err != nil {
				return
			}
		}
	}
}

func (s *Session) renderEvent(ev subscribe.Event) (*ServerMessage, error) {
	if ev.SubscriptionUpdate != nil {
		tus, err := s.renderTableUpdates(ev.SubscriptionUpdate.Rows)
		if err != nil {
			return nil, err
		}
		return &ServerMessage{SubscriptionUpdate: &SubscriptionUpdateMsg{TableUpdates: tus}}, nil
	}
	d := ev.Delivery
	tus, err := s.renderTableUpdates(d.Rows)
	if err != nil {
		return nil, err
	}
	return &ServerMessage{TransactionUpdate: &TransactionUpdateMsg{
		Event: Event{
			TimestampMicros: uint64(time.Now().UnixMicro()),
			CallerIdentity:  s.caller,
			Reducer:         d.Reducer,
			Status:          d.Status,
			Message:         d.Message,
			EnergyUsed:      int64(d.EnergyUsed),
		},
		SubscriptionUpdate: SubscriptionUpdateMsg{TableUpdates: tus},
	}}, nil
}

// renderTableUpdates groups subscription-level row updates by table
// (spec §6.1 `TableUpdate`) and encodes each row in this session's
// negotiated wire profile: BSATN bytes for the binary profile,
// SATN-JSON for the text profile (spec §9 "JSON precision").
func (s *Session) renderTableUpdates(rows []subscribe.TableUpdate) ([]TableUpdate, error) {
	order := make([]uint32, 0)
	byTable := make(map[uint32]*TableUpdate)
	for _, r := range rows {
		tu, ok := byTable[r.TableID]
		if !ok {
			tu = &TableUpdate{TableID: r.TableID, TableName: r.Table}
			byTable[r.TableID] = tu
			order = append(order, r.TableID)
		}
		encoded, err := s.encodeRow(r.TableID, r.Row)
		if err != nil {
			return nil, err
		}
		op := "Insert"
		if r.Op == subscribe.RowDelete {
			op = "Delete"
		}
		tu.RowOperations = append(tu.RowOperations, RowOperation{Op: op, Row: encoded})
	}
	out := make([]TableUpdate, 0, len(order))
	for _, id := range order {
		out = append(out, *byTable[id])
	}
	return out, nil
}

func (s *Session) encodeRow(tableID uint32, row satn.Value) ([]byte, error) {
	tbl, ok := s.db.TableByID(tableID)
	if !ok {
		return nil, store.ErrNotATable
	}
	if s.binary {
		return satn.Encode(s.db.Typespace, tbl.RowType, row)
	}
	jv, err := satn.ToJSON(s.db.Typespace, tbl.RowType, row, satn.WideIntAsNumber)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jv)
}

func (s *Session) decode(data []byte) (*ClientMessage, error) {
	if s.binary {
		return DecodeBinaryClientMessage(data)
	}
	return DecodeTextClientMessage(data)
}

func (s *Session) writeMessage(m *ServerMessage) error {
	if s.binary {
		return s.conn.WriteMessage(websocket.BinaryMessage, EncodeBinaryServerMessage(m))
	}
	b, err := EncodeTextServerMessage(m)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}
