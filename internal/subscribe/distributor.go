package subscribe

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/scheduler"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
)

// OutboxSize bounds a connection's outbound event queue; a connection
// that cannot drain it fast enough is disconnected as Lagging rather
// than let the queue grow unbounded (spec §7 `Lagging`, §4.6 "Shared
// resources").
const OutboxSize = 1024

// Event is one item a connection's writer goroutine (C7) consumes off
// its outbox.
type Event struct {
	SubscriptionUpdate *SubscriptionUpdate
	Delivery           *Delivery
	Lagging            bool
}

// Delivery is one TransactionUpdate as a specific connection sees it:
// the invoking connection alone sees a failed/out_of_energy outcome,
// while every connection whose subscription the change set touches
// sees the committed row deltas (spec §4.5 distribution semantics).
type Delivery struct {
	TxID       uint64
	Reducer    string
	Status     string
	Message    string
	EnergyUsed uint64
	Rows       []TableUpdate
}

type connEntry struct {
	set    *Set
	outbox chan Event
}

// Distributor owns every connected client's SubscriptionSet and turns
// the scheduler's TransactionUpdate stream into per-connection
// delivery decisions (spec C6).
type Distributor struct {
	db *store.Database

	mu    sync.Mutex
	conns map[identity.ConnectionId]*connEntry
}

func NewDistributor(db *store.Database) *Distributor {
	return &Distributor{db: db, conns: make(map[identity.ConnectionId]*connEntry)}
}

// Register creates fresh (empty) subscription state for a newly
// connected client, scoped to caller's identity for the lifetime of the
// connection (spec §3: table visibility checks are per-identity), and
// returns the channel its writer goroutine should drain until it closes.
func (d *Distributor) Register(conn identity.ConnectionId, caller identity.Identity) <-chan Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := &connEntry{set: NewSet(d.db, caller), outbox: make(chan Event, OutboxSize)}
	d.conns[conn] = entry
	return entry.outbox
}

// Unregister tears down a connection's subscription state (spec §4.6
// "Shared resources": "Per-connection SubscriptionSet is mutated only
// by C6's worker for that connection" — torn down once that worker
// exits).
func (d *Distributor) Unregister(conn identity.ConnectionId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.conns[conn]; ok {
		close(entry.outbox)
		delete(d.conns, conn)
	}
}

// Subscribe replaces conn's query set and returns the SubscriptionUpdate
// it produced, having already queued that same update onto conn's
// outbox (spec §4.6 Subscribe protocol).
func (d *Distributor) Subscribe(conn identity.ConnectionId, queries []string, txID uint64) (SubscriptionUpdate, error) {
	d.mu.Lock()
	entry, ok := d.conns[conn]
	d.mu.Unlock()
	if !ok {
		return SubscriptionUpdate{}, fmt.Errorf("subscribe: connection %s not registered", conn)
	}
	upd, err := entry.set.Subscribe(queries, txID)
	if err != nil {
		return SubscriptionUpdate{}, err
	}
	d.send(conn, entry, Event{SubscriptionUpdate: &upd})
	return upd, nil
}

// Publish fans one TransactionUpdate out across every connection (spec
// §4.5): a failed/out_of_energy outcome goes to the invoking connection
// alone; a committed outcome is diffed against every connection's
// subscription and delivered only where the diff is non-empty — an
// unsubscribed or unaffected connection receives nothing for that
// transaction (spec §8 scenario "Insert/subscribe").
func (d *Distributor) Publish(u scheduler.TransactionUpdate) {
	d.mu.Lock()
	targets := make(map[identity.ConnectionId]*connEntry, len(d.conns))
	for id, entry := range d.conns {
		targets[id] = entry
	}
	d.mu.Unlock()

	if u.InvokerOnly {
		if u.CallerConn == nil {
			return
		}
		entry, ok := targets[*u.CallerConn]
		if !ok {
			return
		}
		d.send(*u.CallerConn, entry, Event{Delivery: &Delivery{
			TxID:       u.TxID,
			Reducer:    u.Reducer,
			Status:     string(u.Status),
			Message:    u.Message,
			EnergyUsed: u.EnergyUsed,
		}})
		return
	}

	// Each connection's Set belongs to that connection alone (spec §4.6
	// "Shared resources"), so diffing and delivering to every target
	// fans out across goroutines without blocking the committer on any
	// single slow connection.
	var g errgroup.Group
	for id, entry := range targets {
		id, entry := id, entry
		g.Go(func() error {
			rows, err := entry.set.Diff(u.ChangeSet, u.TxID)
			if err != nil {
				logrus.WithError(err).WithField("conn", id.String()).Error("subscribe: diff failed")
				return nil
			}
			if len(rows) == 0 {
				return nil
			}
			d.send(id, entry, Event{Delivery: &Delivery{
				TxID:       u.TxID,
				Reducer:    u.Reducer,
				Status:     string(u.Status),
				EnergyUsed: u.EnergyUsed,
				Rows:       rows,
			}})
			return nil
		})
	}
	g.Wait()
}

// Run drains sched's TransactionUpdate stream and calls Publish for
// each one in order, until the channel closes. The scheduler guarantees
// one writer at a time (spec §5 "single-writer model"), so this loop is
// the sole caller of Publish and per-client tx_id ordering (O1, O2)
// falls out of running it on a single goroutine.
func (d *Distributor) Run(updates <-chan scheduler.TransactionUpdate) {
	for u := range updates {
		d.Publish(u)
	}
}

func (d *Distributor) send(conn identity.ConnectionId, entry *connEntry, ev Event) {
	select {
	case entry.outbox <- ev:
	default:
		logrus.WithField("conn", conn.String()).Warn("subscribe: connection lagging, disconnecting")
		select {
		case entry.outbox <- Event{Lagging: true}:
		default:
		}
		d.Unregister(conn)
	}
}
