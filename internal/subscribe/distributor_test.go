package subscribe

import (
	"testing"
	"time"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/scheduler"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/txn"
)

func TestDistributorDeliversCommittedUpdateOnlyToSubscribers(t *testing.T) {
	db := newPersonDB(t)
	dist := NewDistributor(db)

	subConn := identity.NewConnectionId()
	unsubConn := identity.NewConnectionId()
	subOut := dist.Register(subConn, identity.Identity{})
	unsubOut := dist.Register(unsubConn, identity.Identity{})

	if _, err := dist.Subscribe(subConn, []string{"SELECT * FROM person"}, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-subOut // drain the initial (empty) SubscriptionUpdate

	ov := db.NewOverlay()
	row, err := ov.Insert(0, satn.NewProductValue(satn.U64Value(satn.BuiltinU64, 0), satn.StringValue("Robert"), satn.I64Value(satn.BuiltinI64, 30)))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	changes := ov.Changes()
	db.Commit(ov)
	_ = row

	dist.Publish(scheduler.TransactionUpdate{
		TxID: 1, Timestamp: time.Now(), Reducer: "add", Status: txn.StatusCommitted, ChangeSet: changes,
	})

	select {
	case ev := <-subOut:
		if ev.Delivery == nil || len(ev.Delivery.Rows) != 1 {
			t.Fatalf("expected 1 delivered row, got %+v", ev)
		}
	default:
		t.Fatalf("expected subscriber to receive a delivery")
	}

	select {
	case ev := <-unsubOut:
		t.Fatalf("unsubscribed connection should not receive a delivery, got %+v", ev)
	default:
	}
}

func TestDistributorFailedUpdateGoesOnlyToInvoker(t *testing.T) {
	db := newPersonDB(t)
	dist := NewDistributor(db)

	caller := identity.NewConnectionId()
	bystander := identity.NewConnectionId()
	callerOut := dist.Register(caller, identity.Identity{})
	bystanderOut := dist.Register(bystander, identity.Identity{})

	if _, err := dist.Subscribe(caller, []string{"SELECT * FROM person"}, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-callerOut
	if _, err := dist.Subscribe(bystander, []string{"SELECT * FROM person"}, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-bystanderOut

	c := caller
	dist.Publish(scheduler.TransactionUpdate{
		TxID: 7, Reducer: "broken", Status: txn.StatusFailed, Message: "boom", CallerConn: &c, InvokerOnly: true,
	})

	select {
	case ev := <-callerOut:
		if ev.Delivery == nil || ev.Delivery.Message != "boom" {
			t.Fatalf("unexpected delivery to caller: %+v", ev)
		}
	default:
		t.Fatalf("expected caller to receive its failure")
	}

	select {
	case ev := <-bystanderOut:
		t.Fatalf("bystander should not see an invoker-only update, got %+v", ev)
	default:
	}
}

func TestDistributorUnregisterClosesOutbox(t *testing.T) {
	db := newPersonDB(t)
	dist := NewDistributor(db)
	conn := identity.NewConnectionId()
	out := dist.Register(conn, identity.Identity{})
	dist.Unregister(conn)

	_, ok := <-out
	if ok {
		t.Fatalf("expected outbox to be closed after Unregister")
	}
}
