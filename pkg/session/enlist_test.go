package session

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

type fakeCoordinator struct {
	promotable      bool
	durableErr      error
	promotableCalls int
	durableCalls    int
	enlistments     []*Enlistment
}

func (c *fakeCoordinator) EnlistPromotableSinglePhase(e *Enlistment) bool {
	c.promotableCalls++
	if c.promotable {
		c.enlistments = append(c.enlistments, e)
	}
	return c.promotable
}

func (c *fakeCoordinator) EnlistDurable(_ uuid.UUID, e *Enlistment) error {
	c.durableCalls++
	if c.durableErr != nil {
		return c.durableErr
	}
	c.enlistments = append(c.enlistments, e)
	return nil
}

func sessionWithTransaction(store *fakeStore, coordinator *fakeCoordinator) *Session {
	opts := DefaultOptions()
	opts.Transaction = &TransactionHandle{ID: "tx-1", Coordinator: coordinator}
	return New(store, opts)
}

func TestEnlistExactlyOncePerSession(t *testing.T) {
	store := newFakeStore()
	coordinator := &fakeCoordinator{promotable: true}
	sess := sessionWithTransaction(store, coordinator)

	for i := 0; i < 2; i++ {
		entity := map[string]any{"id": "users/1", "name": "Ada"}
		if i == 1 {
			entity["name"] = "Grace"
			entity["id"] = "users/2"
		}
		if err := sess.Store(entity); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		if err := sess.SaveChanges(context.Background()); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	if coordinator.promotableCalls != 1 {
		t.Fatalf("expected 1 enlistment attempt, got %d", coordinator.promotableCalls)
	}
	if !sess.Enlisted() {
		t.Fatal("session must report enlisted")
	}
	if sess.Enlistment() == nil {
		t.Fatal("expected participant handle")
	}
}

func TestEnlistFallsBackToDurable(t *testing.T) {
	store := newFakeStore()
	coordinator := &fakeCoordinator{promotable: false}
	sess := sessionWithTransaction(store, coordinator)

	if err := sess.Store(map[string]any{"id": "users/1"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := sess.SaveChanges(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if coordinator.promotableCalls != 1 || coordinator.durableCalls != 1 {
		t.Fatalf("expected promotable then durable, got %d/%d",
			coordinator.promotableCalls, coordinator.durableCalls)
	}
}

func TestEnlistFailureLatches(t *testing.T) {
	store := newFakeStore()
	boom := errors.New("coordinator unavailable")
	coordinator := &fakeCoordinator{durableErr: boom}
	sess := sessionWithTransaction(store, coordinator)

	if err := sess.Store(map[string]any{"id": "users/1"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := sess.SaveChanges(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected enlistment error, got %v", err)
	}
	// The flag latched on the failed attempt: the next cycle proceeds
	// without re-enlisting.
	if err := sess.SaveChanges(context.Background()); err != nil {
		t.Fatalf("save after failed enlistment: %v", err)
	}
	if coordinator.durableCalls != 1 {
		t.Fatalf("expected no enlistment retry, got %d attempts", coordinator.durableCalls)
	}
}

func TestClearAllowsReEnlistment(t *testing.T) {
	store := newFakeStore()
	coordinator := &fakeCoordinator{promotable: true}
	sess := sessionWithTransaction(store, coordinator)

	if err := sess.Store(map[string]any{"id": "users/1"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := sess.SaveChanges(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	sess.Clear()
	if sess.Enlisted() {
		t.Fatal("clear must drop the enlistment")
	}
	if err := sess.Store(map[string]any{"id": "users/2"}); err != nil {
		t.Fatalf("store after clear: %v", err)
	}
	if err := sess.SaveChanges(context.Background()); err != nil {
		t.Fatalf("save after clear: %v", err)
	}
	if coordinator.promotableCalls != 2 {
		t.Fatalf("expected re-enlistment after clear, got %d attempts", coordinator.promotableCalls)
	}
}

func TestEnlistmentCommitLifecycle(t *testing.T) {
	var committed []string
	tx := &TransactionHandle{
		ID: "tx-1",
		OnCommit: func(txID string) error {
			committed = append(committed, txID)
			return nil
		},
	}
	e := newEnlistment(uuid.New(), tx)
	if e.State() != EnlistmentActive {
		t.Fatalf("expected active, got %s", e.State())
	}
	if err := e.Commit("tx-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if e.State() != EnlistmentCommitted {
		t.Fatalf("expected committed, got %s", e.State())
	}
	if len(committed) != 1 || committed[0] != "tx-1" {
		t.Fatalf("expected commit callback with tx-1, got %v", committed)
	}
	if err := e.Commit("tx-1"); err == nil {
		t.Fatal("expected error on double commit")
	}
	if err := e.Rollback("tx-1"); err == nil {
		t.Fatal("expected error rolling back a committed enlistment")
	}
}

func TestEnlistmentRollback(t *testing.T) {
	var rolledBack []string
	tx := &TransactionHandle{
		ID: "tx-1",
		OnRollback: func(txID string) error {
			rolledBack = append(rolledBack, txID)
			return nil
		},
	}
	e := newEnlistment(uuid.New(), tx)
	if err := e.Rollback("tx-1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if e.State() != EnlistmentRolledBack {
		t.Fatalf("expected rolled back, got %s", e.State())
	}
	if len(rolledBack) != 1 {
		t.Fatalf("expected rollback callback, got %v", rolledBack)
	}
}

func TestEnlistmentPromotion(t *testing.T) {
	rmID := uuid.New()
	e := newEnlistment(rmID, &TransactionHandle{ID: "tx-1"})

	cookie, err := e.Promote("tx-1")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	wantCookie, _ := rmID.MarshalBinary()
	if string(cookie) != string(wantCookie) {
		t.Fatal("expected propagation cookie to carry the resource manager identity")
	}
	if e.State() != EnlistmentPromoted {
		t.Fatalf("expected promoted, got %s", e.State())
	}
	if _, err := e.Promote("tx-1"); err == nil {
		t.Fatal("expected error on double promotion")
	}
	// A promoted enlistment still commits.
	if err := e.Commit("tx-1"); err != nil {
		t.Fatalf("commit after promote: %v", err)
	}
	if _, err := e.Promote("tx-1"); err == nil {
		t.Fatal("expected error promoting a committed enlistment")
	}
}

func TestEnlistmentResourceManagerID(t *testing.T) {
	rmID := uuid.New()
	opts := DefaultOptions()
	opts.ResourceManagerID = rmID
	coordinator := &fakeCoordinator{promotable: true}
	opts.Transaction = &TransactionHandle{ID: "tx-1", Coordinator: coordinator}
	sess := New(newFakeStore(), opts)

	if err := sess.Store(map[string]any{"id": "users/1"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := sess.SaveChanges(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := sess.Enlistment().ResourceManagerID(); got != rmID {
		t.Fatalf("expected resource manager %s, got %s", rmID, got)
	}
}

func TestNoEnlistmentWithoutTransaction(t *testing.T) {
	sess := New(newFakeStore(), DefaultOptions())
	if err := sess.Store(map[string]any{"id": "users/1"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := sess.SaveChanges(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if sess.Enlisted() {
		t.Fatal("session without a transaction must not enlist")
	}
}
