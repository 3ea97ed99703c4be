package session

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// TransactionCoordinator is the external coordinator boundary. The promotable
// path makes the store the sole participant and avoids two-phase overhead;
// when it is unsupported or refused, the session falls back to durable
// enlistment under its resource-manager identity.
type TransactionCoordinator interface {
	EnlistPromotableSinglePhase(e *Enlistment) bool
	EnlistDurable(resourceManagerID uuid.UUID, e *Enlistment) error
}

// TransactionHandle names the ambient transaction a session participates in.
// It is passed explicitly at session creation; there is no process-wide
// ambient lookup. OnCommit and OnRollback, when set, run from the
// coordinator's callbacks, possibly on a different goroutine than the
// session's.
type TransactionHandle struct {
	ID          string
	Coordinator TransactionCoordinator
	OnCommit    func(txID string) error
	OnRollback  func(txID string) error
}

// EnlistmentState tracks the single allowed transition of an enlistment.
type EnlistmentState int32

const (
	// EnlistmentActive is the initial state after joining.
	EnlistmentActive EnlistmentState = iota
	// EnlistmentPromoted marks a promotable enlistment handed to a full
	// coordinator; commit or rollback still follows.
	EnlistmentPromoted
	// EnlistmentCommitted is terminal.
	EnlistmentCommitted
	// EnlistmentRolledBack is terminal.
	EnlistmentRolledBack
)

func (s EnlistmentState) String() string {
	switch s {
	case EnlistmentActive:
		return "active"
	case EnlistmentPromoted:
		return "promoted"
	case EnlistmentCommitted:
		return "committed"
	case EnlistmentRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Enlistment is the session-side participant handle driven by the external
// coordinator. Commit, Rollback, and Promote may arrive on a different
// goroutine than the originating session's, so all state transitions are
// atomic.
type Enlistment struct {
	resourceManagerID uuid.UUID
	state             atomic.Int32
	onCommit          func(txID string) error
	onRollback        func(txID string) error
}

func newEnlistment(rmID uuid.UUID, tx *TransactionHandle) *Enlistment {
	return &Enlistment{
		resourceManagerID: rmID,
		onCommit:          tx.OnCommit,
		onRollback:        tx.OnRollback,
	}
}

// ResourceManagerID returns the identity this participant enlisted under.
func (e *Enlistment) ResourceManagerID() uuid.UUID {
	return e.resourceManagerID
}

// State returns the current enlistment state.
func (e *Enlistment) State() EnlistmentState {
	return EnlistmentState(e.state.Load())
}

func (e *Enlistment) transition(to EnlistmentState) error {
	for {
		cur := EnlistmentState(e.state.Load())
		if cur != EnlistmentActive && cur != EnlistmentPromoted {
			return fmt.Errorf("enlistment already %s", cur)
		}
		if e.state.CompareAndSwap(int32(cur), int32(to)) {
			return nil
		}
	}
}

// Commit is invoked by the coordinator when the ambient transaction commits.
func (e *Enlistment) Commit(txID string) error {
	if err := e.transition(EnlistmentCommitted); err != nil {
		return err
	}
	if e.onCommit != nil {
		return e.onCommit(txID)
	}
	return nil
}

// Rollback is invoked by the coordinator when the ambient transaction rolls
// back.
func (e *Enlistment) Rollback(txID string) error {
	if err := e.transition(EnlistmentRolledBack); err != nil {
		return err
	}
	if e.onRollback != nil {
		return e.onRollback(txID)
	}
	return nil
}

// Promote upgrades a promotable single-phase enlistment to full coordination
// and returns the opaque propagation cookie: the participant's
// resource-manager identity.
func (e *Enlistment) Promote(txID string) ([]byte, error) {
	for {
		cur := EnlistmentState(e.state.Load())
		if cur != EnlistmentActive {
			return nil, fmt.Errorf("cannot promote enlistment already %s", cur)
		}
		if e.state.CompareAndSwap(int32(cur), int32(EnlistmentPromoted)) {
			break
		}
	}
	cookie, err := e.resourceManagerID.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", txID, err)
	}
	return cookie, nil
}

// enlistTransaction joins the ambient transaction exactly once per session.
// The flag latches on the first attempt; even a refused promotable path that
// then fails durably is not retried for the session's remaining life.
func (s *Session) enlistTransaction() error {
	tx := s.opts.Transaction
	if tx == nil || tx.Coordinator == nil {
		return nil
	}
	if !s.enlisted.CompareAndSwap(false, true) {
		return nil
	}
	e := newEnlistment(s.opts.ResourceManagerID, tx)
	if tx.Coordinator.EnlistPromotableSinglePhase(e) {
		s.enlistment = e
		return nil
	}
	if err := tx.Coordinator.EnlistDurable(s.opts.ResourceManagerID, e); err != nil {
		return fmt.Errorf("durable enlistment in %s: %w", tx.ID, err)
	}
	s.enlistment = e
	return nil
}

// Enlisted reports whether this session has joined an ambient transaction.
func (s *Session) Enlisted() bool {
	return s.enlisted.Load()
}

// Enlistment returns the participant handle, nil before enlistment.
func (s *Session) Enlistment() *Enlistment {
	return s.enlistment
}
