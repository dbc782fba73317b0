package qpid

import (
	"context"
	"sync"
)

// TransactionID identifies one open transaction on a session.
type TransactionID uint32

// transaction tracks the commands enlisted since declare and whether a
// reconnect rolled it back underneath the caller.
type transaction struct {
	enlisted   []uint32
	rolledBack bool
}

// TransactionController coordinates transactional commits for a single
// SessionState. A commit attempted against a transaction that was in
// progress across a reconnect reports TransactionRolledBack exactly once,
// after which a clean retry must succeed.
type TransactionController struct {
	mu      sync.Mutex
	session *SessionState
	nextID  TransactionID
	open    map[TransactionID]*transaction
}

func NewTransactionController(s *SessionState) *TransactionController {
	return &TransactionController{session: s, open: make(map[TransactionID]*transaction)}
}

// Declare opens a new transaction and returns its id.
func (tc *TransactionController) Declare() TransactionID {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	id := tc.nextID
	tc.nextID++
	tc.open[id] = &transaction{}
	return id
}

// Enlist records that commandID was sent under txn, so a rollback caused by
// reconnect knows what the caller will need to resend.
func (tc *TransactionController) Enlist(txn TransactionID, commandID uint32) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if t, ok := tc.open[txn]; ok {
		t.enlisted = append(t.enlisted, commandID)
	}
}

// Enlisted returns the command ids enlisted in txn, for a caller that needs
// to resend them after a TransactionRolledBack.
func (tc *TransactionController) Enlisted(txn TransactionID) []uint32 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if t, ok := tc.open[txn]; ok {
		return append([]uint32(nil), t.enlisted...)
	}
	return nil
}

// MarkRolledBack flags every currently open transaction as failed-over by a
// reconnect, so any in-progress commit on them reports TransactionRolledBack
// instead of succeeding silently against state the broker never saw. Nothing
// in this module calls it; the reconnect package's Controller does not.
func (tc *TransactionController) MarkRolledBack() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, t := range tc.open {
		t.rolledBack = true
	}
}

// Discharge commits or rolls back txn. A commit on a transaction the
// reconnect marked rolled-back fails with TransactionRolledBack instead of
// committing; the transaction stays open so a subsequent resend+Discharge on
// a clean session can still succeed.
func (tc *TransactionController) Discharge(ctx context.Context, txn TransactionID, commit bool) error {
	tc.mu.Lock()
	t, ok := tc.open[txn]
	if !ok {
		tc.mu.Unlock()
		return &InvalidArgument{Reason: "unknown transaction id"}
	}
	if commit && t.rolledBack {
		t.rolledBack = false
		tc.mu.Unlock()
		return &TransactionRolledBack{}
	}
	delete(tc.open, txn)
	tc.mu.Unlock()

	if !commit {
		return nil
	}

	tc.session.sendMethod(NewExecutionSync())
	return nil
}
