/*
store.go - Persistence interfaces for the star ledger

PURPOSE:
  Defines the boundary between ledger logic and the database. The ledger
  needs exactly two primitives, composable in one atomic transaction:
  - AccountStore: read + compare-and-swap of the cached balance
  - EventLog:     append-only write of balance-change events

APPEND-ONLY CONTRACT:
  EventLog has Append and reads. There is NO Update and NO Delete.

COMPARE-AND-SWAP CONTRACT:
  AccountStore never accepts a balance write without the expected version.
  A stale version returns ErrVersionConflict and writes nothing.

ATOMICITY:
  TxStore.WithTx runs fn against a transactional view. If fn returns an
  error, or the commit loses a conflict, nothing fn wrote is visible.
  A canceled context aborts the transaction the same way.

IMPLEMENTATIONS:
  - ledger/store/memory.go: Optimistic in-memory reference store
  - store/sqlite/sqlite.go: SQLite (embedded)
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - coordinator.go: The only caller of WithTx
*/
package ledger

import "context"

// =============================================================================
// EVENT LOG - Append-only
// =============================================================================

// EventLog is the authoritative record of balance changes.
type EventLog interface {
	// Append persists ev in full or not at all.
	Append(ctx context.Context, ev LedgerEvent) (EventID, error)

	// ListByAccount returns up to limit events strictly after the given
	// position, ordered by OccurredAt then ID.
	ListByAccount(ctx context.Context, accountID AccountID, after Position, limit int) ([]LedgerEvent, error)
}

// =============================================================================
// ACCOUNT AGGREGATE STORE
// =============================================================================

// AccountStore holds the cached balance and version per account.
type AccountStore interface {
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// CompareAndSwap sets the balance and bumps the version to
	// expectedVersion+1, only if the stored version equals expectedVersion.
	CompareAndSwap(ctx context.Context, id AccountID, expectedVersion, newBalance int64) (Account, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Tx is the view of the store inside one atomic transaction.
type Tx interface {
	AccountStore
	EventLog
}

// TxStore is what the Coordinator runs against.
type TxStore interface {
	AccountStore
	EventLog

	// CreateAccount opens an account with balance 0 at InitialVersion.
	// Returns ErrAccountExists if it is already open.
	CreateAccount(ctx context.Context, id AccountID) (Account, error)

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed; a commit that loses
	// against a concurrent writer returns ErrVersionConflict.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Publisher is notified of events after they commit. Presentation layers
// subscribe through it; a publish failure never undoes a commit.
type Publisher interface {
	Publish(ctx context.Context, ev LedgerEvent) error
}
