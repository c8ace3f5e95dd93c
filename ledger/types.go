/*
Package ledger provides the star ledger: the only subsystem allowed to
change a child's star balance.

PURPOSE:
  Children earn stars by completing tasks and spend them on rewards.
  Every change is recorded as an immutable LedgerEvent, and each child
  has one Account holding the cached balance. The event log is the
  source of truth; the Account is a read-optimized projection of it.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountID / EventID: Type-safe identifiers
  - Account: Cached balance plus optimistic-concurrency version
  - LedgerEvent: Signed, immutable balance change (award or redemption)
  - Position: Keyset cursor into an account's history

INVARIANTS:
  1. Balance == sum(Delta) over the account's events
  2. Balance >= 0, even transiently
  3. Version strictly increases on every mutation

SEE ALSO:
  - store.go: Persistence interfaces (EventLog, AccountStore, TxStore)
  - coordinator.go: Award/Redeem with atomic read-validate-write
  - reconcile.go: Reconciliation invariant checks
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EventID string

// =============================================================================
// ACCOUNT - Cached aggregate, one per child
// =============================================================================

// Account is the current-state projection of an account's event log.
// Only the Coordinator mutates it, always through CompareAndSwap.
type Account struct {
	ID        AccountID
	Balance   int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InitialVersion is the version of a freshly opened account.
const InitialVersion int64 = 1

// =============================================================================
// LEDGER EVENT - Append-only balance change
// =============================================================================

type EventKind string

const (
	KindAward      EventKind = "award"      // Task completed, stars credited
	KindRedemption EventKind = "redemption" // Reward redeemed, stars debited
)

func (k EventKind) Valid() bool {
	return k == KindAward || k == KindRedemption
}

// LedgerEvent is one committed balance change. Once written it is never
// modified or deleted.
type LedgerEvent struct {
	ID        EventID
	AccountID AccountID
	Delta     int64
	Kind      EventKind

	// Reference is the originating task or reward. Audit only; it is not
	// required to resolve once written.
	Reference string

	OccurredAt time.Time

	// Version is the account version this event produced.
	Version int64
}

// =============================================================================
// POSITION - Keyset cursor for history reads
// =============================================================================

// Position identifies a place in an account's history. History is ordered
// by OccurredAt, ties broken by event ID. The zero Position is the start.
type Position struct {
	OccurredAt time.Time
	EventID    EventID
}

func (p Position) IsZero() bool {
	return p.OccurredAt.IsZero() && p.EventID == ""
}

// PositionOf returns the position just at ev; a page read after it
// starts with the next event.
func PositionOf(ev LedgerEvent) Position {
	return Position{OccurredAt: ev.OccurredAt, EventID: ev.ID}
}

// Less reports whether ev sorts before other in history order.
func (ev LedgerEvent) Less(other LedgerEvent) bool {
	if !ev.OccurredAt.Equal(other.OccurredAt) {
		return ev.OccurredAt.Before(other.OccurredAt)
	}
	return ev.ID < other.ID
}

// After reports whether ev sorts strictly after p.
func (ev LedgerEvent) After(p Position) bool {
	if p.IsZero() {
		return true
	}
	if !ev.OccurredAt.Equal(p.OccurredAt) {
		return ev.OccurredAt.After(p.OccurredAt)
	}
	return ev.ID > p.EventID
}

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

// AwardRequest credits Amount stars. Amount must be positive.
type AwardRequest struct {
	AccountID AccountID
	Amount    int64
	Reference string
}

// RedeemRequest debits Cost stars. Cost may be zero (a free reward still
// leaves an audit event).
type RedeemRequest struct {
	AccountID AccountID
	Cost      int64
	Reference string
}

// Result is what a caller observes from a committed operation.
type Result struct {
	AccountID  AccountID
	NewBalance int64
	Version    int64
	Event      LedgerEvent
	Attempts   int
}
