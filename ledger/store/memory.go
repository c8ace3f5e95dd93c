// Package store provides the in-memory reference implementation of
// ledger.TxStore.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/star-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - Optimistic in-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps committed accounts and events behind one RWMutex.
// Transactions do not hold the lock while fn runs: they read committed
// state, stage their writes, and validate the staged versions at commit.
// A commit whose base version moved returns ledger.ErrVersionConflict.
type Memory struct {
	mu       sync.RWMutex
	accounts map[ledger.AccountID]ledger.Account
	events   map[ledger.AccountID][]ledger.LedgerEvent
	eventIDs map[ledger.EventID]bool

	hookMu     sync.Mutex
	commitHook func(ctx context.Context, ids []ledger.AccountID) error

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]ledger.Account),
		events:   make(map[ledger.AccountID][]ledger.LedgerEvent),
		eventIDs: make(map[ledger.EventID]bool),
		now:      time.Now,
	}
}

var _ ledger.TxStore = (*Memory)(nil)

// SetCommitHook installs fn to run after a transaction body succeeds and
// before its commit is validated. A non-nil error aborts the transaction.
// Tests use it to interleave writers and to inject storage failures.
func (m *Memory) SetCommitHook(fn func(ctx context.Context, ids []ledger.AccountID) error) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.commitHook = fn
}

func (m *Memory) hook() func(ctx context.Context, ids []ledger.AccountID) error {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	return m.commitHook
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[id]; ok {
		return ledger.Account{}, ledger.ErrAccountExists
	}
	now := m.now().UTC()
	acct := ledger.Account{ID: id, Version: ledger.InitialVersion, CreatedAt: now, UpdatedAt: now}
	m.accounts[id] = acct
	return acct, nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

// CompareAndSwap outside a transaction applies immediately.
func (m *Memory) CompareAndSwap(_ context.Context, id ledger.AccountID, expectedVersion, newBalance int64) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	next, err := swapped(acct, expectedVersion, newBalance, m.now())
	if err != nil {
		return ledger.Account{}, err
	}
	m.accounts[id] = next
	return next, nil
}

func swapped(acct ledger.Account, expectedVersion, newBalance int64, now time.Time) (ledger.Account, error) {
	if newBalance < 0 {
		return ledger.Account{}, ledger.ErrNegativeBalance
	}
	if acct.Version != expectedVersion {
		return ledger.Account{}, ledger.ErrVersionConflict
	}
	acct.Balance = newBalance
	acct.Version = expectedVersion + 1
	acct.UpdatedAt = now.UTC()
	return acct, nil
}

// =============================================================================
// EVENTS - Append-only
// =============================================================================

func (m *Memory) Append(_ context.Context, ev ledger.LedgerEvent) (ledger.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkEventLocked(ev); err != nil {
		return "", err
	}
	m.appendLocked(ev)
	return ev.ID, nil
}

func (m *Memory) checkEventLocked(ev ledger.LedgerEvent) error {
	if _, ok := m.accounts[ev.AccountID]; !ok {
		return ledger.ErrAccountNotFound
	}
	if ev.ID == "" || m.eventIDs[ev.ID] {
		return ledger.StorageError("append event", errDuplicateEvent)
	}
	return nil
}

func (m *Memory) appendLocked(ev ledger.LedgerEvent) {
	evs := m.events[ev.AccountID]

	// Binary search for insertion point; appends at the tail in the common case.
	i := sort.Search(len(evs), func(i int) bool {
		return ev.Less(evs[i])
	})

	evs = append(evs, ledger.LedgerEvent{})
	copy(evs[i+1:], evs[i:])
	evs[i] = ev
	m.events[ev.AccountID] = evs
	m.eventIDs[ev.ID] = true
}

func (m *Memory) ListByAccount(_ context.Context, id ledger.AccountID, after ledger.Position, limit int) ([]ledger.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return page(m.events[id], after, limit), nil
}

// page copies up to limit events strictly after pos from a sorted slice.
func page(evs []ledger.LedgerEvent, pos ledger.Position, limit int) []ledger.LedgerEvent {
	i := sort.Search(len(evs), func(i int) bool {
		return evs[i].After(pos)
	})
	end := len(evs)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	result := make([]ledger.LedgerEvent, end-i)
	copy(result, evs[i:end])
	return result
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn against a staged view and commits it if every
// account it swapped is still at the version it read.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		parent: m,
		base:   make(map[ledger.AccountID]int64),
		writes: make(map[ledger.AccountID]ledger.Account),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// An abandoned transaction leaves nothing behind.
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook := m.hook(); hook != nil {
		if err := hook(ctx, tx.touched()); err != nil {
			return err
		}
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, base := range tx.base {
		acct, ok := m.accounts[id]
		if !ok {
			return ledger.ErrAccountNotFound
		}
		if acct.Version != base {
			return ledger.ErrVersionConflict
		}
	}
	for _, ev := range tx.events {
		if err := m.checkEventLocked(ev); err != nil {
			return err
		}
	}

	for id, acct := range tx.writes {
		m.accounts[id] = acct
	}
	for _, ev := range tx.events {
		m.appendLocked(ev)
	}
	return nil
}

type memoryTx struct {
	parent *Memory
	base   map[ledger.AccountID]int64 // version each swapped account was read at
	writes map[ledger.AccountID]ledger.Account
	events []ledger.LedgerEvent
}

func (tx *memoryTx) touched() []ledger.AccountID {
	ids := make([]ledger.AccountID, 0, len(tx.base))
	for id := range tx.base {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tx *memoryTx) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	if acct, ok := tx.writes[id]; ok {
		return acct, nil
	}
	return tx.parent.GetAccount(ctx, id)
}

func (tx *memoryTx) CompareAndSwap(ctx context.Context, id ledger.AccountID, expectedVersion, newBalance int64) (ledger.Account, error) {
	current, err := tx.GetAccount(ctx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	next, err := swapped(current, expectedVersion, newBalance, tx.parent.now())
	if err != nil {
		return ledger.Account{}, err
	}
	if _, ok := tx.base[id]; !ok {
		tx.base[id] = expectedVersion
	}
	tx.writes[id] = next
	return next, nil
}

func (tx *memoryTx) Append(ctx context.Context, ev ledger.LedgerEvent) (ledger.EventID, error) {
	if _, err := tx.GetAccount(ctx, ev.AccountID); err != nil {
		return "", err
	}
	if ev.ID == "" {
		return "", ledger.StorageError("append event", errDuplicateEvent)
	}
	tx.events = append(tx.events, ev)
	return ev.ID, nil
}

func (tx *memoryTx) ListByAccount(ctx context.Context, id ledger.AccountID, after ledger.Position, limit int) ([]ledger.LedgerEvent, error) {
	committed, err := tx.parent.ListByAccount(ctx, id, after, 0)
	if err != nil {
		return nil, err
	}
	for _, ev := range tx.events {
		if ev.AccountID == id && ev.After(after) {
			committed = append(committed, ev)
		}
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].Less(committed[j]) })
	if limit > 0 && len(committed) > limit {
		committed = committed[:limit]
	}
	return committed, nil
}

var errDuplicateEvent = errors.New("event id missing or already used")
