package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/star-ledger/ledger"
	"github.com/warp/star-ledger/ledger/store"
)

func newOpenMemory(t *testing.T, id ledger.AccountID) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	_, err := mem.CreateAccount(context.Background(), id)
	require.NoError(t, err)
	return mem
}

func event(id string, account ledger.AccountID, delta int64, at time.Time) ledger.LedgerEvent {
	return ledger.LedgerEvent{
		ID:         ledger.EventID(id),
		AccountID:  account,
		Delta:      delta,
		Kind:       ledger.KindAward,
		OccurredAt: at,
	}
}

func TestMemory_CompareAndSwap(t *testing.T) {
	mem := newOpenMemory(t, "kid-1")
	ctx := context.Background()

	acct, err := mem.CompareAndSwap(ctx, "kid-1", ledger.InitialVersion, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), acct.Balance)
	assert.Equal(t, ledger.InitialVersion+1, acct.Version)

	_, err = mem.CompareAndSwap(ctx, "kid-1", ledger.InitialVersion, 9)
	assert.ErrorIs(t, err, ledger.ErrVersionConflict, "stale version is rejected")

	_, err = mem.CompareAndSwap(ctx, "kid-1", acct.Version, -1)
	assert.ErrorIs(t, err, ledger.ErrNegativeBalance)

	_, err = mem.CompareAndSwap(ctx, "ghost", 1, 1)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	got, err := mem.GetAccount(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, acct, got)
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	mem := newOpenMemory(t, "kid-1")
	ctx := context.Background()
	boom := errors.New("boom")

	err := mem.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.CompareAndSwap(ctx, "kid-1", ledger.InitialVersion, 3); err != nil {
			return err
		}
		if _, err := tx.Append(ctx, event("e1", "kid-1", 3, time.Now())); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	acct, err := mem.GetAccount(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Balance)
	evs, err := mem.ListByAccount(ctx, "kid-1", ledger.Position{}, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestMemory_WithTx_StagedWritesVisibleInsideOnly(t *testing.T) {
	mem := newOpenMemory(t, "kid-1")
	ctx := context.Background()

	err := mem.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.CompareAndSwap(ctx, "kid-1", ledger.InitialVersion, 4)
		require.NoError(t, err)
		_, err = tx.Append(ctx, event("e1", "kid-1", 4, time.Now()))
		require.NoError(t, err)

		inside, err := tx.GetAccount(ctx, "kid-1")
		require.NoError(t, err)
		assert.Equal(t, int64(4), inside.Balance)
		staged, err := tx.ListByAccount(ctx, "kid-1", ledger.Position{}, 0)
		require.NoError(t, err)
		assert.Len(t, staged, 1)

		outside, err := mem.GetAccount(ctx, "kid-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), outside.Balance)
		return nil
	})
	require.NoError(t, err)

	acct, err := mem.GetAccount(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), acct.Balance)
}

func TestMemory_WithTx_CommitLosesToConcurrentWriter(t *testing.T) {
	mem := newOpenMemory(t, "kid-1")
	ctx := context.Background()

	err := mem.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.CompareAndSwap(ctx, "kid-1", ledger.InitialVersion, 2); err != nil {
			return err
		}
		// Another writer commits first.
		_, err := mem.CompareAndSwap(ctx, "kid-1", ledger.InitialVersion, 7)
		return err
	})
	require.ErrorIs(t, err, ledger.ErrVersionConflict)

	acct, err := mem.GetAccount(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), acct.Balance, "the winner's write stands")
}

func TestMemory_WithTx_CanceledBeforeCommit(t *testing.T) {
	mem := newOpenMemory(t, "kid-1")
	ctx, cancel := context.WithCancel(context.Background())

	err := mem.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.CompareAndSwap(ctx, "kid-1", ledger.InitialVersion, 2)
		cancel()
		return err
	})
	require.ErrorIs(t, err, context.Canceled)

	acct, err := mem.GetAccount(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.InitialVersion, acct.Version)
}

func TestMemory_ListByAccount_KeysetPages(t *testing.T) {
	mem := newOpenMemory(t, "kid-1")
	ctx := context.Background()
	base := time.Date(2026, time.May, 1, 8, 0, 0, 0, time.UTC)

	// Appended out of order; reads come back sorted by time then ID.
	for _, ev := range []ledger.LedgerEvent{
		event("c", "kid-1", 3, base.Add(time.Minute)),
		event("a", "kid-1", 1, base),
		event("b", "kid-1", 2, base.Add(time.Minute)),
	} {
		_, err := mem.Append(ctx, ev)
		require.NoError(t, err)
	}

	first, err := mem.ListByAccount(ctx, "kid-1", ledger.Position{}, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ledger.EventID("a"), first[0].ID)
	assert.Equal(t, ledger.EventID("b"), first[1].ID)

	rest, err := mem.ListByAccount(ctx, "kid-1", ledger.PositionOf(first[1]), 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ledger.EventID("c"), rest[0].ID)
}

func TestMemory_Append_RejectsDuplicateAndOrphan(t *testing.T) {
	mem := newOpenMemory(t, "kid-1")
	ctx := context.Background()

	_, err := mem.Append(ctx, event("e1", "kid-1", 1, time.Now()))
	require.NoError(t, err)

	_, err = mem.Append(ctx, event("e1", "kid-1", 1, time.Now()))
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)

	_, err = mem.Append(ctx, event("e2", "ghost", 1, time.Now()))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestMemory_CreateAccount_Twice(t *testing.T) {
	mem := newOpenMemory(t, "kid-1")
	_, err := mem.CreateAccount(context.Background(), "kid-1")
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
}
