package postgres

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/star-ledger/ledger"
)

// Integration tests run only against a disposable database:
//
//	STARLEDGER_TEST_POSTGRES_DSN=postgres://localhost/starledger_test?sslmode=disable go test ./store/postgres/
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("STARLEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STARLEDGER_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func uniqueAccount() ledger.AccountID {
	return ledger.AccountID("kid-" + uuid.NewString())
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"serialization failure", &pq.Error{Code: codeSerializationFailure}, ledger.ErrVersionConflict},
		{"deadlock", &pq.Error{Code: codeDeadlockDetected}, ledger.ErrVersionConflict},
		{"check violation", &pq.Error{Code: codeCheckViolation}, ledger.ErrNegativeBalance},
		{"connection refused", errors.New("dial tcp: connection refused"), ledger.ErrStorageUnavailable},
		{"canceled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError("op", tt.err), tt.want)
		})
	}
	assert.NoError(t, mapError("op", nil))
}

func TestStore_AwardRedeemReconcile(t *testing.T) {
	s := openTestStore(t)
	coord := ledger.NewCoordinator(s, ledger.WithLogger(log.New(io.Discard, "", 0)))
	ctx := context.Background()
	id := uniqueAccount()

	_, err := coord.OpenAccount(ctx, id)
	require.NoError(t, err)
	_, err = coord.OpenAccount(ctx, id)
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	_, err = coord.Award(ctx, ledger.AwardRequest{AccountID: id, Amount: 8, Reference: "task"})
	require.NoError(t, err)
	res, err := coord.Redeem(ctx, ledger.RedeemRequest{AccountID: id, Cost: 8, Reference: "reward"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance)

	_, err = coord.Redeem(ctx, ledger.RedeemRequest{AccountID: id, Cost: 1})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	evs, err := coord.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, res.Event, evs[1], "stored event matches the committed one")

	report, err := coord.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.NoError(t, report.CheckInvariants())
}

func TestStore_ConcurrentExactRedeems(t *testing.T) {
	s := openTestStore(t)
	coord := ledger.NewCoordinator(s,
		ledger.WithLogger(log.New(io.Discard, "", 0)),
		ledger.WithMaxAttempts(20),
	)
	ctx := context.Background()
	id := uniqueAccount()
	_, err := coord.OpenAccount(ctx, id)
	require.NoError(t, err)
	_, err = coord.Award(ctx, ledger.AwardRequest{AccountID: id, Amount: 8})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Redeem(ctx, ledger.RedeemRequest{AccountID: id, Cost: 8})
		}(i)
	}
	wg.Wait()

	var won, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ledger.ErrInsufficientBalance):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, refused)

	balance, err := coord.Balance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}
