package ledger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorHelpers(t *testing.T) {
	short := &InsufficientBalanceError{AccountID: "kid-1", Available: 2, Requested: 5, Shortfall: 3}
	exhausted := &ConcurrencyExhaustedError{AccountID: "kid-1", Attempts: 5, Last: ErrVersionConflict}
	storage := StorageError("get account", errors.New("connection refused"))

	assert.True(t, IsClientError(short))
	assert.False(t, IsRetryable(short))

	assert.True(t, IsRetryable(exhausted))
	assert.False(t, IsClientError(exhausted))

	assert.ErrorIs(t, storage, ErrStorageUnavailable)
	assert.True(t, IsRetryable(storage))
	assert.Contains(t, storage.Error(), "connection refused")

	assert.True(t, IsNotFound(ErrAccountNotFound))
	assert.Nil(t, StorageError("noop", nil))
}

func TestInsufficientBalanceError_Message(t *testing.T) {
	err := &InsufficientBalanceError{AccountID: "kid-1", Available: 8, Requested: 10, Shortfall: 2}
	assert.Equal(t, "insufficient balance for kid-1: available 8, requested 10, shortfall 2", err.Error())
}

func TestEventOrdering(t *testing.T) {
	a := LedgerEvent{ID: "a"}
	b := LedgerEvent{ID: "b"}
	assert.True(t, a.Less(b))
	assert.True(t, b.After(PositionOf(a)))
	assert.False(t, a.After(PositionOf(a)), "a position excludes its own event")
	assert.True(t, a.After(Position{}))
}
