package catalog_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/star-ledger/catalog"
	"github.com/warp/star-ledger/ledger"
	"github.com/warp/star-ledger/ledger/store"
	"github.com/warp/star-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newService(t *testing.T) (*catalog.Service, *ledger.Coordinator) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	quiet := log.New(io.Discard, "", 0)
	coord := ledger.NewCoordinator(store, ledger.WithLogger(quiet), ledger.WithRetryBackoff(0))
	return catalog.NewService(store, coord, quiet), coord
}

// newHookedService keeps the catalog in SQLite and the ledger in the memory
// store, whose commit hook runs just before a ledger commit.
func newHookedService(t *testing.T) (*catalog.Service, *ledger.Coordinator, *store.Memory) {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mem := store.NewMemory()
	quiet := log.New(io.Discard, "", 0)
	coord := ledger.NewCoordinator(mem, ledger.WithLogger(quiet), ledger.WithRetryBackoff(0))
	return catalog.NewService(db, coord, quiet), coord, mem
}

func addChild(t *testing.T, svc *catalog.Service, id, name string) catalog.Child {
	t.Helper()
	child, acct, err := svc.CreateChild(context.Background(), catalog.Child{ID: id, Name: name})
	require.NoError(t, err)
	require.Equal(t, int64(0), acct.Balance)
	return child
}

// =============================================================================
// CHILDREN
// =============================================================================

func TestCreateChild_OpensAccount(t *testing.T) {
	svc, coord := newService(t)
	ctx := context.Background()

	child, acct, err := svc.CreateChild(ctx, catalog.Child{Name: "  Ada  "})
	require.NoError(t, err)
	assert.NotEmpty(t, child.ID, "an ID is generated")
	assert.Equal(t, "Ada", child.Name)
	assert.Equal(t, child.AccountID(), acct.ID)

	balance, err := coord.Balance(ctx, child.AccountID())
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestCreateChild_AgainKeepsAccount(t *testing.T) {
	// GIVEN: A child with 4 stars
	svc, coord := newService(t)
	ctx := context.Background()
	addChild(t, svc, "ada", "Ada")
	_, err := coord.Award(ctx, ledger.AwardRequest{AccountID: "ada", Amount: 4})
	require.NoError(t, err)

	// WHEN: Saving the profile again under a new name
	child, acct, err := svc.CreateChild(ctx, catalog.Child{ID: "ada", Name: "Ada L."})

	// THEN: The name changes, the balance survives
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", child.Name)
	assert.Equal(t, int64(4), acct.Balance)

	children, err := svc.Children(ctx)
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestCreateChild_RequiresName(t *testing.T) {
	svc, _ := newService(t)
	_, _, err := svc.CreateChild(context.Background(), catalog.Child{Name: " "})
	assert.ErrorIs(t, err, catalog.ErrInvalid)
}

// =============================================================================
// TASKS
// =============================================================================

func TestCompleteTask_AwardsStars(t *testing.T) {
	// GIVEN: A child with 5 stars and a repeatable 3-star task
	svc, coord := newService(t)
	ctx := context.Background()
	addChild(t, svc, "ada", "Ada")
	_, err := coord.Award(ctx, ledger.AwardRequest{AccountID: "ada", Amount: 5})
	require.NoError(t, err)
	task, err := svc.AddTask(ctx, catalog.Task{ChildID: "ada", Title: "Dishes", Stars: 3, Repeat: true})
	require.NoError(t, err)

	// WHEN: Completing it twice
	first, err := svc.CompleteTask(ctx, "ada", task.ID)
	require.NoError(t, err)
	second, err := svc.CompleteTask(ctx, "ada", task.ID)
	require.NoError(t, err)

	// THEN: Each completion is its own award event referencing the task
	assert.Equal(t, int64(8), first.NewBalance)
	assert.Equal(t, int64(11), second.NewBalance)
	assert.Equal(t, task.ID, first.Event.Reference)
	assert.NotEqual(t, first.Event.ID, second.Event.ID)

	tasks, err := svc.Tasks(ctx, "ada")
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "repeatable task stays")
}

func TestCompleteTask_OneOffIsRemoved(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	addChild(t, svc, "ada", "Ada")
	task, err := svc.AddTask(ctx, catalog.Task{Title: "Birthday cleanup", Stars: 10})
	require.NoError(t, err)

	res, err := svc.CompleteTask(ctx, "ada", task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.NewBalance)

	_, err = svc.CompleteTask(ctx, "ada", task.ID)
	assert.ErrorIs(t, err, catalog.ErrTaskNotFound)
	assert.True(t, catalog.IsNotFound(err))
}

func TestCompleteTask_Errors(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	addChild(t, svc, "ada", "Ada")
	addChild(t, svc, "ben", "Ben")
	bens, err := svc.AddTask(ctx, catalog.Task{ChildID: "ben", Title: "Lawn", Stars: 2, Repeat: true})
	require.NoError(t, err)

	_, err = svc.CompleteTask(ctx, "ada", bens.ID)
	assert.ErrorIs(t, err, catalog.ErrNotOwned)

	_, err = svc.CompleteTask(ctx, "nobody", bens.ID)
	assert.ErrorIs(t, err, catalog.ErrChildNotFound)

	_, err = svc.AddTask(ctx, catalog.Task{Title: "Free", Stars: 0})
	assert.ErrorIs(t, err, catalog.ErrInvalid)

	_, err = svc.AddTask(ctx, catalog.Task{ChildID: "nobody", Title: "Orphan", Stars: 1})
	assert.ErrorIs(t, err, catalog.ErrChildNotFound)
}

// =============================================================================
// REWARDS
// =============================================================================

func TestRedeemReward(t *testing.T) {
	// GIVEN: 8 stars and a 10-star reward
	svc, coord := newService(t)
	ctx := context.Background()
	addChild(t, svc, "ada", "Ada")
	_, err := coord.Award(ctx, ledger.AwardRequest{AccountID: "ada", Amount: 8})
	require.NoError(t, err)
	zoo, err := svc.AddReward(ctx, catalog.Reward{ChildID: "ada", Title: "Zoo trip", Cost: 10})
	require.NoError(t, err)

	// WHEN: Redeeming it
	_, err = svc.RedeemReward(ctx, "ada", zoo.ID)

	// THEN: Refused with the shortfall, the reward is still available
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.Shortfall)

	rewards, err := svc.Rewards(ctx, "ada")
	require.NoError(t, err)
	assert.Len(t, rewards, 1)

	// WHEN: Earning 2 more and redeeming again
	_, err = coord.Award(ctx, ledger.AwardRequest{AccountID: "ada", Amount: 2})
	require.NoError(t, err)
	res, err := svc.RedeemReward(ctx, "ada", zoo.ID)

	// THEN: Balance is 0 and the one-off reward is gone
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance)
	assert.Equal(t, ledger.KindRedemption, res.Event.Kind)
	rewards, err = svc.Rewards(ctx, "ada")
	require.NoError(t, err)
	assert.Empty(t, rewards)
}

func TestRedeemReward_FreeReward(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	addChild(t, svc, "ada", "Ada")
	hug, err := svc.AddReward(ctx, catalog.Reward{Title: "Hug", Cost: 0, Repeat: true})
	require.NoError(t, err)

	res, err := svc.RedeemReward(ctx, "ada", hug.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance)
	assert.Equal(t, int64(0), res.Event.Delta, "free redemptions are still recorded")

	_, err = svc.AddReward(ctx, catalog.Reward{Title: "Debt", Cost: -1})
	assert.ErrorIs(t, err, catalog.ErrInvalid)
}

func TestRedeemReward_ConcurrentExactBalance(t *testing.T) {
	// GIVEN: 8 stars and a repeatable 8-star reward
	svc, coord := newService(t)
	ctx := context.Background()
	addChild(t, svc, "ada", "Ada")
	_, err := coord.Award(ctx, ledger.AwardRequest{AccountID: "ada", Amount: 8})
	require.NoError(t, err)
	game, err := svc.AddReward(ctx, catalog.Reward{ChildID: "ada", Title: "Game", Cost: 8, Repeat: true})
	require.NoError(t, err)

	// WHEN: Two parents redeem it at the same time
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RedeemReward(ctx, "ada", game.ID)
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one succeeds
	var ok, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientBalance):
			refused++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, refused)

	balance, err := coord.Balance(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestRedeemReward_OneOffRedeemedOnce(t *testing.T) {
	// GIVEN: 10 stars and a one-off 4-star reward, enough for two redemptions
	svc, coord, mem := newHookedService(t)
	ctx := context.Background()
	addChild(t, svc, "ada", "Ada")
	_, err := coord.Award(ctx, ledger.AwardRequest{AccountID: "ada", Amount: 10})
	require.NoError(t, err)
	kite, err := svc.AddReward(ctx, catalog.Reward{ChildID: "ada", Title: "Kite", Cost: 4})
	require.NoError(t, err)

	// WHEN: A second device redeems it while the first redemption is committing
	var fired atomic.Bool
	var second error
	mem.SetCommitHook(func(ctx context.Context, _ []ledger.AccountID) error {
		if fired.CompareAndSwap(false, true) {
			_, second = svc.RedeemReward(ctx, "ada", kite.ID)
		}
		return nil
	})
	first, err := svc.RedeemReward(ctx, "ada", kite.ID)

	// THEN: Only the first reaches the ledger
	require.NoError(t, err)
	assert.Equal(t, int64(6), first.NewBalance)
	assert.ErrorIs(t, second, catalog.ErrRewardNotFound)

	evs, err := coord.Events(ctx, "ada")
	require.NoError(t, err)
	assert.Len(t, evs, 2, "one award, one redemption")
}

func TestCompleteTask_OneOffCompletedOnce(t *testing.T) {
	// GIVEN: A one-off 5-star task
	svc, coord, mem := newHookedService(t)
	ctx := context.Background()
	addChild(t, svc, "ada", "Ada")
	garage, err := svc.AddTask(ctx, catalog.Task{ChildID: "ada", Title: "Garage", Stars: 5})
	require.NoError(t, err)

	// WHEN: Completed again while the first award is committing
	var fired atomic.Bool
	var second error
	mem.SetCommitHook(func(ctx context.Context, _ []ledger.AccountID) error {
		if fired.CompareAndSwap(false, true) {
			_, second = svc.CompleteTask(ctx, "ada", garage.ID)
		}
		return nil
	})
	_, err = svc.CompleteTask(ctx, "ada", garage.ID)

	// THEN: Stars are awarded once
	require.NoError(t, err)
	assert.ErrorIs(t, second, catalog.ErrTaskNotFound)
	balance, err := coord.Balance(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestCompleteTask_OneOffRestoredWhenAwardFails(t *testing.T) {
	// GIVEN: A one-off task and a ledger whose commits fail
	svc, _, mem := newHookedService(t)
	ctx := context.Background()
	addChild(t, svc, "ada", "Ada")
	garage, err := svc.AddTask(ctx, catalog.Task{ChildID: "ada", Title: "Garage", Stars: 5})
	require.NoError(t, err)

	mem.SetCommitHook(func(context.Context, []ledger.AccountID) error {
		return ledger.StorageError("commit", errors.New("disk full"))
	})

	// WHEN: Completing it
	_, err = svc.CompleteTask(ctx, "ada", garage.ID)

	// THEN: The failure surfaces and the task is back for another try
	require.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	tasks, err := svc.Tasks(ctx, "ada")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, garage.ID, tasks[0].ID)

	mem.SetCommitHook(nil)
	res, err := svc.CompleteTask(ctx, "ada", garage.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.NewBalance)
}
