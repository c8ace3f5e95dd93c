/*
Package catalog holds the household side of the star ledger: child
profiles, the tasks that earn stars, and the rewards that cost them.

PURPOSE:
  The catalog supplies immutable inputs to the ledger at the moment an
  operation runs (a task's star value, a reward's cost). It never touches
  balances itself; it calls ledger.Coordinator.

REPEAT FLAG:
  A task or reward with Repeat == false is removed from the catalog after
  it is completed or redeemed once. The ledger has no notion of repeat;
  preventing a second redemption is the catalog's job.

SEE ALSO:
  - service.go: CompleteTask / RedeemReward
  - store/sqlite/sqlite.go: Persistence for these types
*/
package catalog

import (
	"errors"
	"time"

	"github.com/warp/star-ledger/ledger"
)

// =============================================================================
// TYPES
// =============================================================================

// Child is a profile. Its ID doubles as its ledger account ID.
type Child struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

func (c Child) AccountID() ledger.AccountID { return ledger.AccountID(c.ID) }

type Task struct {
	ID        string
	ChildID   string
	Title     string
	Stars     int64
	Repeat    bool
	CreatedAt time.Time
}

type Reward struct {
	ID        string
	ChildID   string
	Title     string
	Cost      int64
	Repeat    bool
	CreatedAt time.Time
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrChildNotFound  = errors.New("child not found")
	ErrTaskNotFound   = errors.New("task not found")
	ErrRewardNotFound = errors.New("reward not found")
	ErrNotOwned       = errors.New("item belongs to another child")
	ErrInvalid        = errors.New("invalid catalog item")
)
