/*
coordinator.go - Ledger transaction coordinator

PURPOSE:
  The Coordinator is the ONLY component permitted to change an Account.
  Award and Redeem both run the same atomic sequence:

    1. Begin a transaction (TxStore.WithTx)
    2. Read the Account            -> ErrAccountNotFound
    3. Validate against its state  -> InsufficientBalanceError (no writes)
    4. CompareAndSwap the aggregate and Append one LedgerEvent
    5. Commit

  A lost compare-and-swap or commit (ErrVersionConflict) restarts the
  sequence from step 2, against the freshly committed state, up to
  MaxAttempts times. Callers never see ErrVersionConflict; they see a
  ConcurrencyExhaustedError when every attempt lost.

RETRY LAYERS:
  This is the only retry layer. A caller that replays a completed Award
  performs a legitimate second award.

ORDERING:
  Two operations on the same account are linearized by the store's CAS.
  Operations on different accounts never touch the same rows and may
  commit in any order.

EXAMPLE:
  coord := ledger.NewCoordinator(store, ledger.WithMaxAttempts(5))
  res, err := coord.Award(ctx, ledger.AwardRequest{
      AccountID: "kid-1", Amount: 3, Reference: "task-dishes",
  })

SEE ALSO:
  - store.go: TxStore contract relied on for atomicity
  - reconcile.go: Invariant checks and Repair
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	DefaultMaxAttempts     = 5
	DefaultRetryBackoff    = 5 * time.Millisecond
	DefaultHistoryPageSize = 100
)

// Recorder receives operation outcomes. metrics.Ledger implements it.
type Recorder interface {
	ObserveOperation(kind EventKind, outcome string, attempts int, elapsed time.Duration)
	ObserveConflict(kind EventKind)
	ObservePublishFailure()
}

// Outcome labels passed to Recorder.
const (
	OutcomeCommitted    = "committed"
	OutcomeNotFound     = "not_found"
	OutcomeInsufficient = "insufficient_balance"
	OutcomeInvalid      = "invalid"
	OutcomeExhausted    = "concurrency_exhausted"
	OutcomeStorage      = "storage_unavailable"
	OutcomeCanceled     = "canceled"
)

type Option func(*Coordinator)

// WithMaxAttempts bounds the attempts per operation (first try included).
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the base delay between conflicting attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Coordinator) { c.backoff = d }
}

func WithHistoryPageSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the server clock used for OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	store       TxStore
	publisher   Publisher
	recorder    Recorder
	logger      *log.Logger
	maxAttempts int
	backoff     time.Duration
	pageSize    int
	now         func() time.Time
}

func NewCoordinator(store TxStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		logger:      log.Default(),
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultRetryBackoff,
		pageSize:    DefaultHistoryPageSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

// OpenAccount creates an account with balance 0. Called when a child
// profile is created.
func (c *Coordinator) OpenAccount(ctx context.Context, id AccountID) (Account, error) {
	if id == "" {
		return Account{}, fmt.Errorf("%w: account id is required", ErrInvalidAmount)
	}
	return c.store.CreateAccount(ctx, id)
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// Award credits req.Amount stars to the account.
func (c *Coordinator) Award(ctx context.Context, req AwardRequest) (Result, error) {
	if req.Amount <= 0 {
		c.observe(KindAward, OutcomeInvalid, 0, time.Now())
		return Result{}, fmt.Errorf("%w: award must be positive, got %d", ErrInvalidAmount, req.Amount)
	}
	return c.apply(ctx, KindAward, req.AccountID, req.Reference, func(acct Account) (int64, error) {
		if acct.Balance > math.MaxInt64-req.Amount {
			return 0, fmt.Errorf("%w: award of %d overflows balance %d", ErrInvalidAmount, req.Amount, acct.Balance)
		}
		return req.Amount, nil
	})
}

// Redeem debits req.Cost stars if the balance covers it. A zero cost is
// allowed and still records an event.
func (c *Coordinator) Redeem(ctx context.Context, req RedeemRequest) (Result, error) {
	if req.Cost < 0 {
		c.observe(KindRedemption, OutcomeInvalid, 0, time.Now())
		return Result{}, fmt.Errorf("%w: cost must not be negative, got %d", ErrInvalidAmount, req.Cost)
	}
	return c.apply(ctx, KindRedemption, req.AccountID, req.Reference, func(acct Account) (int64, error) {
		if acct.Balance < req.Cost {
			return 0, &InsufficientBalanceError{
				AccountID: acct.ID,
				Available: acct.Balance,
				Requested: req.Cost,
				Shortfall: req.Cost - acct.Balance,
			}
		}
		return -req.Cost, nil
	})
}

// validateFn inspects the freshly read account and returns the delta to
// apply, or an error that aborts the transaction before any write.
type validateFn func(acct Account) (int64, error)

func (c *Coordinator) apply(ctx context.Context, kind EventKind, id AccountID, ref string, validate validateFn) (Result, error) {
	started := time.Now()
	var lastConflict error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			c.observe(kind, OutcomeCanceled, attempt-1, started)
			return Result{}, err
		}

		res, err := c.attempt(ctx, kind, id, ref, validate)
		if err == nil {
			res.Attempts = attempt
			c.observe(kind, OutcomeCommitted, attempt, started)
			c.publish(ctx, res.Event)
			return res, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			c.observe(kind, outcomeOf(err), attempt, started)
			return Result{}, err
		}

		lastConflict = err
		if c.recorder != nil {
			c.recorder.ObserveConflict(kind)
		}
		c.logger.Printf("ledger: %s on %s lost a conflict (attempt %d/%d)", kind, id, attempt, c.maxAttempts)

		if attempt < c.maxAttempts {
			if err := c.sleep(ctx, attempt); err != nil {
				c.observe(kind, OutcomeCanceled, attempt, started)
				return Result{}, err
			}
		}
	}

	c.logger.Printf("ledger: %s on %s exhausted %d attempts", kind, id, c.maxAttempts)
	c.observe(kind, OutcomeExhausted, c.maxAttempts, started)
	return Result{}, &ConcurrencyExhaustedError{AccountID: id, Attempts: c.maxAttempts, Last: lastConflict}
}

// attempt runs steps 1-5 once.
func (c *Coordinator) attempt(ctx context.Context, kind EventKind, id AccountID, ref string, validate validateFn) (Result, error) {
	var res Result
	err := c.store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}

		delta, err := validate(acct)
		if err != nil {
			return err
		}

		updated, err := tx.CompareAndSwap(ctx, id, acct.Version, acct.Balance+delta)
		if err != nil {
			return err
		}

		ev := LedgerEvent{
			ID:         newEventID(),
			AccountID:  id,
			Delta:      delta,
			Kind:       kind,
			Reference:  ref,
			OccurredAt: c.now().UTC().Truncate(time.Microsecond), // finest precision every backend keeps
			Version:    updated.Version,
		}
		if _, err := tx.Append(ctx, ev); err != nil {
			return err
		}

		res = Result{
			AccountID:  id,
			NewBalance: updated.Balance,
			Version:    updated.Version,
			Event:      ev,
		}
		return nil
	})
	return res, err
}

// sleep waits a jittered, linearly growing delay, or until ctx is done.
func (c *Coordinator) sleep(ctx context.Context, attempt int) error {
	if c.backoff <= 0 {
		return nil
	}
	d := c.backoff*time.Duration(attempt) + rand.N(c.backoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) publish(ctx context.Context, ev LedgerEvent) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Printf("ledger: publish event %s for %s failed: %v", ev.ID, ev.AccountID, err)
		if c.recorder != nil {
			c.recorder.ObservePublishFailure()
		}
	}
}

func (c *Coordinator) observe(kind EventKind, outcome string, attempts int, started time.Time) {
	if c.recorder == nil {
		return
	}
	c.recorder.ObserveOperation(kind, outcome, attempts, time.Since(started))
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrInsufficientBalance):
		return OutcomeInsufficient
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrNegativeBalance):
		return OutcomeInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeStorage
	}
}

func newEventID() EventID {
	// V7 ids sort by creation time, so ties on OccurredAt keep write order.
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return EventID(id.String())
}

// =============================================================================
// READ OPERATIONS - Display only, never for caller decisions
// =============================================================================

func (c *Coordinator) Account(ctx context.Context, id AccountID) (Account, error) {
	return c.store.GetAccount(ctx, id)
}

func (c *Coordinator) Balance(ctx context.Context, id AccountID) (int64, error) {
	acct, err := c.store.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// History returns a lazy cursor over the account's events.
func (c *Coordinator) History(id AccountID) *History {
	return NewHistory(c.store, id, c.pageSize)
}

// EventsPage returns up to limit events strictly after the position, in
// history order. Returns ErrAccountNotFound for an unknown account.
func (c *Coordinator) EventsPage(ctx context.Context, id AccountID, after Position, limit int) ([]LedgerEvent, error) {
	if _, err := c.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return c.store.ListByAccount(ctx, id, after, limit)
}

// Events returns the account's full history. Returns ErrAccountNotFound
// for an unknown account.
func (c *Coordinator) Events(ctx context.Context, id AccountID) ([]LedgerEvent, error) {
	if _, err := c.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return Collect(ctx, c.History(id))
}
