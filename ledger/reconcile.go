/*
reconcile.go - Reconciliation invariant: cached balance == sum of events

PURPOSE:
  The Account aggregate is a cache. Reconcile replays the event log and
  compares the sum with the cached balance, for auditing and repair.

SNAPSHOT CONSISTENCY:
  Every event records the account version it produced. Reconcile reads the
  Account first and only sums events with Version <= Account.Version, so
  events committed while the history is streaming never cause a false
  mismatch.

REPAIR:
  The log is authoritative. Repair rewrites the aggregate to the event sum
  through CompareAndSwap and writes no event.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Report is the outcome of one reconciliation pass.
type Report struct {
	AccountID     AccountID
	CachedBalance int64
	EventSum      int64
	EventCount    int
	Version       int64
	Consistent    bool
}

// Reconcile replays the account's history against its cached balance.
func Reconcile(ctx context.Context, store TxStore, id AccountID, pageSize int) (Report, error) {
	acct, err := store.GetAccount(ctx, id)
	if err != nil {
		return Report{}, err
	}

	report := Report{AccountID: id, CachedBalance: acct.Balance, Version: acct.Version}
	h := NewHistory(store, id, pageSize)
	for h.Next(ctx) {
		ev := h.Event()
		if ev.Version > acct.Version {
			continue
		}
		report.EventSum += ev.Delta
		report.EventCount++
	}
	if err := h.Err(); err != nil {
		return Report{}, err
	}

	report.Consistent = report.EventSum == report.CachedBalance
	return report, nil
}

// CheckInvariants returns an error describing the first violated
// invariant of the report, or nil.
func (r Report) CheckInvariants() error {
	if r.CachedBalance < 0 {
		return fmt.Errorf("%w: account %s cached balance %d", ErrNegativeBalance, r.AccountID, r.CachedBalance)
	}
	if !r.Consistent {
		return fmt.Errorf("account %s: cached balance %d != event sum %d over %d events",
			r.AccountID, r.CachedBalance, r.EventSum, r.EventCount)
	}
	return nil
}

// Reconcile runs a reconciliation pass with the coordinator's page size.
func (c *Coordinator) Reconcile(ctx context.Context, id AccountID) (Report, error) {
	return Reconcile(ctx, c.store, id, c.pageSize)
}

// Repair realigns a drifted aggregate with its event log. It returns the
// report the repair acted on; a consistent account is left untouched.
func (c *Coordinator) Repair(ctx context.Context, id AccountID) (Report, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		report, err := c.Reconcile(ctx, id)
		if err != nil {
			return Report{}, err
		}
		if report.Consistent {
			return report, nil
		}
		if report.EventSum < 0 {
			return report, fmt.Errorf("%w: account %s events sum to %d", ErrNegativeBalance, id, report.EventSum)
		}

		err = c.store.WithTx(ctx, func(tx Tx) error {
			_, err := tx.CompareAndSwap(ctx, id, report.Version, report.EventSum)
			return err
		})
		if err == nil {
			c.logger.Printf("ledger: repaired %s: cached %d -> %d", id, report.CachedBalance, report.EventSum)
			return report, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Report{}, err
		}
		if err := c.sleep(ctx, attempt); err != nil {
			return Report{}, err
		}
	}
	return Report{}, &ConcurrencyExhaustedError{AccountID: id, Attempts: c.maxAttempts, Last: ErrVersionConflict}
}
