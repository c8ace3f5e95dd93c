/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically reconciles every child's account (cached balance against
  the sum of its events) and records each pass for audit and UI display.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Lists accounts through the catalog (one per child)
  - Logs every inconsistent account; repairs it when AutoRepair is set
  - Keeps the most recent runs in memory (maxRuns)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - AutoRepair: Rewrite drifted aggregates to the event sum (default: false)

USAGE:
  scheduler := NewReconciliationScheduler(coord, svc)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Manual trigger endpoint
  - ledger/reconcile.go: Reconcile and Repair
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/star-ledger/catalog"
	"github.com/warp/star-ledger/ledger"
)

const maxRuns = 50

// ReconciliationRun is the outcome of one pass over all accounts.
type ReconciliationRun struct {
	StartedAt  time.Time   `json:"started_at"`
	Duration   string      `json:"duration"`
	Checked    int         `json:"checked"`
	Drifted    []ReportDTO `json:"drifted"`
	Repaired   int         `json:"repaired"`
	Errors     []string    `json:"errors,omitempty"`
	Consistent bool        `json:"consistent"`
}

// ReconciliationScheduler runs Reconcile over every account on a timer.
type ReconciliationScheduler struct {
	Ledger        *ledger.Coordinator
	Catalog       *catalog.Service
	CheckInterval time.Duration
	Enabled       bool
	AutoRepair    bool
	Logger        *log.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runsMu sync.Mutex
	runs   []ReconciliationRun
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(coord *ledger.Coordinator, svc *catalog.Service) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Ledger:        coord,
		Catalog:       svc,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        log.Default(),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Println("[Scheduler] Disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Printf("[Scheduler] Started with check interval: %v", rs.CheckInterval)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Println("[Scheduler] Stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	// Run immediately on start
	rs.RunOnce(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunOnce(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunOnce reconciles every account now and records the run.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) ReconciliationRun {
	started := time.Now()
	run := ReconciliationRun{StartedAt: started.UTC(), Drifted: []ReportDTO{}}

	children, err := rs.Catalog.Children(ctx)
	if err != nil {
		rs.Logger.Printf("[Scheduler] Failed to list children: %v", err)
		run.Errors = append(run.Errors, err.Error())
		return rs.record(run, started)
	}

	for _, child := range children {
		if ctx.Err() != nil {
			run.Errors = append(run.Errors, ctx.Err().Error())
			break
		}

		id := child.AccountID()
		report, err := rs.Ledger.Reconcile(ctx, id)
		if err != nil {
			rs.Logger.Printf("[Scheduler] Reconcile %s failed: %v", id, err)
			run.Errors = append(run.Errors, err.Error())
			continue
		}
		run.Checked++
		if report.Consistent {
			continue
		}

		rs.Logger.Printf("[Scheduler] %s drifted: cached %d, events sum %d", id, report.CachedBalance, report.EventSum)
		run.Drifted = append(run.Drifted, toReportDTO(report))

		if rs.AutoRepair {
			if _, err := rs.Ledger.Repair(ctx, id); err != nil {
				rs.Logger.Printf("[Scheduler] Repair %s failed: %v", id, err)
				run.Errors = append(run.Errors, err.Error())
				continue
			}
			run.Repaired++
		}
	}

	return rs.record(run, started)
}

func (rs *ReconciliationScheduler) record(run ReconciliationRun, started time.Time) ReconciliationRun {
	run.Duration = time.Since(started).String()
	run.Consistent = len(run.Drifted) == run.Repaired && len(run.Errors) == 0

	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()
	rs.runs = append(rs.runs, run)
	if len(rs.runs) > maxRuns {
		rs.runs = rs.runs[len(rs.runs)-maxRuns:]
	}
	return run
}

// Runs returns the recorded runs, newest first.
func (rs *ReconciliationScheduler) Runs() []ReconciliationRun {
	rs.runsMu.Lock()
	defer rs.runsMu.Unlock()

	out := make([]ReconciliationRun, 0, len(rs.runs))
	for i := len(rs.runs) - 1; i >= 0; i-- {
		out = append(out, rs.runs[i])
	}
	return out
}
