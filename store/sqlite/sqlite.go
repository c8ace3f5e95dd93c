/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements ledger.TxStore (accounts + ledger events) and catalog.Store
  (children, tasks, rewards) on one SQLite database.

INTERFACES IMPLEMENTED:
  ledger.TxStore: Account CAS, append-only event log, WithTx
  catalog.Store:  Household catalog records

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_events
  - Triggers abort any UPDATE or DELETE that reaches the table anyway

COMPARE-AND-SWAP:
  UPDATE accounts ... WHERE id = ? AND version = ?
  Zero rows affected means either the account is missing (ErrAccountNotFound)
  or the version moved (ErrVersionConflict). A CHECK constraint keeps the
  balance non-negative even if a caller skips validation.

KEY TABLES:
  accounts:       Cached balance + version per child
  ledger_events:  Immutable log of balance changes
  children, tasks, rewards: Catalog

INDEXES:
  - idx_ledger_events_account_order: History reads (hot path)
  - idx_ledger_events_account_version: One event per produced version

CONCURRENCY:
  sync.RWMutex serializes writers in-process; transactions BEGIN IMMEDIATE
  and wait on busy_timeout across processes. SQLITE_BUSY/LOCKED surface as
  ErrVersionConflict so the coordinator retries.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so string order is time order.

USAGE:
  store, err := sqlite.New("./data/stars.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  coord := ledger.NewCoordinator(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory reference implementation
  - store/postgres/postgres.go: Same contract on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/star-ledger/catalog"
	"github.com/warp/star-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ catalog.Store  = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts (cached aggregate, one per child)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger events (append-only)
	CREATE TABLE IF NOT EXISTS ledger_events (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		delta INTEGER NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('award', 'redemption')),
		reference TEXT,
		occurred_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_events_account_order
		ON ledger_events(account_id, occurred_at, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_events_account_version
		ON ledger_events(account_id, version);

	CREATE TRIGGER IF NOT EXISTS ledger_events_no_update
		BEFORE UPDATE ON ledger_events
		BEGIN SELECT RAISE(ABORT, 'ledger_events is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_events_no_delete
		BEFORE DELETE ON ledger_events
		BEGIN SELECT RAISE(ABORT, 'ledger_events is append-only'); END;

	-- Children (profiles)
	CREATE TABLE IF NOT EXISTS children (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Tasks (earn stars); empty child_id means shared
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		stars INTEGER NOT NULL CHECK (stars > 0),
		repeat BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_child ON tasks(child_id);

	-- Rewards (cost stars); empty child_id means shared
	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		cost INTEGER NOT NULL CHECK (cost >= 0),
		repeat BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rewards_child ON rewards(child_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNT STORE (ledger.AccountStore interface)
// =============================================================================

// CreateAccount opens an account at balance 0.
func (s *Store) CreateAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (id, balance, version, created_at, updated_at) VALUES (?, 0, ?, ?, ?)",
		id, ledger.InitialVersion, formatTime(now), formatTime(now),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
			return ledger.Account{}, ledger.ErrAccountExists
		}
		return ledger.Account{}, mapError("create account", err)
	}
	return ledger.Account{ID: id, Version: ledger.InitialVersion, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

// CompareAndSwap outside WithTx runs as its own statement.
func (s *Store) CompareAndSwap(ctx context.Context, id ledger.AccountID, expectedVersion, newBalance int64) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return compareAndSwap(ctx, s.db, id, expectedVersion, newBalance, s.now())
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID) (ledger.Account, error) {
	var (
		acct                 ledger.Account
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, balance, version, created_at, updated_at FROM accounts WHERE id = ?",
		id,
	).Scan(&acct.ID, &acct.Balance, &acct.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapError("get account", err)
	}
	acct.CreatedAt = parseTime(createdAt)
	acct.UpdatedAt = parseTime(updatedAt)
	return acct, nil
}

func compareAndSwap(ctx context.Context, q querier, id ledger.AccountID, expectedVersion, newBalance int64, now time.Time) (ledger.Account, error) {
	if newBalance < 0 {
		return ledger.Account{}, ledger.ErrNegativeBalance
	}

	res, err := q.ExecContext(ctx,
		"UPDATE accounts SET balance = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?",
		newBalance, formatTime(now), id, expectedVersion,
	)
	if err != nil {
		return ledger.Account{}, mapError("compare and swap", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Account{}, mapError("compare and swap", err)
	}
	if n == 0 {
		// Either missing or stale; a missing account wins.
		if _, err := getAccount(ctx, q, id); err != nil {
			return ledger.Account{}, err
		}
		return ledger.Account{}, ledger.ErrVersionConflict
	}
	return getAccount(ctx, q, id)
}

// =============================================================================
// EVENT LOG (ledger.EventLog interface)
// =============================================================================

// Append adds an event to the log.
func (s *Store) Append(ctx context.Context, ev ledger.LedgerEvent) (ledger.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEvent(ctx, s.db, ev)
}

func appendEvent(ctx context.Context, q querier, ev ledger.LedgerEvent) (ledger.EventID, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_events (id, account_id, delta, kind, reference, occurred_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AccountID, ev.Delta, ev.Kind,
		nullString(ev.Reference), formatTime(ev.OccurredAt), ev.Version,
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return "", ledger.ErrAccountNotFound
		}
		return "", mapError("append event", err)
	}
	return ev.ID, nil
}

// ListByAccount returns a keyset page of an account's history.
func (s *Store) ListByAccount(ctx context.Context, id ledger.AccountID, after ledger.Position, limit int) ([]ledger.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEvents(ctx, s.db, id, after, limit)
}

func listEvents(ctx context.Context, q querier, id ledger.AccountID, after ledger.Position, limit int) ([]ledger.LedgerEvent, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	afterAt := ""
	if !after.IsZero() {
		afterAt = formatTime(after.OccurredAt)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, delta, kind, reference, occurred_at, version
		FROM ledger_events
		WHERE account_id = ?
		  AND (occurred_at > ? OR (occurred_at = ? AND id > ?))
		ORDER BY occurred_at ASC, id ASC
		LIMIT ?`,
		id, afterAt, afterAt, after.EventID, limit,
	)
	if err != nil {
		return nil, mapError("list events", err)
	}
	defer rows.Close()

	events := []ledger.LedgerEvent{}
	for rows.Next() {
		var (
			ev         ledger.LedgerEvent
			reference  sql.NullString
			occurredAt string
		)
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.Delta, &ev.Kind, &reference, &occurredAt, &ev.Version); err != nil {
			return nil, mapError("scan event", err)
		}
		ev.Reference = reference.String
		ev.OccurredAt = parseTime(occurredAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list events", err)
	}
	return events, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, now: s.now}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

type txStore struct {
	tx  *sql.Tx
	now func() time.Time
}

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) CompareAndSwap(ctx context.Context, id ledger.AccountID, expectedVersion, newBalance int64) (ledger.Account, error) {
	return compareAndSwap(ctx, ts.tx, id, expectedVersion, newBalance, ts.now())
}

func (ts *txStore) Append(ctx context.Context, ev ledger.LedgerEvent) (ledger.EventID, error) {
	return appendEvent(ctx, ts.tx, ev)
}

func (ts *txStore) ListByAccount(ctx context.Context, id ledger.AccountID, after ledger.Position, limit int) ([]ledger.LedgerEvent, error) {
	return listEvents(ctx, ts.tx, id, after, limit)
}

// =============================================================================
// CHILD STORE (catalog.Store interface)
// =============================================================================

// SaveChild saves a child profile.
func (s *Store) SaveChild(ctx context.Context, c catalog.Child) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO children (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name
	`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, formatTime(c.CreatedAt))
	return mapError("save child", err)
}

// GetChild retrieves a child by ID.
func (s *Store) GetChild(ctx context.Context, id string) (*catalog.Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c catalog.Child
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM children WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get child", err)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// ListChildren returns all children.
func (s *Store) ListChildren(ctx context.Context) ([]catalog.Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at FROM children ORDER BY name, id")
	if err != nil {
		return nil, mapError("list children", err)
	}
	defer rows.Close()

	children := []catalog.Child{}
	for rows.Next() {
		var c catalog.Child
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Name, &createdAt); err != nil {
			return nil, mapError("scan child", err)
		}
		c.CreatedAt = parseTime(createdAt)
		children = append(children, c)
	}
	return children, mapError("list children", rows.Err())
}

// =============================================================================
// TASK STORE
// =============================================================================

func (s *Store) SaveTask(ctx context.Context, t catalog.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO tasks (id, child_id, title, stars, repeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			child_id = excluded.child_id,
			title = excluded.title,
			stars = excluded.stars,
			repeat = excluded.repeat
	`
	_, err := s.db.ExecContext(ctx, query, t.ID, t.ChildID, t.Title, t.Stars, t.Repeat, formatTime(t.CreatedAt))
	return mapError("save task", err)
}

func (s *Store) GetTask(ctx context.Context, id string) (*catalog.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.queryTasks(ctx, "SELECT id, child_id, title, stars, repeat, created_at FROM tasks WHERE id = ?", id)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return &tasks[0], nil
}

// ListTasks returns the child's tasks plus shared ones. An empty childID
// lists every task.
func (s *Store) ListTasks(ctx context.Context, childID string) ([]catalog.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if childID == "" {
		return s.queryTasks(ctx, "SELECT id, child_id, title, stars, repeat, created_at FROM tasks ORDER BY title, id")
	}
	return s.queryTasks(ctx, `
		SELECT id, child_id, title, stars, repeat, created_at FROM tasks
		WHERE child_id = ? OR child_id = ''
		ORDER BY title, id`, childID)
}

func (s *Store) DeleteTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return false, mapError("delete task", err)
	}
	n, err := res.RowsAffected()
	return n > 0, mapError("delete task", err)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]catalog.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query tasks", err)
	}
	defer rows.Close()

	tasks := []catalog.Task{}
	for rows.Next() {
		var t catalog.Task
		var createdAt string
		if err := rows.Scan(&t.ID, &t.ChildID, &t.Title, &t.Stars, &t.Repeat, &createdAt); err != nil {
			return nil, mapError("scan task", err)
		}
		t.CreatedAt = parseTime(createdAt)
		tasks = append(tasks, t)
	}
	return tasks, mapError("query tasks", rows.Err())
}

// =============================================================================
// REWARD STORE
// =============================================================================

func (s *Store) SaveReward(ctx context.Context, r catalog.Reward) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO rewards (id, child_id, title, cost, repeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			child_id = excluded.child_id,
			title = excluded.title,
			cost = excluded.cost,
			repeat = excluded.repeat
	`
	_, err := s.db.ExecContext(ctx, query, r.ID, r.ChildID, r.Title, r.Cost, r.Repeat, formatTime(r.CreatedAt))
	return mapError("save reward", err)
}

func (s *Store) GetReward(ctx context.Context, id string) (*catalog.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rewards, err := s.queryRewards(ctx, "SELECT id, child_id, title, cost, repeat, created_at FROM rewards WHERE id = ?", id)
	if err != nil || len(rewards) == 0 {
		return nil, err
	}
	return &rewards[0], nil
}

func (s *Store) ListRewards(ctx context.Context, childID string) ([]catalog.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if childID == "" {
		return s.queryRewards(ctx, "SELECT id, child_id, title, cost, repeat, created_at FROM rewards ORDER BY cost, title, id")
	}
	return s.queryRewards(ctx, `
		SELECT id, child_id, title, cost, repeat, created_at FROM rewards
		WHERE child_id = ? OR child_id = ''
		ORDER BY cost, title, id`, childID)
}

func (s *Store) DeleteReward(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM rewards WHERE id = ?", id)
	if err != nil {
		return false, mapError("delete reward", err)
	}
	n, err := res.RowsAffected()
	return n > 0, mapError("delete reward", err)
}

func (s *Store) queryRewards(ctx context.Context, query string, args ...any) ([]catalog.Reward, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query rewards", err)
	}
	defer rows.Close()

	rewards := []catalog.Reward{}
	for rows.Next() {
		var r catalog.Reward
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ChildID, &r.Title, &r.Cost, &r.Repeat, &createdAt); err != nil {
			return nil, mapError("scan reward", err)
		}
		r.CreatedAt = parseTime(createdAt)
		rewards = append(rewards, r)
	}
	return rewards, mapError("query rewards", rows.Err())
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, code := range codes {
		if sqliteErr.ExtendedCode == code {
			return true
		}
	}
	return false
}

// mapError translates driver errors into ledger errors. Busy and locked
// databases are contention, which the coordinator retries.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %s: %v", ledger.ErrVersionConflict, op, err)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%w: %s: %v", ledger.ErrNegativeBalance, op, err)
		}
	}
	return ledger.StorageError(op, err)
}
