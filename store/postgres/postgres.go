/*
Package postgres provides a PostgreSQL-backed implementation of the storage interfaces.

PURPOSE:
  Same contract as store/sqlite for deployments that share one database
  between several server processes.

COMPARE-AND-SWAP:
  UPDATE accounts ... WHERE id = $n AND version = $m under READ COMMITTED.
  A concurrent writer on the same row blocks until the first commits, then
  re-evaluates the WHERE clause and matches zero rows, which surfaces as
  ErrVersionConflict. Serialization failures (40001) and deadlocks (40P01)
  map to the same error.

TIMESTAMPS:
  timestamptz keeps microseconds; the coordinator truncates OccurredAt to
  match.

SEE ALSO:
  - store/sqlite/sqlite.go: Embedded equivalent
  - ledger/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/warp/star-ledger/catalog"
	"github.com/warp/star-ledger/ledger"
)

// SQLSTATE codes the store reacts to.
const (
	codeUniqueViolation      = pq.ErrorCode("23505")
	codeForeignKeyViolation  = pq.ErrorCode("23503")
	codeCheckViolation       = pq.ErrorCode("23514")
	codeSerializationFailure = pq.ErrorCode("40001")
	codeDeadlockDetected     = pq.ErrorCode("40P01")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ catalog.Store  = (*Store)(nil)
)

// Open connects to dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// New wraps an existing connection pool. The schema is not touched.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", s.db.PingContext(ctx))
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_events (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		delta BIGINT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('award', 'redemption')),
		reference TEXT,
		occurred_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_events_account_order
		ON ledger_events(account_id, occurred_at, id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_events_account_version
		ON ledger_events(account_id, version);

	CREATE OR REPLACE FUNCTION ledger_events_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger_events is append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS ledger_events_no_change ON ledger_events;
	CREATE TRIGGER ledger_events_no_change
		BEFORE UPDATE OR DELETE ON ledger_events
		FOR EACH ROW EXECUTE FUNCTION ledger_events_append_only();

	CREATE TABLE IF NOT EXISTS children (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		stars BIGINT NOT NULL CHECK (stars > 0),
		repeat BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_child ON tasks(child_id);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		cost BIGINT NOT NULL CHECK (cost >= 0),
		repeat BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rewards_child ON rewards(child_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	const query = `INSERT INTO accounts (id, balance, version, created_at, updated_at)
	VALUES ($1, 0, $2, $3, $3)`

	now := s.now().UTC().Truncate(time.Microsecond)
	if _, err := s.db.ExecContext(ctx, query, id, ledger.InitialVersion, now); err != nil {
		if hasCode(err, codeUniqueViolation) {
			return ledger.Account{}, ledger.ErrAccountExists
		}
		return ledger.Account{}, mapError("create account", err)
	}
	return ledger.Account{ID: id, Version: ledger.InitialVersion, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, s.db, id)
}

func (s *Store) CompareAndSwap(ctx context.Context, id ledger.AccountID, expectedVersion, newBalance int64) (ledger.Account, error) {
	return compareAndSwap(ctx, s.db, id, expectedVersion, newBalance, s.now())
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID) (ledger.Account, error) {
	const query = `SELECT id, balance, version, created_at, updated_at FROM accounts WHERE id = $1`

	var acct ledger.Account
	err := q.QueryRowContext(ctx, query, id).
		Scan(&acct.ID, &acct.Balance, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapError("get account", err)
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

func compareAndSwap(ctx context.Context, q querier, id ledger.AccountID, expectedVersion, newBalance int64, now time.Time) (ledger.Account, error) {
	if newBalance < 0 {
		return ledger.Account{}, ledger.ErrNegativeBalance
	}

	const query = `UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
	WHERE id = $3 AND version = $4
	RETURNING id, balance, version, created_at, updated_at`

	var acct ledger.Account
	err := q.QueryRowContext(ctx, query, newBalance, now.UTC(), id, expectedVersion).
		Scan(&acct.ID, &acct.Balance, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := getAccount(ctx, q, id); err != nil {
			return ledger.Account{}, err
		}
		return ledger.Account{}, ledger.ErrVersionConflict
	}
	if err != nil {
		return ledger.Account{}, mapError("compare and swap", err)
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct, nil
}

// =============================================================================
// EVENT LOG
// =============================================================================

func (s *Store) Append(ctx context.Context, ev ledger.LedgerEvent) (ledger.EventID, error) {
	return appendEvent(ctx, s.db, ev)
}

func appendEvent(ctx context.Context, q querier, ev ledger.LedgerEvent) (ledger.EventID, error) {
	const query = `INSERT INTO ledger_events (id, account_id, delta, kind, reference, occurred_at, version)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := q.ExecContext(ctx, query,
		ev.ID, ev.AccountID, ev.Delta, ev.Kind, nullString(ev.Reference), ev.OccurredAt.UTC(), ev.Version)
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return "", ledger.ErrAccountNotFound
		}
		return "", mapError("append event", err)
	}
	return ev.ID, nil
}

func (s *Store) ListByAccount(ctx context.Context, id ledger.AccountID, after ledger.Position, limit int) ([]ledger.LedgerEvent, error) {
	return listEvents(ctx, s.db, id, after, limit)
}

func listEvents(ctx context.Context, q querier, id ledger.AccountID, after ledger.Position, limit int) ([]ledger.LedgerEvent, error) {
	const query = `SELECT id, account_id, delta, kind, reference, occurred_at, version
	FROM ledger_events
	WHERE account_id = $1
	  AND ($2::timestamptz IS NULL OR (occurred_at, id) > ($2::timestamptz, $3))
	ORDER BY occurred_at ASC, id ASC
	LIMIT $4`

	var afterAt, lim any
	if !after.IsZero() {
		afterAt = after.OccurredAt.UTC()
	}
	if limit > 0 {
		lim = limit
	}

	rows, err := q.QueryContext(ctx, query, id, afterAt, string(after.EventID), lim)
	if err != nil {
		return nil, mapError("list events", err)
	}
	defer rows.Close()

	events := []ledger.LedgerEvent{}
	for rows.Next() {
		var (
			ev        ledger.LedgerEvent
			reference sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.Delta, &ev.Kind, &reference, &ev.OccurredAt, &ev.Version); err != nil {
			return nil, mapError("scan event", err)
		}
		ev.Reference = reference.String
		ev.OccurredAt = ev.OccurredAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list events", err)
	}
	return events, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin", err)
	}
	defer dbTx.Rollback()

	if err := fn(&txStore{tx: dbTx, now: s.now}); err != nil {
		return err
	}
	return mapError("commit", dbTx.Commit())
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
// CATALOG
// =============================================================================

func (s *Store) SaveChild(ctx context.Context, c catalog.Child) error {
	const query = `INSERT INTO children (id, name, created_at) VALUES ($1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`

	_, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.CreatedAt.UTC())
	return mapError("save child", err)
}

func (s *Store) GetChild(ctx context.Context, id string) (*catalog.Child, error) {
	const query = `SELECT id, name, created_at FROM children WHERE id = $1`

	var c catalog.Child
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get child", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) ListChildren(ctx context.Context) ([]catalog.Child, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM children ORDER BY name, id`)
	if err != nil {
		return nil, mapError("list children", err)
	}
	defer rows.Close()

	children := []catalog.Child{}
	for rows.Next() {
		var c catalog.Child
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, mapError("scan child", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		children = append(children, c)
	}
	return children, mapError("list children", rows.Err())
}

func (s *Store) SaveTask(ctx context.Context, t catalog.Task) error {
	const query = `INSERT INTO tasks (id, child_id, title, stars, repeat, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		child_id = EXCLUDED.child_id,
		title = EXCLUDED.title,
		stars = EXCLUDED.stars,
		repeat = EXCLUDED.repeat`

	_, err := s.db.ExecContext(ctx, query, t.ID, t.ChildID, t.Title, t.Stars, t.Repeat, t.CreatedAt.UTC())
	return mapError("save task", err)
}

func (s *Store) GetTask(ctx context.Context, id string) (*catalog.Task, error) {
	tasks, err := s.queryTasks(ctx, `SELECT id, child_id, title, stars, repeat, created_at FROM tasks WHERE id = $1`, id)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return &tasks[0], nil
}

func (s *Store) ListTasks(ctx context.Context, childID string) ([]catalog.Task, error) {
	const query = `SELECT id, child_id, title, stars, repeat, created_at FROM tasks
	WHERE $1 = '' OR child_id = $1 OR child_id = ''
	ORDER BY title, id`
	return s.queryTasks(ctx, query, childID)
}

func (s *Store) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
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
		if err := rows.Scan(&t.ID, &t.ChildID, &t.Title, &t.Stars, &t.Repeat, &t.CreatedAt); err != nil {
			return nil, mapError("scan task", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		tasks = append(tasks, t)
	}
	return tasks, mapError("query tasks", rows.Err())
}

func (s *Store) SaveReward(ctx context.Context, r catalog.Reward) error {
	const query = `INSERT INTO rewards (id, child_id, title, cost, repeat, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		child_id = EXCLUDED.child_id,
		title = EXCLUDED.title,
		cost = EXCLUDED.cost,
		repeat = EXCLUDED.repeat`

	_, err := s.db.ExecContext(ctx, query, r.ID, r.ChildID, r.Title, r.Cost, r.Repeat, r.CreatedAt.UTC())
	return mapError("save reward", err)
}

func (s *Store) GetReward(ctx context.Context, id string) (*catalog.Reward, error) {
	rewards, err := s.queryRewards(ctx, `SELECT id, child_id, title, cost, repeat, created_at FROM rewards WHERE id = $1`, id)
	if err != nil || len(rewards) == 0 {
		return nil, err
	}
	return &rewards[0], nil
}

func (s *Store) ListRewards(ctx context.Context, childID string) ([]catalog.Reward, error) {
	const query = `SELECT id, child_id, title, cost, repeat, created_at FROM rewards
	WHERE $1 = '' OR child_id = $1 OR child_id = ''
	ORDER BY cost, title, id`
	return s.queryRewards(ctx, query, childID)
}

func (s *Store) DeleteReward(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rewards WHERE id = $1`, id)
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
		if err := rows.Scan(&r.ID, &r.ChildID, &r.Title, &r.Cost, &r.Repeat, &r.CreatedAt); err != nil {
			return nil, mapError("scan reward", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
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

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s: %v", ledger.ErrVersionConflict, op, err)
		case codeCheckViolation:
			return fmt.Errorf("%w: %s: %v", ledger.ErrNegativeBalance, op, err)
		}
	}
	return ledger.StorageError(op, err)
}
