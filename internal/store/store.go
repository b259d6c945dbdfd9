// Package store defines the persistence interface for the broker engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// All balance-affecting writes go through ExecTx: a unit of work that
// acquires exclusive row locks, applies every staged mutation atomically on
// success, and applies nothing on failure. Locks are released on commit or
// abort. Lock ordering is the caller's responsibility; the engine always
// takes the Account row before the Position row.
package store

import (
	"context"
	"errors"

	"github.com/paperdesk/broker-engine/internal/model"
)

var (
	// ErrNotFound is returned when no record matches the lookup key.
	ErrNotFound = errors.New("store: record not found")

	// ErrAlreadyExists is returned when an insert violates a uniqueness
	// constraint (one account per user).
	ErrAlreadyExists = errors.New("store: record already exists")

	// ErrBusy is returned when a row lock cannot be acquired within the
	// configured timeout. The whole unit of work aborts; callers may retry,
	// and a retry re-validates from scratch.
	ErrBusy = errors.New("store: row lock acquisition timed out")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Read paths (outside any unit of work) ---

	// GetAccountByUser retrieves a user's account.
	GetAccountByUser(ctx context.Context, userID int64) (*model.Account, error)

	// ListAccounts returns all accounts, newest first.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// GetPositionsByUser returns a user's positions ordered by symbol.
	GetPositionsByUser(ctx context.Context, userID int64) ([]model.Position, error)

	// GetOrdersByUser returns a user's orders, newest first.
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)

	// GetTradesByUser returns a user's trades, newest first.
	GetTradesByUser(ctx context.Context, userID int64) ([]model.Trade, error)

	// GetLedgerEntriesByAccount returns an account's ledger, newest first.
	GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// --- Unit of work ---

	// ExecTx runs fn inside one atomic unit of work. Every mutation staged
	// through the Tx is committed together iff fn returns nil; any error
	// (from fn or from commit) leaves storage untouched.
	ExecTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the handle fn receives inside ExecTx. Lock methods block until the
// row lock is granted or the lock timeout elapses (ErrBusy).
type Tx interface {
	// LockAccountByUser acquires the exclusive lock on a user's account row
	// and returns a snapshot of it. ErrNotFound if the user has no account.
	LockAccountByUser(ctx context.Context, userID int64) (*model.Account, error)

	// LockPosition acquires the exclusive lock on a position row. It locks
	// the (user, symbol, segment) key even when no row exists yet, so a
	// first buy cannot race another; ErrNotFound signals the absent row.
	LockPosition(ctx context.Context, userID int64, symbol string, segment model.Segment) (*model.Position, error)

	// CreateAccount stages a new account. ErrAlreadyExists if the user
	// already has one.
	CreateAccount(ctx context.Context, a *model.Account) error

	// UpdateAccount stages balance / initial-amount changes to a locked
	// account row.
	UpdateAccount(ctx context.Context, a *model.Account) error

	// SavePosition stages an insert-or-update of a locked position row.
	SavePosition(ctx context.Context, p *model.Position) error

	// CreateOrder stages an immutable order record.
	CreateOrder(ctx context.Context, o *model.Order) error

	// CreateTrade stages an immutable trade record.
	CreateTrade(ctx context.Context, t *model.Trade) error

	// AppendLedgerEntry stages an immutable, append-only ledger entry.
	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
}
