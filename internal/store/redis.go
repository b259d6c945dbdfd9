package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paperdesk/broker-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: account and position lookups. Units of work
// run against the primary; after a successful commit the cache entries for
// every user the transaction touched are invalidated.
//
// Orders, trades, and the ledger are append-only audit reads and go
// straight to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccountByUser(ctx context.Context, userID int64) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(userID), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) GetPositionsByUser(ctx context.Context, userID int64) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.GetPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.primary.GetOrdersByUser(ctx, userID)
}

func (s *CachedStore) GetTradesByUser(ctx context.Context, userID int64) ([]model.Trade, error) {
	return s.primary.GetTradesByUser(ctx, userID)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, accountID)
}

// --- Unit of work (primary + invalidation) ---

func (s *CachedStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	recorder := &recordingTx{}
	err := s.primary.ExecTx(ctx, func(tx Tx) error {
		recorder.Tx = tx
		return fn(recorder)
	})
	if err != nil {
		return err
	}

	// Invalidate after commit; next read re-populates from the primary.
	for userID := range recorder.touched {
		s.rdb.Del(ctx, accountKey(userID), positionsKey(userID))
	}
	return nil
}

// recordingTx tracks which users a unit of work touches so the cache
// wrapper knows what to invalidate.
type recordingTx struct {
	Tx
	touched map[int64]struct{}
}

func (r *recordingTx) touch(userID int64) {
	if r.touched == nil {
		r.touched = make(map[int64]struct{})
	}
	r.touched[userID] = struct{}{}
}

func (r *recordingTx) CreateAccount(ctx context.Context, a *model.Account) error {
	r.touch(a.UserID)
	return r.Tx.CreateAccount(ctx, a)
}

func (r *recordingTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	r.touch(a.UserID)
	return r.Tx.UpdateAccount(ctx, a)
}

func (r *recordingTx) SavePosition(ctx context.Context, p *model.Position) error {
	r.touch(p.UserID)
	return r.Tx.SavePosition(ctx, p)
}

// --- Cache keys ---

func accountKey(userID int64) string {
	return "account:" + strconv.FormatInt(userID, 10)
}

func positionsKey(userID int64) string {
	return "positions:" + strconv.FormatInt(userID, 10)
}
