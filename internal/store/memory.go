package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/paperdesk/broker-engine/internal/model"
)

// DefaultLockTimeout bounds how long a unit of work waits for a contended
// row lock before aborting with ErrBusy.
const DefaultLockTimeout = 3 * time.Second

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
//
// Row locks are simulated with a per-key buffered channel held for the
// duration of the unit of work; writes are staged and applied under the
// store mutex on commit, so a failed unit of work leaves no trace.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[int64]*model.Account // keyed by user ID (1:1)
	positions map[posKey]*model.Position
	orders    []model.Order
	trades    []model.Trade
	ledger    []model.LedgerEntry

	lockMu      sync.Mutex
	locks       map[string]chan struct{}
	lockTimeout time.Duration
}

type posKey struct {
	userID  int64
	symbol  string
	segment model.Segment
}

// NewMemoryStore creates a new in-memory store with DefaultLockTimeout.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[int64]*model.Account),
		positions:   make(map[posKey]*model.Position),
		locks:       make(map[string]chan struct{}),
		lockTimeout: DefaultLockTimeout,
	}
}

// SetLockTimeout overrides the row-lock acquisition timeout.
func (s *MemoryStore) SetLockTimeout(d time.Duration) {
	s.lockTimeout = d
}

// --- Read paths ---

func (s *MemoryStore) GetAccountByUser(_ context.Context, userID int64) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.After(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (s *MemoryStore) GetPositionsByUser(_ context.Context, userID int64) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})
	return positions, nil
}

func (s *MemoryStore) GetOrdersByUser(_ context.Context, userID int64) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.Order
	// Appended in commit order; walk backwards for newest first.
	for i := len(s.orders) - 1; i >= 0; i-- {
		if s.orders[i].UserID == userID {
			orders = append(orders, s.orders[i])
		}
	}
	return orders, nil
}

func (s *MemoryStore) GetTradesByUser(_ context.Context, userID int64) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID == userID {
			trades = append(trades, s.trades[i])
		}
	}
	return trades, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].AccountID == accountID {
			entries = append(entries, s.ledger[i])
		}
	}
	return entries, nil
}

// --- Unit of work ---

func (s *MemoryStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{s: s, held: make(map[string]func())}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	for _, apply := range tx.staged {
		apply()
	}
	s.mu.Unlock()
	return nil
}

// acquire takes the keyed lock, waiting up to lockTimeout.
func (s *MemoryStore) acquire(ctx context.Context, key string) (func(), error) {
	s.lockMu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.lockMu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ErrBusy
	case <-timer.C:
		return nil, ErrBusy
	}
}

// memoryTx stages mutations as closures applied under the store mutex on
// commit. Constraint checks run eagerly against committed state while the
// relevant row lock is held, so they cannot be invalidated before commit.
type memoryTx struct {
	s      *MemoryStore
	held   map[string]func()
	staged []func()
}

func (tx *memoryTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil // already held by this unit of work
	}
	release, err := tx.s.acquire(ctx, key)
	if err != nil {
		return err
	}
	tx.held[key] = release
	return nil
}

func (tx *memoryTx) releaseAll() {
	for _, release := range tx.held {
		release()
	}
	tx.held = nil
}

func accountLockKey(userID int64) string {
	return "account/" + strconv.FormatInt(userID, 10)
}

func positionLockKey(k posKey) string {
	return "position/" + strconv.FormatInt(k.userID, 10) + "/" + k.symbol + "/" + string(k.segment)
}

func (tx *memoryTx) LockAccountByUser(ctx context.Context, userID int64) (*model.Account, error) {
	if err := tx.lock(ctx, accountLockKey(userID)); err != nil {
		return nil, err
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	a, ok := tx.s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (tx *memoryTx) LockPosition(ctx context.Context, userID int64, symbol string, segment model.Segment) (*model.Position, error) {
	key := posKey{userID: userID, symbol: symbol, segment: segment}
	if err := tx.lock(ctx, positionLockKey(key)); err != nil {
		return nil, err
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	p, ok := tx.s.positions[key]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (tx *memoryTx) CreateAccount(ctx context.Context, a *model.Account) error {
	// Creation locks the user key too: two racing initializations must
	// serialize so the loser sees ErrAlreadyExists, not a lost insert.
	if err := tx.lock(ctx, accountLockKey(a.UserID)); err != nil {
		return err
	}

	tx.s.mu.RLock()
	_, exists := tx.s.accounts[a.UserID]
	tx.s.mu.RUnlock()
	if exists {
		return ErrAlreadyExists
	}

	record := *a
	tx.staged = append(tx.staged, func() {
		tx.s.accounts[record.UserID] = &record
	})
	return nil
}

func (tx *memoryTx) UpdateAccount(_ context.Context, a *model.Account) error {
	record := *a
	tx.staged = append(tx.staged, func() {
		tx.s.accounts[record.UserID] = &record
	})
	return nil
}

func (tx *memoryTx) SavePosition(_ context.Context, p *model.Position) error {
	record := *p
	key := posKey{userID: record.UserID, symbol: record.Symbol, segment: record.Segment}
	tx.staged = append(tx.staged, func() {
		tx.s.positions[key] = &record
	})
	return nil
}

func (tx *memoryTx) CreateOrder(_ context.Context, o *model.Order) error {
	record := *o
	tx.staged = append(tx.staged, func() {
		tx.s.orders = append(tx.s.orders, record)
	})
	return nil
}

func (tx *memoryTx) CreateTrade(_ context.Context, t *model.Trade) error {
	record := *t
	tx.staged = append(tx.staged, func() {
		tx.s.trades = append(tx.s.trades, record)
	})
	return nil
}

func (tx *memoryTx) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	record := *e
	tx.staged = append(tx.staged, func() {
		tx.s.ledger = append(tx.s.ledger, record)
	})
	return nil
}
