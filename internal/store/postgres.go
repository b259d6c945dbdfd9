package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/broker-engine/internal/model"
)

// Postgres error codes mapped onto the store error taxonomy.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Row locks are native SELECT ... FOR UPDATE, bounded by lock_timeout.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: DefaultLockTimeout}
}

// SetLockTimeout overrides the per-transaction lock_timeout.
func (s *PostgresStore) SetLockTimeout(d time.Duration) {
	s.lockTimeout = d
}

// mapPgError translates driver errors into store sentinel errors.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrAlreadyExists
		case pgLockNotAvailable:
			return ErrBusy
		}
	}
	return err
}

// --- Read paths ---

const accountColumns = `id, user_id, initial_amount::TEXT, current_balance::TEXT, active, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var initial, balance string

	if err := row.Scan(&a.ID, &a.UserID, &initial, &balance, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapPgError(err)
	}
	a.InitialAmount, _ = decimal.NewFromString(initial)
	a.CurrentBalance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) GetAccountByUser(ctx context.Context, userID int64) (*model.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("get account for user %d: %w", userID, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) GetPositionsByUser(ctx context.Context, userID int64) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, segment,
		        net_quantity, avg_buy_price::TEXT, realized_pnl::TEXT,
		        created_at, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avg, pnl string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Symbol, &p.Segment,
			&p.NetQuantity, &avg, &pnl,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AvgBuyPrice, _ = decimal.NewFromString(avg)
		p.RealizedPnl, _ = decimal.NewFromString(pnl)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, side, symbol, segment, quantity,
		        price::TEXT, order_type, status, filled_quantity,
		        avg_fill_price::TEXT, COALESCE(rejection_reason, ''), created_at
		 FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var price, fill string
		if err := rows.Scan(&o.ID, &o.UserID, &o.Side, &o.Symbol, &o.Segment, &o.Quantity,
			&price, &o.OrderType, &o.Status, &o.FilledQuantity,
			&fill, &o.RejectionReason, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Price, _ = decimal.NewFromString(price)
		o.AvgFillPrice, _ = decimal.NewFromString(fill)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) GetTradesByUser(ctx context.Context, userID int64) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, user_id, side, symbol, segment, quantity,
		        price::TEXT, gross_amount::TEXT, charges::TEXT, net_amount::TEXT, created_at
		 FROM trades WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, gross, charges, net string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Side, &t.Symbol, &t.Segment, &t.Quantity,
			&price, &gross, &charges, &net, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		t.GrossAmount, _ = decimal.NewFromString(gross)
		t.Charges, _ = decimal.NewFromString(charges)
		t.NetAmount, _ = decimal.NewFromString(net)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, type, source,
		        amount::TEXT, balance_after::TEXT, COALESCE(note, ''), created_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, after string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Source,
			&amount, &after, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceAfter, _ = decimal.NewFromString(after)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Unit of work ---

func (s *PostgresStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Bound FOR UPDATE waits so contended accounts surface ErrBusy instead
	// of queueing indefinitely. SET LOCAL scopes it to this transaction.
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return err
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return mapPgError(tx.Commit(ctx))
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccountByUser(ctx context.Context, userID int64) (*model.Account, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, userID)
	return scanAccount(row)
}

func (t *pgTx) LockPosition(ctx context.Context, userID int64, symbol string, segment model.Segment) (*model.Position, error) {
	var p model.Position
	var avg, pnl string

	err := t.tx.QueryRow(ctx,
		`SELECT id, user_id, symbol, segment,
		        net_quantity, avg_buy_price::TEXT, realized_pnl::TEXT,
		        created_at, updated_at
		 FROM positions
		 WHERE user_id = $1 AND symbol = $2 AND segment = $3
		 FOR UPDATE`, userID, symbol, segment).
		Scan(&p.ID, &p.UserID, &p.Symbol, &p.Segment,
			&p.NetQuantity, &avg, &pnl,
			&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	p.AvgBuyPrice, _ = decimal.NewFromString(avg)
	p.RealizedPnl, _ = decimal.NewFromString(pnl)
	return &p, nil
}

func (t *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (id, user_id, initial_amount, current_balance, active, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7)`,
		a.ID, a.UserID, a.InitialAmount.String(), a.CurrentBalance.String(),
		a.Active, a.CreatedAt, a.UpdatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts
		 SET initial_amount = $2::NUMERIC, current_balance = $3::NUMERIC,
		     active = $4, updated_at = $5
		 WHERE id = $1`,
		a.ID, a.InitialAmount.String(), a.CurrentBalance.String(), a.Active, a.UpdatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, symbol, segment, net_quantity, avg_buy_price, realized_pnl, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (user_id, symbol, segment)
		 DO UPDATE SET net_quantity = EXCLUDED.net_quantity,
		               avg_buy_price = EXCLUDED.avg_buy_price,
		               realized_pnl = EXCLUDED.realized_pnl,
		               updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.Symbol, p.Segment,
		p.NetQuantity, p.AvgBuyPrice.String(), p.RealizedPnl.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, side, symbol, segment, quantity, price, order_type, status, filled_quantity, avg_fill_price, rejection_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11::NUMERIC, NULLIF($12, ''), $13)`,
		o.ID, o.UserID, o.Side, o.Symbol, o.Segment, o.Quantity,
		o.Price.String(), o.OrderType, o.Status, o.FilledQuantity,
		o.AvgFillPrice.String(), o.RejectionReason, o.CreatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) CreateTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, order_id, user_id, side, symbol, segment, quantity, price, gross_amount, charges, net_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		tr.ID, tr.OrderID, tr.UserID, tr.Side, tr.Symbol, tr.Segment, tr.Quantity,
		tr.Price.String(), tr.GrossAmount.String(), tr.Charges.String(), tr.NetAmount.String(),
		tr.CreatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, type, source, amount, balance_after, note, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, NULLIF($7, ''), $8)`,
		e.ID, e.AccountID, e.Type, e.Source,
		e.Amount.String(), e.BalanceAfter.String(), e.Note, e.CreatedAt,
	)
	return mapPgError(err)
}
