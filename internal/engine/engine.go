// Package engine orchestrates order execution end-to-end: input validation,
// exclusive acquisition of the account and position rows, solvency checks,
// position aggregation, and the atomic commit of the order, trade, ledger
// entry, balance, and position mutations.
//
// Every accepted order fills completely and immediately at the requested
// price. Rejections never touch storage: they surface as errors before any
// Order row exists, so the persisted order history contains only fills.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/broker-engine/internal/guard"
	"github.com/paperdesk/broker-engine/internal/metrics"
	"github.com/paperdesk/broker-engine/internal/model"
	"github.com/paperdesk/broker-engine/internal/position"
	"github.com/paperdesk/broker-engine/internal/store"
)

var (
	// ErrAccountNotFound is returned when the user has no practice account.
	ErrAccountNotFound = errors.New("engine: practice account not found")

	// ErrAccountInactive is returned when the account is soft-disabled.
	ErrAccountInactive = errors.New("engine: practice account is inactive")
)

// ValidationError reports malformed input. It is always raised before any
// lock is taken or any row is read.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "engine: invalid " + e.Field + ": " + e.Reason
}

// OrderRequest is one execution request against an authenticated user's
// account. OrderType defaults to market when empty.
type OrderRequest struct {
	UserID    int64
	Symbol    string
	Segment   model.Segment
	Side      model.Side
	Quantity  int64
	Price     decimal.Decimal
	OrderType model.OrderType
}

// Result carries the committed snapshots returned from a filled order.
type Result struct {
	Order    *model.Order
	Trade    *model.Trade
	Position *model.Position
	Account  *model.Account
}

// Engine executes orders against a Store. It holds no mutable state of its
// own; all serialization happens through the store's row locks.
type Engine struct {
	store store.Store
}

// New creates an execution engine backed by st.
func New(st store.Store) *Engine {
	return &Engine{store: st}
}

func validate(req OrderRequest) error {
	if req.UserID <= 0 {
		return &ValidationError{Field: "user_id", Reason: "must be a positive integer"}
	}
	if req.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "is required"}
	}
	if !req.Segment.Valid() {
		return &ValidationError{Field: "segment", Reason: "must be NSEFO or MCX"}
	}
	if !req.Side.Valid() {
		return &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if req.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be a positive integer"}
	}
	if !req.Price.IsPositive() {
		return &ValidationError{Field: "price", Reason: "must be a positive amount"}
	}
	if !req.OrderType.Valid() {
		return &ValidationError{Field: "order_type", Reason: "must be market or limit"}
	}
	return nil
}

// Execute runs one order through the full pipeline. On success every
// resulting record is committed as one atomic unit; on any error nothing
// is persisted.
func (e *Engine) Execute(ctx context.Context, req OrderRequest) (*Result, error) {
	if req.OrderType == "" {
		req.OrderType = model.OrderTypeMarket
	}
	if err := validate(req); err != nil {
		metrics.OrderRejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	start := time.Now()
	var result Result

	err := e.store.ExecTx(ctx, func(tx store.Tx) error {
		// Account before position, always: cross-request lock inversion
		// between two orders on the same user would deadlock otherwise.
		acct, err := tx.LockAccountByUser(ctx, req.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		if !acct.Active {
			return ErrAccountInactive
		}

		pos, err := tx.LockPosition(ctx, req.UserID, req.Symbol, req.Segment)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		qty := decimal.NewFromInt(req.Quantity)
		grossAmount := model.Round2(req.Price.Mul(qty))
		charges := decimal.Zero // extension point for brokerage/tax modelling

		var prior position.State
		if pos != nil {
			prior = position.State{
				NetQuantity: pos.NetQuantity,
				AvgBuyPrice: pos.AvgBuyPrice,
				RealizedPnl: pos.RealizedPnl,
			}
		}

		var netAmount decimal.Decimal
		var next position.State

		switch req.Side {
		case model.SideBuy:
			if err := guard.CheckBuy(acct.CurrentBalance, grossAmount); err != nil {
				return err
			}
			netAmount = grossAmount.Neg()
			next = position.ApplyBuy(prior, req.Quantity, req.Price)
		case model.SideSell:
			if err := guard.CheckSell(prior.NetQuantity, req.Quantity); err != nil {
				return err
			}
			netAmount = grossAmount
			next, _ = position.ApplySell(prior, req.Quantity, req.Price)
		}

		now := time.Now().UTC()

		if pos == nil {
			pos = &model.Position{
				ID:        uuid.New().String(),
				UserID:    req.UserID,
				Symbol:    req.Symbol,
				Segment:   req.Segment,
				CreatedAt: now,
			}
		}
		pos.NetQuantity = next.NetQuantity
		pos.AvgBuyPrice = next.AvgBuyPrice
		pos.RealizedPnl = next.RealizedPnl
		pos.UpdatedAt = now
		if err := tx.SavePosition(ctx, pos); err != nil {
			return err
		}

		acct.CurrentBalance = model.Round2(acct.CurrentBalance.Add(netAmount))
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}

		order := &model.Order{
			ID:             uuid.New().String(),
			UserID:         req.UserID,
			Side:           req.Side,
			Symbol:         req.Symbol,
			Segment:        req.Segment,
			Quantity:       req.Quantity,
			Price:          req.Price,
			OrderType:      req.OrderType,
			Status:         model.OrderFilled,
			FilledQuantity: req.Quantity,
			AvgFillPrice:   req.Price,
			CreatedAt:      now,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}

		trade := &model.Trade{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			UserID:      req.UserID,
			Side:        req.Side,
			Symbol:      req.Symbol,
			Segment:     req.Segment,
			Quantity:    req.Quantity,
			Price:       req.Price,
			GrossAmount: grossAmount,
			Charges:     charges,
			NetAmount:   netAmount,
			CreatedAt:   now,
		}
		if err := tx.CreateTrade(ctx, trade); err != nil {
			return err
		}

		entryType := model.EntryDebit
		if !netAmount.IsNegative() {
			entryType = model.EntryCredit
		}
		entry := &model.LedgerEntry{
			ID:           uuid.New().String(),
			AccountID:    acct.ID,
			Type:         entryType,
			Source:       model.SourceTradePnl,
			Amount:       netAmount.Abs(),
			BalanceAfter: acct.CurrentBalance,
			Note: fmt.Sprintf("Trade %s %s x %d @ %s",
				strings.ToUpper(string(req.Side)), req.Symbol, req.Quantity, req.Price),
			CreatedAt: now,
		}
		if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}

		result = Result{Order: order, Trade: trade, Position: pos, Account: acct}
		return nil
	})
	if err != nil {
		metrics.OrderRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(req.Side)).Inc()
	metrics.OrderLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	metrics.LedgerEntriesTotal.WithLabelValues(string(model.SourceTradePnl)).Inc()

	slog.Info("order filled",
		"order_id", result.Order.ID,
		"user_id", req.UserID,
		"side", req.Side,
		"symbol", req.Symbol,
		"segment", req.Segment,
		"qty", req.Quantity,
		"price", req.Price.String(),
		"net_amount", result.Trade.NetAmount.String(),
		"balance_after", result.Account.CurrentBalance.String(),
	)

	return &result, nil
}

// rejectionReason maps an execution error onto a low-cardinality metric label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, guard.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, guard.ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrAccountInactive):
		return "account_inactive"
	case errors.Is(err, store.ErrBusy):
		return "busy"
	default:
		return "storage"
	}
}
