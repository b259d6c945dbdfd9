// Package model defines the core domain types shared across the broker
// engine. All monetary values use shopspring/decimal, never float64, and
// are rounded to MoneyScale at every persisted write.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places for all persisted monetary
// values. Rounding is half-away-from-zero (decimal.Round semantics).
var MoneyScale int32 = 2

// Round2 rounds a monetary amount to MoneyScale decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known order side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Segment is an instrument market category. Positions are keyed by
// (user, symbol, segment), so the same symbol may exist in both segments.
type Segment string

const (
	SegmentNSEFO Segment = "NSEFO"
	SegmentMCX   Segment = "MCX"
)

// Valid reports whether s is a known instrument segment.
func (s Segment) Valid() bool {
	return s == SegmentNSEFO || s == SegmentMCX
}

// OrderType is the requested execution style. Both types fill immediately
// at the requested price in this engine.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderStatus is the terminal state of an order. The execution path only
// ever persists filled orders; rejections surface as errors before any
// Order row exists, so "rejected" is a schema-level extension point.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
)

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
)

// EntrySource tags the origin of a balance-affecting event.
type EntrySource string

const (
	SourceAdminTopup  EntrySource = "admin_topup"
	SourceAdminAdjust EntrySource = "admin_adjust"
	SourceTradePnl    EntrySource = "trade_pnl"
	SourceSystem      EntrySource = "system"
)

// Account is a user's virtual cash account, one per user. CurrentBalance
// always equals InitialAmount plus the sum of all ledger deltas; it is
// never negative after a committed buy. Accounts are soft-disabled via
// Active, never deleted.
type Account struct {
	ID             string          `json:"id" db:"id"`
	UserID         int64           `json:"user_id" db:"user_id"`
	InitialAmount  decimal.Decimal `json:"initial_amount" db:"initial_amount"`
	CurrentBalance decimal.Decimal `json:"current_balance" db:"current_balance"`
	Active         bool            `json:"active" db:"active"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a user's net open holding in one instrument, unique per
// (user, symbol, segment). Long-only: NetQuantity never goes negative.
// AvgBuyPrice is reset to zero whenever NetQuantity reaches zero.
type Position struct {
	ID          string          `json:"id" db:"id"`
	UserID      int64           `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Segment     Segment         `json:"segment" db:"segment"`
	NetQuantity int64           `json:"net_quantity" db:"net_quantity"`
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price" db:"avg_buy_price"`
	RealizedPnl decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is one execution request, immutable after creation. Every accepted
// order fills completely and immediately at the requested price.
type Order struct {
	ID              string          `json:"id" db:"id"`
	UserID          int64           `json:"user_id" db:"user_id"`
	Side            Side            `json:"side" db:"side"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Segment         Segment         `json:"segment" db:"segment"`
	Quantity        int64           `json:"quantity" db:"quantity"`
	Price           decimal.Decimal `json:"price" db:"price"`
	OrderType       OrderType       `json:"order_type" db:"order_type"`
	Status          OrderStatus     `json:"status" db:"status"`
	FilledQuantity  int64           `json:"filled_quantity" db:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price" db:"avg_fill_price"`
	RejectionReason string          `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Trade is the fill record for one order (1:1), immutable.
// NetAmount is the signed cash flow: negative for buys, positive for sells.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	OrderID     string          `json:"order_id" db:"order_id"`
	UserID      int64           `json:"user_id" db:"user_id"`
	Side        Side            `json:"side" db:"side"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Segment     Segment         `json:"segment" db:"segment"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	GrossAmount decimal.Decimal `json:"gross_amount" db:"gross_amount"`
	Charges     decimal.Decimal `json:"charges" db:"charges"` // reserved for brokerage/tax modelling
	NetAmount   decimal.Decimal `json:"net_amount" db:"net_amount"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// LedgerEntry is an immutable record of a single balance-affecting event.
// Entries are append-only: the sequence of BalanceAfter values for an
// account, ordered by creation, reconstructs its current balance.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Type         EntryType       `json:"type" db:"type"`
	Source       EntrySource     `json:"source" db:"source"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // always non-negative
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Note         string          `json:"note,omitempty" db:"note"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
