// Package guard implements the solvency checks that gate order execution:
// a buy must not spend more cash than the account holds, and a sell must
// not dispose of more quantity than the position holds.
//
// Both checks are pure and read no shared state. The engine
// runs them against row-locked state, so a passing check stays valid for
// the remainder of the unit of work.
package guard

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a buy's gross cost exceeds the
	// account's current balance.
	ErrInsufficientFunds = errors.New("guard: insufficient virtual balance")

	// ErrInsufficientInventory is returned when a sell requests more
	// quantity than the position holds.
	ErrInsufficientInventory = errors.New("guard: not enough quantity to sell")
)

// CheckBuy validates that an account with the given balance can pay
// grossCost. Spending the balance down to exactly zero is allowed.
func CheckBuy(balance, grossCost decimal.Decimal) error {
	if balance.Sub(grossCost).IsNegative() {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, grossCost, balance)
	}
	return nil
}

// CheckSell validates that a position holding heldQuantity can deliver
// requestedQuantity. A sell against no position is checked with held = 0
// and always fails.
func CheckSell(heldQuantity, requestedQuantity int64) error {
	if heldQuantity < requestedQuantity {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientInventory, requestedQuantity, heldQuantity)
	}
	return nil
}
