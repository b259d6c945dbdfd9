// Package account provides the privileged account-administration operations
// (initialize, top-up, reset) plus the account read paths. Admin mutations
// bypass the trading flow but share its discipline: exclusive account lock,
// balance and ledger entry committed together or not at all.
package account

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/broker-engine/internal/metrics"
	"github.com/paperdesk/broker-engine/internal/model"
	"github.com/paperdesk/broker-engine/internal/store"
)

var (
	// ErrNotFound is returned when the user has no practice account.
	ErrNotFound = errors.New("account: practice account not found")

	// ErrAlreadyExists is returned by Initialize for a user who already
	// has an account.
	ErrAlreadyExists = errors.New("account: practice account already exists")

	// ErrInvalidAmount is returned for non-positive funding amounts and for
	// negative reset targets.
	ErrInvalidAmount = errors.New("account: invalid amount")
)

// Service performs account administration against a Store.
type Service struct {
	store store.Store
}

// NewService creates an account administration service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Initialize creates a practice account funded with amount and records the
// opening credit in the ledger. Exactly one account may exist per user.
func (s *Service) Initialize(ctx context.Context, userID int64, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	amount = model.Round2(amount)

	now := time.Now().UTC()
	acct := &model.Account{
		ID:             uuid.New().String(),
		UserID:         userID,
		InitialAmount:  amount,
		CurrentBalance: amount,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.store.ExecTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateAccount(ctx, acct); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return ErrAlreadyExists
			}
			return err
		}
		return tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
			ID:           uuid.New().String(),
			AccountID:    acct.ID,
			Type:         model.EntryCredit,
			Source:       model.SourceAdminTopup,
			Amount:       amount,
			BalanceAfter: amount,
			Note:         "Initial funding",
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(model.SourceAdminTopup)).Inc()
	slog.Info("account initialized",
		"account_id", acct.ID,
		"user_id", userID,
		"initial_amount", amount.String(),
	)
	return acct, nil
}

// TopUp credits amount to an existing account under the exclusive account
// lock and appends the matching ledger entry.
func (s *Service) TopUp(ctx context.Context, userID int64, amount decimal.Decimal, note string) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	amount = model.Round2(amount)
	if note == "" {
		note = "Admin top-up"
	}

	var acct *model.Account
	err := s.store.ExecTx(ctx, func(tx store.Tx) error {
		var err error
		acct, err = tx.LockAccountByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		now := time.Now().UTC()
		acct.CurrentBalance = model.Round2(acct.CurrentBalance.Add(amount))
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		return tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
			ID:           uuid.New().String(),
			AccountID:    acct.ID,
			Type:         model.EntryCredit,
			Source:       model.SourceAdminTopup,
			Amount:       amount,
			BalanceAfter: acct.CurrentBalance,
			Note:         note,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(model.SourceAdminTopup)).Inc()
	slog.Info("account topped up",
		"account_id", acct.ID,
		"user_id", userID,
		"amount", amount.String(),
		"balance_after", acct.CurrentBalance.String(),
	)
	return acct, nil
}

// Reset sets both initial amount and current balance to newInitialAmount
// (or back to the existing initial amount when nil) and records the signed
// discontinuity in the ledger: credit when the balance rises, debit when it
// falls, magnitude the absolute difference. History is corrected, never
// erased.
func (s *Service) Reset(ctx context.Context, userID int64, newInitialAmount *decimal.Decimal) (*model.Account, error) {
	if newInitialAmount != nil && newInitialAmount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	var acct *model.Account
	err := s.store.ExecTx(ctx, func(tx store.Tx) error {
		var err error
		acct, err = tx.LockAccountByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		target := acct.InitialAmount
		if newInitialAmount != nil {
			target = model.Round2(*newInitialAmount)
		}

		now := time.Now().UTC()
		delta := target.Sub(acct.CurrentBalance)
		entryType := model.EntryDebit
		if !delta.IsNegative() {
			entryType = model.EntryCredit
		}

		acct.InitialAmount = target
		acct.CurrentBalance = target
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		return tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
			ID:           uuid.New().String(),
			AccountID:    acct.ID,
			Type:         entryType,
			Source:       model.SourceAdminAdjust,
			Amount:       delta.Abs(),
			BalanceAfter: target,
			Note:         "Reset account balance",
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(model.SourceAdminAdjust)).Inc()
	slog.Info("account reset",
		"account_id", acct.ID,
		"user_id", userID,
		"balance_after", acct.CurrentBalance.String(),
	)
	return acct, nil
}

// GetByUser returns a user's account.
func (s *Service) GetByUser(ctx context.Context, userID int64) (*model.Account, error) {
	acct, err := s.store.GetAccountByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return acct, nil
}

// List returns all accounts, newest first.
func (s *Service) List(ctx context.Context) ([]model.Account, error) {
	return s.store.ListAccounts(ctx)
}

// Ledger returns a user's ledger entries, newest first.
func (s *Service) Ledger(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	acct, err := s.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.GetLedgerEntriesByAccount(ctx, acct.ID)
}
