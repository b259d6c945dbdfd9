package account_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/paperdesk/broker-engine/internal/account"
	"github.com/paperdesk/broker-engine/internal/model"
	"github.com/paperdesk/broker-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (*account.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return account.NewService(ms), ms
}

func TestInitialize(t *testing.T) {
	svc, ms := newTestEnv(t)
	ctx := context.Background()

	acct, err := svc.Initialize(ctx, 1, d(10000))
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if !acct.CurrentBalance.Equal(d(10000)) || !acct.InitialAmount.Equal(d(10000)) {
		t.Errorf("unexpected amounts: initial=%s balance=%s", acct.InitialAmount, acct.CurrentBalance)
	}
	if !acct.Active {
		t.Error("new account should be active")
	}

	entries, err := ms.GetLedgerEntriesByAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("ledger read failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Type != model.EntryCredit || e.Source != model.SourceAdminTopup {
		t.Errorf("unexpected entry: type=%s source=%s", e.Type, e.Source)
	}
	if !e.Amount.Equal(d(10000)) || !e.BalanceAfter.Equal(d(10000)) {
		t.Errorf("unexpected amounts: amount=%s after=%s", e.Amount, e.BalanceAfter)
	}
	if e.Note != "Initial funding" {
		t.Errorf("unexpected note: %q", e.Note)
	}
}

func TestInitialize_AlreadyExists(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()

	if _, err := svc.Initialize(ctx, 1, d(1000)); err != nil {
		t.Fatalf("first initialize failed: %v", err)
	}
	_, err := svc.Initialize(ctx, 1, d(2000))
	if !errors.Is(err, account.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestInitialize_InvalidAmount(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()

	for _, amount := range []decimal.Decimal{decimal.Zero, d(-100)} {
		if _, err := svc.Initialize(ctx, 1, amount); !errors.Is(err, account.ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestTopUp(t *testing.T) {
	svc, ms := newTestEnv(t)
	ctx := context.Background()

	first, _ := svc.Initialize(ctx, 1, d(1000))
	acct, err := svc.TopUp(ctx, 1, d(500), "")
	if err != nil {
		t.Fatalf("topup failed: %v", err)
	}
	if !acct.CurrentBalance.Equal(d(1500)) {
		t.Errorf("expected balance 1500, got %s", acct.CurrentBalance)
	}
	// Initial amount is untouched by a top-up.
	if !acct.InitialAmount.Equal(d(1000)) {
		t.Errorf("expected initial 1000, got %s", acct.InitialAmount)
	}

	entries, _ := ms.GetLedgerEntriesByAccount(ctx, first.ID)
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	// Newest first: the top-up entry.
	e := entries[0]
	if e.Type != model.EntryCredit || e.Source != model.SourceAdminTopup {
		t.Errorf("unexpected entry: type=%s source=%s", e.Type, e.Source)
	}
	if e.Note != "Admin top-up" {
		t.Errorf("expected default note, got %q", e.Note)
	}
	if !e.BalanceAfter.Equal(d(1500)) {
		t.Errorf("expected balance_after 1500, got %s", e.BalanceAfter)
	}
}

func TestTopUp_AccountNotFound(t *testing.T) {
	svc, _ := newTestEnv(t)

	_, err := svc.TopUp(context.Background(), 99, d(100), "")
	if !errors.Is(err, account.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTopUp_InvalidAmount(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()
	svc.Initialize(ctx, 1, d(1000))

	if _, err := svc.TopUp(ctx, 1, decimal.Zero, ""); !errors.Is(err, account.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestReset_RecordsSignedDelta(t *testing.T) {
	svc, ms := newTestEnv(t)
	ctx := context.Background()

	first, _ := svc.Initialize(ctx, 1, d(9480))

	target := d(5000)
	acct, err := svc.Reset(ctx, 1, &target)
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if !acct.CurrentBalance.Equal(d(5000)) || !acct.InitialAmount.Equal(d(5000)) {
		t.Errorf("unexpected amounts after reset: initial=%s balance=%s", acct.InitialAmount, acct.CurrentBalance)
	}

	entries, _ := ms.GetLedgerEntriesByAccount(ctx, first.ID)
	e := entries[0] // newest first
	if e.Type != model.EntryDebit || e.Source != model.SourceAdminAdjust {
		t.Errorf("expected debit admin_adjust, got type=%s source=%s", e.Type, e.Source)
	}
	if !e.Amount.Equal(d(4480)) {
		t.Errorf("expected magnitude 4480, got %s", e.Amount)
	}
	if !e.BalanceAfter.Equal(d(5000)) {
		t.Errorf("expected balance_after 5000, got %s", e.BalanceAfter)
	}
	if e.Note != "Reset account balance" {
		t.Errorf("unexpected note: %q", e.Note)
	}
}

func TestReset_IncreaseIsCredit(t *testing.T) {
	svc, ms := newTestEnv(t)
	ctx := context.Background()

	first, _ := svc.Initialize(ctx, 1, d(1000))

	target := d(2500)
	if _, err := svc.Reset(ctx, 1, &target); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	entries, _ := ms.GetLedgerEntriesByAccount(ctx, first.ID)
	e := entries[0]
	if e.Type != model.EntryCredit || !e.Amount.Equal(d(1500)) {
		t.Errorf("expected credit of 1500, got type=%s amount=%s", e.Type, e.Amount)
	}
}

func TestReset_WithoutTargetRestoresInitial(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()

	svc.Initialize(ctx, 1, d(1000))
	svc.TopUp(ctx, 1, d(500), "")

	acct, err := svc.Reset(ctx, 1, nil)
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if !acct.CurrentBalance.Equal(d(1000)) {
		t.Errorf("expected balance back at 1000, got %s", acct.CurrentBalance)
	}
}

func TestReset_NegativeTarget(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()
	svc.Initialize(ctx, 1, d(1000))

	target := d(-1)
	if _, err := svc.Reset(ctx, 1, &target); !errors.Is(err, account.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestReset_ZeroTargetAllowed(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()
	svc.Initialize(ctx, 1, d(1000))

	target := decimal.Zero
	acct, err := svc.Reset(ctx, 1, &target)
	if err != nil {
		t.Fatalf("reset to zero failed: %v", err)
	}
	if !acct.CurrentBalance.IsZero() {
		t.Errorf("expected zero balance, got %s", acct.CurrentBalance)
	}
}

func TestConcurrentTopUps_NoLostUpdate(t *testing.T) {
	svc, _ := newTestEnv(t)
	ctx := context.Background()

	svc.Initialize(ctx, 1, d(100))

	const n = 20
	amount := d(5)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.TopUp(ctx, 1, amount, "load test"); err != nil {
				t.Errorf("concurrent topup failed: %v", err)
			}
		}()
	}
	wg.Wait()

	acct, err := svc.GetByUser(ctx, 1)
	if err != nil {
		t.Fatalf("get account failed: %v", err)
	}
	if !acct.CurrentBalance.Equal(d(100 + n*5)) {
		t.Errorf("lost update: expected %d, got %s", 100+n*5, acct.CurrentBalance)
	}

	entries, _ := svc.Ledger(ctx, 1)
	if len(entries) != n+1 {
		t.Errorf("expected %d ledger entries, got %d", n+1, len(entries))
	}
}
