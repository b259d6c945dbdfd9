package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/broker-engine/internal/account"
	"github.com/paperdesk/broker-engine/internal/api"
	"github.com/paperdesk/broker-engine/internal/engine"
	"github.com/paperdesk/broker-engine/internal/model"
	"github.com/paperdesk/broker-engine/internal/store"
)

var testSecret = []byte("test-secret")

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires the service behind the same router shape the server
// uses: everything under /api/v1 guarded by the bearer-token middleware.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	eng := engine.New(ms)
	accounts := account.NewService(ms)
	svc := api.NewService(eng, accounts, ms, nil)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(api.Authenticator(testSecret))
		r.Mount("/api/v1", svc.Routes())
	})
	return ms, r
}

func signToken(t *testing.T, userID int64, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, router chi.Router, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// initAccount funds a user via the admin route.
func initAccount(t *testing.T, router chi.Router, userID int64, amount decimal.Decimal) {
	t.Helper()
	admin := signToken(t, 999, api.RoleAdmin)
	path := "/api/v1/admin/accounts/" + strconv.FormatInt(userID, 10) + "/init"
	w := doJSON(t, router, "POST", path, admin, api.InitAccountRequest{InitialAmount: amount})
	if w.Code != http.StatusCreated {
		t.Fatalf("init account failed: %d: %s", w.Code, w.Body.String())
	}
}

// --- Auth ---

func TestAuth_MissingToken(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/account", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
}

func TestAuth_BadSignature(t *testing.T) {
	_, router := newTestEnv(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1"},
	})
	signed, _ := token.SignedString([]byte("wrong-secret"))

	w := doJSON(t, router, "GET", "/api/v1/account", signed, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad signature, got %d", w.Code)
	}
}

func TestAuth_AdminRouteRejectsTrader(t *testing.T) {
	_, router := newTestEnv(t)

	trader := signToken(t, 1, "trader")
	w := doJSON(t, router, "POST", "/api/v1/admin/accounts/1/init", trader,
		api.InitAccountRequest{InitialAmount: d(1000)})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin on admin route, got %d", w.Code)
	}
}

// --- Trading flow ---

func TestPlaceOrder_FullFlow(t *testing.T) {
	_, router := newTestEnv(t)
	initAccount(t, router, 1, d(10000))
	trader := signToken(t, 1, "trader")

	w := doJSON(t, router, "POST", "/api/v1/orders", trader, api.PlaceOrderRequest{
		Symbol:   "NIFTY24JANFUT",
		Segment:  model.SegmentNSEFO,
		Side:     model.SideBuy,
		Quantity: 10,
		Price:    d(100),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.PlaceOrderResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Order == nil || resp.Order.Status != model.OrderFilled {
		t.Fatalf("expected filled order, got %+v", resp.Order)
	}
	if resp.Trade == nil || !resp.Trade.NetAmount.Equal(d(-1000)) {
		t.Errorf("expected trade net -1000, got %+v", resp.Trade)
	}
	if resp.Position == nil || resp.Position.NetQuantity != 10 {
		t.Errorf("expected position qty 10, got %+v", resp.Position)
	}
	if resp.Account == nil || !resp.Account.CurrentBalance.Equal(d(9000)) {
		t.Errorf("expected balance 9000, got %+v", resp.Account)
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	_, router := newTestEnv(t)
	initAccount(t, router, 1, d(500))
	trader := signToken(t, 1, "trader")

	w := doJSON(t, router, "POST", "/api/v1/orders", trader, api.PlaceOrderRequest{
		Symbol:   "NIFTY24JANFUT",
		Segment:  model.SegmentNSEFO,
		Side:     model.SideBuy,
		Quantity: 10,
		Price:    d(100),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient funds, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPlaceOrder_NoAccount(t *testing.T) {
	_, router := newTestEnv(t)
	trader := signToken(t, 42, "trader")

	w := doJSON(t, router, "POST", "/api/v1/orders", trader, api.PlaceOrderRequest{
		Symbol:   "NIFTY24JANFUT",
		Segment:  model.SegmentNSEFO,
		Side:     model.SideBuy,
		Quantity: 1,
		Price:    d(100),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing account, got %d", w.Code)
	}
}

func TestPlaceOrder_ValidationError(t *testing.T) {
	_, router := newTestEnv(t)
	initAccount(t, router, 1, d(1000))
	trader := signToken(t, 1, "trader")

	w := doJSON(t, router, "POST", "/api/v1/orders", trader, api.PlaceOrderRequest{
		Symbol:   "NIFTY24JANFUT",
		Segment:  model.SegmentNSEFO,
		Side:     model.SideBuy,
		Quantity: 0,
		Price:    d(100),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero quantity, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Read paths ---

func TestReadPaths_ScopedToCaller(t *testing.T) {
	_, router := newTestEnv(t)
	initAccount(t, router, 1, d(10000))
	initAccount(t, router, 2, d(10000))
	trader1 := signToken(t, 1, "trader")
	trader2 := signToken(t, 2, "trader")

	w := doJSON(t, router, "POST", "/api/v1/orders", trader1, api.PlaceOrderRequest{
		Symbol:   "NIFTY24JANFUT",
		Segment:  model.SegmentNSEFO,
		Side:     model.SideBuy,
		Quantity: 5,
		Price:    d(100),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("order failed: %d: %s", w.Code, w.Body.String())
	}

	var orders []model.Order
	w = doJSON(t, router, "GET", "/api/v1/orders", trader1, nil)
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 1 {
		t.Errorf("trader1 expected 1 order, got %d", len(orders))
	}

	// Other users see empty arrays, not nulls.
	w = doJSON(t, router, "GET", "/api/v1/orders", trader2, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); body == "null\n" {
		t.Error("expected empty array, got null")
	}
	orders = nil
	json.Unmarshal(w.Body.Bytes(), &orders)
	if len(orders) != 0 {
		t.Errorf("trader2 expected 0 orders, got %d", len(orders))
	}

	var positions []model.Position
	w = doJSON(t, router, "GET", "/api/v1/positions", trader1, nil)
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 1 || positions[0].NetQuantity != 5 {
		t.Errorf("trader1 expected position qty 5, got %+v", positions)
	}

	var trades []model.Trade
	w = doJSON(t, router, "GET", "/api/v1/trades", trader1, nil)
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 {
		t.Errorf("trader1 expected 1 trade, got %d", len(trades))
	}
}

func TestMyAccountAndLedger(t *testing.T) {
	_, router := newTestEnv(t)
	initAccount(t, router, 1, d(10000))
	trader := signToken(t, 1, "trader")

	var acct model.Account
	w := doJSON(t, router, "GET", "/api/v1/account", trader, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &acct)
	if !acct.CurrentBalance.Equal(d(10000)) {
		t.Errorf("expected balance 10000, got %s", acct.CurrentBalance)
	}

	var entries []model.LedgerEntry
	w = doJSON(t, router, "GET", "/api/v1/account/ledger", trader, nil)
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].Source != model.SourceAdminTopup || entries[0].Type != model.EntryCredit {
		t.Errorf("expected admin_topup credit, got %s %s", entries[0].Source, entries[0].Type)
	}
}

// --- Admin account management ---

func TestAdmin_InitDuplicate(t *testing.T) {
	_, router := newTestEnv(t)
	initAccount(t, router, 1, d(1000))

	admin := signToken(t, 999, api.RoleAdmin)
	w := doJSON(t, router, "POST", "/api/v1/admin/accounts/1/init", admin,
		api.InitAccountRequest{InitialAmount: d(500)})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate init, got %d", w.Code)
	}
}

func TestAdmin_TopUpAndReset(t *testing.T) {
	_, router := newTestEnv(t)
	initAccount(t, router, 1, d(1000))
	admin := signToken(t, 999, api.RoleAdmin)

	var acct model.Account
	w := doJSON(t, router, "POST", "/api/v1/admin/accounts/1/topup", admin,
		api.TopUpRequest{Amount: d(500)})
	if w.Code != http.StatusOK {
		t.Fatalf("topup failed: %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &acct)
	if !acct.CurrentBalance.Equal(d(1500)) {
		t.Errorf("expected balance 1500 after topup, got %s", acct.CurrentBalance)
	}

	target := d(2000)
	w = doJSON(t, router, "POST", "/api/v1/admin/accounts/1/reset", admin,
		api.ResetRequest{NewInitialAmount: &target})
	if w.Code != http.StatusOK {
		t.Fatalf("reset failed: %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &acct)
	if !acct.CurrentBalance.Equal(d(2000)) || !acct.InitialAmount.Equal(d(2000)) {
		t.Errorf("expected balance and initial 2000 after reset, got %s / %s",
			acct.CurrentBalance, acct.InitialAmount)
	}
}

func TestAdmin_ListAndGet(t *testing.T) {
	_, router := newTestEnv(t)
	initAccount(t, router, 1, d(1000))
	initAccount(t, router, 2, d(2000))
	admin := signToken(t, 999, api.RoleAdmin)

	var accounts []model.Account
	w := doJSON(t, router, "GET", "/api/v1/admin/accounts/", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list failed: %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &accounts)
	if len(accounts) != 2 {
		t.Errorf("expected 2 accounts, got %d", len(accounts))
	}

	var acct model.Account
	w = doJSON(t, router, "GET", "/api/v1/admin/accounts/2", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get failed: %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.UserID != 2 || !acct.CurrentBalance.Equal(d(2000)) {
		t.Errorf("expected user 2 balance 2000, got %+v", acct)
	}

	w = doJSON(t, router, "GET", "/api/v1/admin/accounts/7", admin, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown account, got %d", w.Code)
	}
}

func TestAdmin_BadUserIDParam(t *testing.T) {
	_, router := newTestEnv(t)
	admin := signToken(t, 999, api.RoleAdmin)

	w := doJSON(t, router, "POST", "/api/v1/admin/accounts/abc/init", admin,
		api.InitAccountRequest{InitialAmount: d(1000)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric userID, got %d", w.Code)
	}
}
