// Package api provides the HTTP handlers for trading and account
// administration. Handlers are thin: parse JSON, resolve the caller's
// identity, invoke the engine or account service, and map the error
// taxonomy onto status codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/paperdesk/broker-engine/internal/account"
	"github.com/paperdesk/broker-engine/internal/engine"
	"github.com/paperdesk/broker-engine/internal/guard"
	"github.com/paperdesk/broker-engine/internal/model"
	"github.com/paperdesk/broker-engine/internal/store"
)

// Service wires the execution engine and account administration behind
// HTTP handlers. Pass nil for hub if WebSocket broadcasting is not needed.
type Service struct {
	engine   *engine.Engine
	accounts *account.Service
	store    store.Store
	wsHub    *WSHub
}

// NewService creates the HTTP service.
func NewService(eng *engine.Engine, accounts *account.Service, st store.Store, hub *WSHub) *Service {
	return &Service{
		engine:   eng,
		accounts: accounts,
		store:    st,
		wsHub:    hub,
	}
}

// Routes returns the authenticated API router. The caller mounts it under
// its prefix and wraps it with the Authenticator middleware.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	// Trading.
	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders", s.MyOrders)
	r.Get("/trades", s.MyTrades)
	r.Get("/positions", s.MyPositions)

	// Own account.
	r.Get("/account", s.MyAccount)
	r.Get("/account/ledger", s.MyLedger)

	// Administration.
	r.Route("/admin/accounts", func(r chi.Router) {
		r.Use(RequireAdmin)
		r.Get("/", s.ListAccounts)
		r.Get("/{userID}", s.GetAccount)
		r.Post("/{userID}/init", s.InitializeAccount)
		r.Post("/{userID}/topup", s.TopUpAccount)
		r.Post("/{userID}/reset", s.ResetAccount)
	})

	return r
}

// --- Request/Response types ---

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	Symbol    string          `json:"symbol"`
	Segment   model.Segment   `json:"segment"`
	Side      model.Side      `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	OrderType model.OrderType `json:"order_type"`
}

// PlaceOrderResponse is the JSON body returned from POST /orders.
type PlaceOrderResponse struct {
	Order    *model.Order    `json:"order"`
	Trade    *model.Trade    `json:"trade"`
	Position *model.Position `json:"position"`
	Account  *model.Account  `json:"account"`
}

// InitAccountRequest is the JSON body for POST /admin/accounts/{userID}/init.
type InitAccountRequest struct {
	InitialAmount decimal.Decimal `json:"initial_amount"`
}

// TopUpRequest is the JSON body for POST /admin/accounts/{userID}/topup.
type TopUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note"`
}

// ResetRequest is the JSON body for POST /admin/accounts/{userID}/reset.
// NewInitialAmount is optional; omitted means reset to the current initial
// amount.
type ResetRequest struct {
	NewInitialAmount *decimal.Decimal `json:"new_initial_amount"`
}

// --- Trading handlers ---

// PlaceOrder handles POST /orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.engine.Execute(r.Context(), engine.OrderRequest{
		UserID:    id.UserID,
		Symbol:    req.Symbol,
		Segment:   req.Segment,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		OrderType: req.OrderType,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:         "order_filled",
			UserID:       result.Order.UserID,
			Symbol:       result.Order.Symbol,
			Segment:      string(result.Order.Segment),
			Side:         string(result.Order.Side),
			Quantity:     result.Order.FilledQuantity,
			Price:        result.Order.AvgFillPrice.String(),
			BalanceAfter: result.Account.CurrentBalance.String(),
		})
	}

	writeJSON(w, http.StatusCreated, PlaceOrderResponse{
		Order:    result.Order,
		Trade:    result.Trade,
		Position: result.Position,
		Account:  result.Account,
	})
}

// MyOrders handles GET /orders.
func (s *Service) MyOrders(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	orders, err := s.store.GetOrdersByUser(r.Context(), id.UserID)
	if err != nil {
		writeError(w, "failed to fetch orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// MyTrades handles GET /trades.
func (s *Service) MyTrades(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	trades, err := s.store.GetTradesByUser(r.Context(), id.UserID)
	if err != nil {
		writeError(w, "failed to fetch trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// MyPositions handles GET /positions.
func (s *Service) MyPositions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	positions, err := s.store.GetPositionsByUser(r.Context(), id.UserID)
	if err != nil {
		writeError(w, "failed to fetch positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Own account handlers ---

// MyAccount handles GET /account.
func (s *Service) MyAccount(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	acct, err := s.accounts.GetByUser(r.Context(), id.UserID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// MyLedger handles GET /account/ledger.
func (s *Service) MyLedger(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	entries, err := s.accounts.Ledger(r.Context(), id.UserID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Admin handlers ---

// ListAccounts handles GET /admin/accounts.
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.List(r.Context())
	if err != nil {
		writeError(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// GetAccount handles GET /admin/accounts/{userID}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	acct, err := s.accounts.GetByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// InitializeAccount handles POST /admin/accounts/{userID}/init.
func (s *Service) InitializeAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	var req InitAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := s.accounts.Initialize(r.Context(), userID, req.InitialAmount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// TopUpAccount handles POST /admin/accounts/{userID}/topup.
func (s *Service) TopUpAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := s.accounts.TopUp(r.Context(), userID, req.Amount, req.Note)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ResetAccount handles POST /admin/accounts/{userID}/reset.
func (s *Service) ResetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := s.accounts.Reset(r.Context(), userID, req.NewInitialAmount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// --- Helpers ---

func pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, "userID must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return userID, true
}

// statusFor maps the engine/account error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var vErr *engine.ValidationError
	switch {
	case errors.As(err, &vErr),
		errors.Is(err, account.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrAccountNotFound),
		errors.Is(err, account.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAccountInactive):
		return http.StatusForbidden
	case errors.Is(err, guard.ErrInsufficientFunds),
		errors.Is(err, guard.ErrInsufficientInventory),
		errors.Is(err, account.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
