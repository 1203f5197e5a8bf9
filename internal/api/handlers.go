package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bourse/internal/auth"
	"bourse/internal/exchange"
	"bourse/internal/instruments"
	"bourse/internal/ledger"
	"bourse/internal/models"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultBookDepth = 10
	maxBookDepth     = 25
	defaultOrderCap  = 100
	maxOrderCap      = 1000
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
)

// Persister mirrors admin-managed state (instruments, admin balance
// moves) to durable storage. May be nil for in-memory runs.
type Persister interface {
	SaveInstrument(ctx context.Context, inst models.Instrument) error
	DeleteInstrument(ctx context.Context, ticker string) error
	SaveBalance(ctx context.Context, userID int64, ticker string, b models.Balance) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine    *exchange.Engine
	Ledger    *ledger.Ledger
	Directory *instruments.Directory
	Auth      *auth.Service
	Persist   Persister // optional
	Hub       *Hub
	Log       *zap.Logger
}

// NewHandler creates a new handler. persist and hub may be nil.
func NewHandler(eng *exchange.Engine, led *ledger.Ledger, dir *instruments.Directory, authSvc *auth.Service, persist Persister, hub *Hub, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine:    eng,
		Ledger:    led,
		Directory: dir,
		Auth:      authSvc,
		Persist:   persist,
		Hub:       hub,
		Log:       log,
	}
}

// Routes builds the full router, shared by cmd/server and the tests.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/api/v1/instrument", h.ListInstruments)
	r.Get("/api/v1/orderbook/{ticker}", h.GetOrderBook)
	if h.Hub != nil {
		r.Get("/ws", h.Hub.Handle)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/api/v1/me", h.Me)
		r.Get("/api/v1/balance", h.GetBalances)
		r.Post("/api/v1/orders", h.PlaceOrder)
		r.Get("/api/v1/orders", h.ListOrders)
		r.Get("/api/v1/orders/{id}", h.GetOrder)
		r.Delete("/api/v1/orders/{id}", h.CancelOrder)
		r.Get("/api/v1/orders/{id}/executions", h.GetOrderExecutions)
		r.Get("/api/v1/orders/{id}/summary", h.GetOrderSummary)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware, h.AdminOnlyMiddleware)
		r.Post("/api/v1/admin/instrument", h.AddInstrument)
		r.Put("/api/v1/admin/instrument/{ticker}/active", h.SetInstrumentActive)
		r.Delete("/api/v1/admin/instrument/{ticker}", h.DeleteInstrument)
		r.Post("/api/v1/admin/balance/deposit", h.Deposit)
		r.Post("/api/v1/admin/balance/withdraw", h.Withdraw)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the engine's error taxonomy to HTTP statuses.
// Business rejections never reach here; they travel in OrderResult.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotCancellable):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientAvailable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := h.Auth.Register(r.Context(), req.Name, req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := h.Auth.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, role, err := h.Auth.Verify(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnlyMiddleware restricts a route to ADMIN tokens.
func (h *Handler) AdminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(models.Role)
		if role != models.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestUserID(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(ctxUserID).(int64)
	return id, ok
}

// Me returns the authenticated user's id and role.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	role, _ := r.Context().Value(ctxRole).(models.Role)
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": userID, "role": role})
}

// GetBalances returns the user's balances per ticker.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, h.Ledger.Balances(userID))
}

// PlaceOrder handles order placement and matching: a body with a price
// is a limit order, one without is a market order. Business rejections
// come back as OrderResult with success=false, not as HTTP errors.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Ticker    string           `json:"ticker"`
		Direction models.Direction `json:"direction"`
		Qty       int64            `json:"qty"`
		Price     *int64           `json:"price,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Direction != models.Buy && req.Direction != models.Sell {
		writeError(w, http.StatusBadRequest, "direction must be BUY or SELL")
		return
	}
	if req.Qty <= 0 {
		writeError(w, http.StatusBadRequest, "qty must be positive")
		return
	}
	if req.Price != nil && *req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	var (
		result models.OrderResult
		err    error
	)
	if req.Price != nil {
		result, err = h.Engine.SubmitLimit(r.Context(), userID, req.Ticker, req.Direction, req.Qty, *req.Price)
	} else {
		result, err = h.Engine.SubmitMarket(r.Context(), userID, req.Ticker, req.Direction, req.Qty)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.broadcastBook(req.Ticker)

	status := http.StatusCreated
	if !result.Success {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// ownedOrder loads an order and enforces that the requester owns it.
func (h *Handler) ownedOrder(w http.ResponseWriter, r *http.Request) (models.Order, bool) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return models.Order{}, false
	}
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return models.Order{}, false
	}
	order, err := h.Engine.GetOrder(orderID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return models.Order{}, false
	}
	if order.UserID != userID {
		writeError(w, http.StatusForbidden, "order belongs to another user")
		return models.Order{}, false
	}
	return order, true
}

// ListOrders retrieves the user's orders, optionally filtered by
// status and ticker, capped at `limit` results.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	f := exchange.OrderFilter{
		Status: models.OrderStatus(r.URL.Query().Get("status")),
		Ticker: r.URL.Query().Get("ticker"),
		Limit:  defaultOrderCap,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxOrderCap {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, h.Engine.UserOrders(userID, f))
}

// GetOrder retrieves one of the user's orders.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder cancels a resting order owned by the user.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	if err := h.Engine.Cancel(r.Context(), orderID, userID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if order, err := h.Engine.GetOrder(orderID); err == nil {
		h.broadcastBook(order.Ticker)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetOrderExecutions returns the order's fill history.
func (h *Handler) GetOrderExecutions(w http.ResponseWriter, r *http.Request) {
	order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	execs, err := h.Engine.Executions(order.ID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

// GetOrderSummary returns total filled, VWAP and last execution time.
func (h *Handler) GetOrderSummary(w http.ResponseWriter, r *http.Request) {
	order, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	summary, err := h.Engine.ExecutionSummary(order.ID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetOrderBook returns the aggregated L2 book for a ticker.
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	depth := defaultBookDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxBookDepth {
			writeError(w, http.StatusBadRequest, "depth must be between 1 and 25")
			return
		}
		depth = n
	}
	bookSnap, err := h.Engine.OrderBook(ticker, depth)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bookSnap)
}

// ListInstruments returns all listed instruments.
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Directory.List())
}

// AddInstrument lists a new instrument (admin).
func (h *Handler) AddInstrument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticker string `json:"ticker"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	inst := models.Instrument{Ticker: req.Ticker, Name: strings.TrimSpace(req.Name), IsActive: true}
	if err := h.Directory.Add(inst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.Persist != nil {
		if err := h.Persist.SaveInstrument(r.Context(), inst); err != nil {
			h.Log.Error("persist instrument", zap.String("ticker", inst.Ticker), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

// SetInstrumentActive halts or resumes trading on an instrument
// (admin). An inactive instrument rejects new orders; resting orders
// can still be cancelled.
func (h *Handler) SetInstrumentActive(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	var req struct {
		IsActive bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Directory.SetActive(ticker, req.IsActive); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if h.Persist != nil {
		if inst, err := h.Directory.Get(ticker); err == nil {
			if err := h.Persist.SaveInstrument(r.Context(), inst); err != nil {
				h.Log.Error("persist instrument", zap.String("ticker", ticker), zap.Error(err))
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteInstrument delists an instrument (admin). Refused while active
// orders reference it.
func (h *Handler) DeleteInstrument(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if h.Engine.HasActiveOrders(ticker) {
		writeError(w, http.StatusBadRequest, "cannot delete instrument with active orders")
		return
	}
	if err := h.Directory.Delete(ticker); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if h.Persist != nil {
		if err := h.Persist.DeleteInstrument(r.Context(), ticker); err != nil {
			h.Log.Error("delete instrument", zap.String("ticker", ticker), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type balanceChangeRequest struct {
	UserID int64  `json:"user_id"`
	Ticker string `json:"ticker"`
	Amount int64  `json:"amount"`
}

func (h *Handler) decodeBalanceChange(w http.ResponseWriter, r *http.Request) (balanceChangeRequest, bool) {
	var req balanceChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return req, false
	}
	if _, err := h.Directory.Get(req.Ticker); err != nil {
		writeError(w, statusFor(err), "instrument "+req.Ticker+" not found")
		return req, false
	}
	return req, true
}

// Deposit credits a user's balance (admin).
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBalanceChange(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.Deposit(req.UserID, req.Ticker, req.Amount); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.persistBalance(r.Context(), req.UserID, req.Ticker)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Withdraw debits a user's balance (admin). Fails if the amount
// exceeds the available (unreserved) balance.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeBalanceChange(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.Withdraw(req.UserID, req.Ticker, req.Amount); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.persistBalance(r.Context(), req.UserID, req.Ticker)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) persistBalance(ctx context.Context, userID int64, ticker string) {
	if h.Persist == nil {
		return
	}
	if err := h.Persist.SaveBalance(ctx, userID, ticker, h.Ledger.Balance(userID, ticker)); err != nil {
		h.Log.Error("persist balance", zap.Int64("user_id", userID), zap.String("ticker", ticker), zap.Error(err))
	}
}

// broadcastBook pushes a fresh book snapshot to stream subscribers.
func (h *Handler) broadcastBook(ticker string) {
	if h.Hub == nil {
		return
	}
	snap, err := h.Engine.OrderBook(ticker, defaultBookDepth)
	if err != nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	h.Hub.Broadcast(data)
}
