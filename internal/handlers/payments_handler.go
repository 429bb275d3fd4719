package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/orderpay/backend/internal/services"
	"github.com/sirupsen/logrus"
)

// LedgerOperations is the ledger service as seen by the RPC layer.
type LedgerOperations interface {
	CreateAccount(ctx context.Context, userID string) (services.CreateAccountResult, error)
	TopUp(ctx context.Context, req services.TopUpRequest) (services.TopUpResult, error)
	GetBalance(ctx context.Context, userID string) (services.BalanceResult, error)
	Charge(ctx context.Context, req services.ChargeRequest) (services.ChargeResult, error)
	ListTransactions(ctx context.Context, userID string, limit int) (services.TransactionsResult, error)
}

type PaymentsHandler struct {
	ledger LedgerOperations
	log    *logrus.Logger
}

func NewPaymentsHandler(ledger LedgerOperations, log *logrus.Logger) *PaymentsHandler {
	return &PaymentsHandler{ledger: ledger, log: log}
}

// Routes mounts the account endpoints.
func (h *PaymentsHandler) Routes(r chi.Router) {
	r.Post("/accounts", h.CreateAccount)
	r.Post("/accounts/topup", h.TopUp)
	r.Post("/accounts/charge", h.Charge)
	r.Get("/accounts/{userId}/balance", h.GetBalance)
	r.Get("/accounts/{userId}/transactions", h.ListTransactions)
}

// CreateAccount opens an account for a user
// @Summary Create account
// @Tags Accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{userId=string} true "Owner"
// @Success 200 {object} services.CreateAccountResult
// @Failure 400 {object} services.ErrorResponse
// @Router /accounts [post]
func (h *PaymentsHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.ledger.CreateAccount(r.Context(), req.UserID)
	respond(w, r, h.log, "CreateAccount", result, err)
}

// TopUp credits an account
// @Summary Top up
// @Tags Accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.TopUpRequest true "Top-up"
// @Success 200 {object} services.TopUpResult
// @Failure 400 {object} services.ErrorResponse
// @Router /accounts/topup [post]
func (h *PaymentsHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req services.TopUpRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.ledger.TopUp(r.Context(), req)
	respond(w, r, h.log, "TopUp", result, err)
}

// Charge debits an account for an order, at most once per idempotency key
// @Summary Charge account
// @Tags Accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.ChargeRequest true "Charge"
// @Success 200 {object} services.ChargeResult
// @Failure 400 {object} services.ErrorResponse
// @Router /accounts/charge [post]
func (h *PaymentsHandler) Charge(w http.ResponseWriter, r *http.Request) {
	var req services.ChargeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.ledger.Charge(r.Context(), req)
	respond(w, r, h.log, "ChargeAccount", result, err)
}

// GetBalance returns the current balance
// @Summary Balance
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Success 200 {object} services.BalanceResult
// @Router /accounts/{userId}/balance [get]
func (h *PaymentsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.GetBalance(r.Context(), chi.URLParam(r, "userId"))
	respond(w, r, h.log, "GetBalance", result, err)
}

// ListTransactions returns recent ledger entries
// @Summary Transactions
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Param limit query int false "At most 100"
// @Success 200 {object} services.TransactionsResult
// @Failure 400 {object} services.ErrorResponse
// @Router /accounts/{userId}/transactions [get]
func (h *PaymentsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.ListTransactions(r.Context(), chi.URLParam(r, "userId"), limit)
	respond(w, r, h.log, "ListTransactions", result, err)
}
