package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/orderpay/backend/internal/services"
	"github.com/sirupsen/logrus"
)

const defaultPageSize = 20

// OrderOperations is the order service as seen by the RPC layer.
type OrderOperations interface {
	CreateOrder(ctx context.Context, req services.CreateOrderRequest) (services.CreateOrderResult, error)
	GetUserOrders(ctx context.Context, userID string, page, pageSize int) (services.OrdersPage, error)
	GetOrderStatus(ctx context.Context, orderID, userID string) (services.OrderStatusResult, error)
}

type OrdersHandler struct {
	service OrderOperations
	log     *logrus.Logger
}

func NewOrdersHandler(service OrderOperations, log *logrus.Logger) *OrdersHandler {
	return &OrdersHandler{service: service, log: log}
}

// Routes mounts the order endpoints.
func (h *OrdersHandler) Routes(r chi.Router) {
	r.Post("/orders", h.CreateOrder)
	r.Get("/orders/{orderId}", h.GetOrderStatus)
	r.Get("/users/{userId}/orders", h.GetUserOrders)
}

// CreateOrder places an order in Pending state
// @Summary Create order
// @Description Persist an order with its items and emit OrderCreated
// @Tags Orders
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.CreateOrderRequest true "Order"
// @Success 200 {object} services.CreateOrderResult
// @Failure 400 {object} services.ErrorResponse
// @Router /orders [post]
func (h *OrdersHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req services.CreateOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.CreateOrder(r.Context(), req)
	respond(w, r, h.log, "CreateOrder", result, err)
}

// GetUserOrders lists a user's orders, newest first
// @Summary List orders
// @Tags Orders
// @Produce json
// @Security BearerAuth
// @Param userId path string true "User ID"
// @Param page query int false "Page, from 1"
// @Param pageSize query int false "Page size, at most 100"
// @Success 200 {object} services.OrdersPage
// @Failure 400 {object} services.ErrorResponse
// @Router /users/{userId}/orders [get]
func (h *OrdersHandler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	pageSize, err := queryInt(r, "pageSize", defaultPageSize)
	if err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.GetUserOrders(r.Context(), chi.URLParam(r, "userId"), page, pageSize)
	respond(w, r, h.log, "GetUserOrders", result, err)
}

// GetOrderStatus returns one order owned by the caller
// @Summary Order status
// @Tags Orders
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order ID"
// @Param userId query string true "Owning user"
// @Success 200 {object} services.OrderStatusResult
// @Failure 400 {object} services.ErrorResponse
// @Router /orders/{orderId} [get]
func (h *OrdersHandler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.GetOrderStatus(r.Context(), chi.URLParam(r, "orderId"), r.URL.Query().Get("userId"))
	respond(w, r, h.log, "GetOrderStatus", result, err)
}
