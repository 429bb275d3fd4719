package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/orderpay/backend/internal/cache"
	"github.com/orderpay/backend/internal/config"
	"github.com/orderpay/backend/internal/models"
	"github.com/orderpay/backend/internal/notify"
	"github.com/orderpay/backend/internal/outbox"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	orderColumns     = `id, user_id, status, total_amount, created_at, updated_at, payment_transaction_id`
	orderItemColumns = `id, order_id, product_id, product_name, quantity, price`

	maxPageSize = 100
)

type OrderItemRequest struct {
	ProductID   string          `json:"productId" validate:"required"`
	ProductName string          `json:"productName" validate:"required"`
	Quantity    int             `json:"quantity" validate:"gte=1"`
	Price       decimal.Decimal `json:"price" validate:"gte=0"`
}

type CreateOrderRequest struct {
	UserID string             `json:"userId" validate:"required"`
	Items  []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
}

type CreateOrderResult struct {
	Result
	OrderID string `json:"orderId,omitempty"`
}

type OrdersPage struct {
	Result
	Orders     []models.Order `json:"orders"`
	TotalCount int            `json:"totalCount"`
}

type OrderStatusResult struct {
	Result
	Order *models.Order `json:"order,omitempty"`
}

// OrderService owns orders. Status changes after creation come only from
// payment results (see PaymentEventProcessor).
type OrderService struct {
	db        *sql.DB
	cache     *cache.Store
	notifier  notify.Notifier
	log       *logrus.Logger
	validator *ValidationHelper
	orderTTL  time.Duration
	now       func() time.Time
}

func NewOrderService(db *sql.DB, store *cache.Store, notifier notify.Notifier, cfg *config.Config, log *logrus.Logger) *OrderService {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &OrderService{
		db:        db,
		cache:     store,
		notifier:  notifier,
		log:       log,
		validator: NewValidationHelper(),
		orderTTL:  cfg.Cache.OrderTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// orderTotal sums the item prices. Quantity is deliberately not applied,
// matching how totals have always been computed for existing orders.
func orderTotal(items []OrderItemRequest) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Price)
	}
	return total
}

// CreateOrder stores a Pending order with its items and an OrderCreated
// outbox event in one transaction.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (CreateOrderResult, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return CreateOrderResult{}, err
	}
	for i, it := range req.Items {
		if err := checkMoney(fmt.Sprintf("items[%d].price", i), it.Price); err != nil {
			return CreateOrderResult{}, err
		}
	}

	now := s.now()
	order := &models.Order{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		Status:      models.OrderPending,
		TotalAmount: orderTotal(req.Items),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, total_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, order.ID, order.UserID, order.Status, order.TotalAmount, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("failed to insert order: %w", err)
	}

	event := models.OrderCreatedEvent{
		OrderID:        order.ID,
		UserID:         order.UserID,
		TotalAmount:    order.TotalAmount,
		CreatedAt:      order.CreatedAt,
		IdempotencyKey: uuid.New().String(),
		Items:          make([]models.OrderItemEvent, 0, len(req.Items)),
	}

	for _, it := range req.Items {
		item := models.OrderItem{
			ID:          uuid.New().String(),
			OrderID:     order.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Price:       it.Price,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (`+orderItemColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, item.ID, item.OrderID, item.ProductID, item.ProductName, item.Quantity, item.Price)
		if err != nil {
			return CreateOrderResult{}, fmt.Errorf("failed to insert order item: %w", err)
		}
		order.Items = append(order.Items, item)
		event.Items = append(event.Items, models.OrderItemEvent{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			Price:       it.Price,
		})
	}

	if _, err := outbox.Append(ctx, tx, models.EventOrderCreated, event); err != nil {
		return CreateOrderResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return CreateOrderResult{}, fmt.Errorf("failed to commit order: %w", err)
	}

	s.notifier.NotifyUser(ctx, order.UserID, notify.StatusUpdate{
		OrderID: order.ID,
		Status:  order.Status.String(),
		Message: "order created",
	})
	s.log.WithFields(logrus.Fields{
		"order_id": order.ID,
		"user_id":  order.UserID,
		"total":    order.TotalAmount.String(),
	}).Info("order created")

	return CreateOrderResult{Result: succeeded("order created"), OrderID: order.ID}, nil
}

// GetUserOrders returns one page of the user's orders, newest first.
func (s *OrderService) GetUserOrders(ctx context.Context, userID string, page, pageSize int) (OrdersPage, error) {
	switch {
	case userID == "":
		return OrdersPage{}, invalid("userId", "is required")
	case page < 1:
		return OrdersPage{}, invalid("page", "must be at least 1")
	case pageSize < 1:
		return OrdersPage{}, invalid("pageSize", "must be at least 1")
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return OrdersPage{}, fmt.Errorf("failed to count orders: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return OrdersPage{}, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return OrdersPage{}, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return OrdersPage{}, fmt.Errorf("failed to query orders: %w", err)
	}
	rows.Close()

	if err := s.attachItems(ctx, orders); err != nil {
		return OrdersPage{}, err
	}

	return OrdersPage{Result: succeeded("orders retrieved"), Orders: orders, TotalCount: total}, nil
}

// GetOrderStatus returns the order if it belongs to userID. The cache is
// consulted first, but a cached order owned by someone else is never
// returned.
func (s *OrderService) GetOrderStatus(ctx context.Context, orderID, userID string) (OrderStatusResult, error) {
	if userID == "" {
		return OrderStatusResult{}, invalid("userId", "is required")
	}
	if _, err := uuid.Parse(orderID); err != nil {
		return OrderStatusResult{Result: failed("order not found")}, nil
	}

	key := cache.OrderKey(orderID)
	var snap models.OrderSnapshot
	if s.cache.GetJSON(ctx, key, &snap) && snap.Valid() && snap.UserID == userID {
		return OrderStatusResult{Result: succeeded("order status retrieved"), Order: snap.Order()}, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, orderID, userID)
	order, err := scanOrder(row)
	if errors.Is(err, ErrNotFound) {
		return OrderStatusResult{Result: failed("order not found")}, nil
	}
	if err != nil {
		return OrderStatusResult{}, err
	}

	orders := []models.Order{*order}
	if err := s.attachItems(ctx, orders); err != nil {
		return OrderStatusResult{}, err
	}
	order = &orders[0]

	snap = models.NewOrderSnapshot(order)
	s.cache.SetIfNewer(ctx, key, snap, snap.Version, s.orderTTL)
	return OrderStatusResult{Result: succeeded("order status retrieved"), Order: order}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var paymentTxID sql.NullString
	err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.TotalAmount, &o.CreatedAt, &o.UpdatedAt, &paymentTxID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	if paymentTxID.Valid {
		o.PaymentTransactionID = &paymentTxID.String
	}
	o.Items = []models.OrderItem{}
	return &o, nil
}

// attachItems loads the items of all given orders in one query.
func (s *OrderService) attachItems(ctx context.Context, orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderItemColumns+`
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, id
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.Quantity, &it.Price); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		if i, ok := index[it.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, it)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to query order items: %w", err)
	}
	return nil
}
