package services

import "github.com/orderpay/backend/internal/models"

// allowedTransitions is the order lifecycle. Payment results move an order
// out of Pending or PaymentProcessing; fulfilment statuses follow a
// settled payment.
var allowedTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending:           {models.OrderPaymentProcessing, models.OrderPaid, models.OrderPaymentFailed},
	models.OrderPaymentProcessing: {models.OrderPaid, models.OrderPaymentFailed},
	models.OrderPaid:              {models.OrderCancelled, models.OrderShipped, models.OrderDelivered},
	models.OrderPaymentFailed:     {models.OrderCancelled, models.OrderShipped, models.OrderDelivered},
}

func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
