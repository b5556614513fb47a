package activity

import (
	"context"
	"net/url"

	"flash_checkout/internal/model"
	"flash_checkout/internal/saga"
)

var _ saga.Activities = (*Client)(nil)

// Request bodies of the internal service routes.
type (
	ReserveRequest struct {
		OrderID   string `json:"order_id" binding:"required"`
		ProductID string `json:"product_id" binding:"required"`
		Quantity  int64  `json:"quantity" binding:"required,min=1"`
	}

	InitiatePaymentRequest struct {
		OrderID string `json:"order_id" binding:"required"`
		UserID  string `json:"user_id" binding:"required"`
		Amount  int64  `json:"amount" binding:"required,min=1"`
	}

	// RefundRequest is the body of the refund and void routes.
	RefundRequest struct {
		OrderID string `json:"order_id"`
	}

	ConfirmRequest struct {
		PaymentID string `json:"payment_id"`
	}

	FailRequest struct {
		Reason    string `json:"reason"`
		Cancelled bool   `json:"cancelled"`
	}

	ProgressRequest struct {
		Status  model.OrderStatus `json:"status" binding:"required"`
		Message string            `json:"message"`
	}
)

func (c *Client) ReserveInventory(ctx context.Context, orderID, productID string, qty int64) (string, error) {
	var r model.Reservation
	err := c.call(ctx, "reserveInventory", serviceInventory, "/internal/inventory/reservations", c.cfg.Timeout,
		ReserveRequest{OrderID: orderID, ProductID: productID, Quantity: qty}, &r)
	return r.ID, err
}

func (c *Client) ReleaseInventory(ctx context.Context, req saga.ReleaseRequest) error {
	return c.call(ctx, "releaseInventory", serviceInventory, "/internal/inventory/reservations/release", c.cfg.Timeout, req, nil)
}

func (c *Client) InitiatePayment(ctx context.Context, orderID, userID string, amount int64) (string, error) {
	var p model.Payment
	err := c.call(ctx, "initiatePayment", servicePayment, "/internal/payments", c.cfg.PaymentTimeout,
		InitiatePaymentRequest{OrderID: orderID, UserID: userID, Amount: amount}, &p)
	return p.ID, err
}

func (c *Client) RefundPayment(ctx context.Context, orderID, paymentID string) error {
	return c.call(ctx, "refundPayment", servicePayment, "/internal/payments/"+url.PathEscape(paymentID)+"/refund",
		c.cfg.PaymentTimeout, RefundRequest{OrderID: orderID}, nil)
}

func (c *Client) VoidPayment(ctx context.Context, orderID, paymentID string) error {
	return c.call(ctx, "voidPayment", servicePayment, "/internal/payments/"+url.PathEscape(paymentID)+"/void",
		c.cfg.PaymentTimeout, RefundRequest{OrderID: orderID}, nil)
}

func (c *Client) ConfirmOrder(ctx context.Context, orderID, paymentID string) error {
	return c.call(ctx, "confirmOrder", serviceOrder, "/internal/orders/"+url.PathEscape(orderID)+"/confirm",
		c.cfg.Timeout, ConfirmRequest{PaymentID: paymentID}, nil)
}

func (c *Client) FailOrder(ctx context.Context, orderID, reason string, cancelled bool) error {
	return c.call(ctx, "failOrder", serviceOrder, "/internal/orders/"+url.PathEscape(orderID)+"/fail",
		c.cfg.Timeout, FailRequest{Reason: reason, Cancelled: cancelled}, nil)
}

func (c *Client) ReportProgress(ctx context.Context, orderID string, status model.OrderStatus, message string) error {
	return c.call(ctx, "reportProgress", serviceOrder, "/internal/orders/"+url.PathEscape(orderID)+"/progress",
		c.cfg.Timeout, ProgressRequest{Status: status, Message: message}, nil)
}
