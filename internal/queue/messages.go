package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flash_checkout/internal/model"
	"flash_checkout/pkg/tracing"
)

// Topics names every topic the service writes to.
type Topics struct {
	Reservations string
	Progress     string
	Created      string
	Confirmed    string
	Failed       string
}

func DefaultTopics() Topics {
	return Topics{
		Reservations: "orders.reservations",
		Progress:     "order.progress",
		Created:      "orders.created",
		Confirmed:    "orders.confirmed",
		Failed:       "orders.failed",
	}
}

const (
	TypeReservation    = "order.reservation"
	TypeProgress       = "order.progress"
	TypeOrderCreated   = "order.created"
	TypeOrderConfirmed = "order.confirmed"
	TypeOrderFailed    = "order.failed"
)

// ReservationEvent hands an admitted order to the saga side. Amounts are in cents.
type ReservationEvent struct {
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	ProductID  string    `json:"product_id"`
	Quantity   int64     `json:"quantity"`
	Price      int64     `json:"price"`
	Total      int64     `json:"total"`
	ReservedAt time.Time `json:"reserved_at"`
}

// Validate rejects events a consumer cannot act on.
func (m ReservationEvent) Validate() error {
	if m.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if m.ProductID == "" {
		return fmt.Errorf("product_id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.Quantity <= 0 {
		return fmt.Errorf("quantity must be > 0")
	}
	if m.Total != m.Price*m.Quantity {
		return fmt.Errorf("total %d does not match price %d x quantity %d", m.Total, m.Price, m.Quantity)
	}
	return nil
}

// ProgressEvent is the notification feed consumed outside this service.
type ProgressEvent struct {
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OrderEvent is published on created, confirmed and failed.
type OrderEvent struct {
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	ProductID  string    `json:"product_id"`
	Quantity   int64     `json:"quantity"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewOrderEvent(o *model.Order, at time.Time) OrderEvent {
	return OrderEvent{
		OrderID:    o.ID,
		UserID:     o.UserID,
		ProductID:  o.ProductID,
		Quantity:   o.Quantity,
		Amount:     o.Amount,
		Status:     string(o.Status),
		Reason:     o.FailureReason,
		OccurredAt: at,
	}
}

// NewOutboxEvent encodes payload and captures the caller's trace context for the relay.
func NewOutboxEvent(ctx context.Context, topic, key, typ string, payload any) (*model.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	ev := &model.OutboxEvent{
		Topic:   topic,
		Key:     key,
		Type:    typ,
		Payload: string(body),
		Status:  model.OutboxPending,
	}
	if carrier := tracing.InjectMap(ctx); len(carrier) > 0 {
		h, err := json.Marshal(carrier)
		if err != nil {
			return nil, err
		}
		ev.Headers = string(h)
	}
	return ev, nil
}
