package model

import "time"

// OrderStatus is the customer-visible lifecycle of an order.
type OrderStatus string

const (
	OrderPending           OrderStatus = "PENDING"
	OrderInventoryReserved OrderStatus = "INVENTORY_RESERVED"
	OrderPaymentPending    OrderStatus = "PAYMENT_PENDING"
	OrderPaymentConfirmed  OrderStatus = "PAYMENT_CONFIRMED"
	OrderConfirmed         OrderStatus = "CONFIRMED"
	OrderFailed            OrderStatus = "FAILED"
	OrderCancelled         OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:           {OrderInventoryReserved, OrderFailed, OrderCancelled},
	OrderInventoryReserved: {OrderPaymentPending, OrderFailed, OrderCancelled},
	OrderPaymentPending:    {OrderPaymentConfirmed, OrderFailed, OrderCancelled},
	OrderPaymentConfirmed:  {OrderConfirmed, OrderFailed},
}

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderConfirmed || s == OrderFailed || s == OrderCancelled
}

// Cancellable reports whether a customer may still cancel.
func (s OrderStatus) Cancellable() bool {
	return s == OrderPending || s == OrderInventoryReserved || s == OrderPaymentPending
}

// CanTransitionTo checks the edge s -> next. Staying in place is not an edge.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, to := range orderTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderInventoryReserved, OrderPaymentPending, OrderPaymentConfirmed,
		OrderConfirmed, OrderFailed, OrderCancelled:
		return true
	}
	return false
}

// Order is created PENDING by intake and afterwards moved only by saga progress.
type Order struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID        string      `gorm:"size:64;not null;index" json:"user_id"`
	ProductID     string      `gorm:"size:64;not null;index" json:"product_id"`
	Quantity      int64       `gorm:"not null" json:"quantity"`
	UnitPrice     int64       `gorm:"not null" json:"unit_price"` // cents
	Amount        int64       `gorm:"not null" json:"amount"`     // cents
	Status        OrderStatus `gorm:"size:32;not null;index" json:"status"`
	PaymentID     string      `gorm:"size:36" json:"payment_id,omitempty"`
	FailureReason string      `gorm:"size:255" json:"failure_reason,omitempty"`
}

func (Order) TableName() string { return "orders" }
