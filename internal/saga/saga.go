// Package saga drives each order through reserve, pay and finalize, compensating on failure.
//
// Every transition is appended to a durable event log before the saga moves on, so a
// restarted process rebuilds in-flight sagas by replaying that log (see Engine.Recover).
// The workflow body never reads the wall clock: the payment deadline is taken from the
// engine clock once and recorded, and replays reuse the recorded value.
package saga

import (
	"context"
	"errors"
	"time"

	"flash_checkout/internal/model"
)

const (
	ReasonCancelled = "order cancelled by user"
	ReasonExpired   = "payment expired"
)

var ErrNotRunning = errors.New("saga not running")

// WorkflowID derives the saga identity from the order, making starts idempotent.
func WorkflowID(orderID string) string { return "order-" + orderID }

type Input struct {
	OrderID   string `json:"order_id"`
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Amount    int64  `json:"amount"`
}

// PaymentSignal reports the outcome of a payment attempt.
type PaymentSignal struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// Result is how a saga ended. A failed saga is a business outcome, not an error.
type Result struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type ReleaseRequest struct {
	OrderID       string `json:"order_id"`
	ReservationID string `json:"reservation_id,omitempty"`
	ProductID     string `json:"product_id"`
	Quantity      int64  `json:"quantity"`
}

// Activities are the remote calls a saga makes. Receivers are idempotent per order.
type Activities interface {
	ReserveInventory(ctx context.Context, orderID, productID string, qty int64) (reservationID string, err error)
	ReleaseInventory(ctx context.Context, req ReleaseRequest) error
	InitiatePayment(ctx context.Context, orderID, userID string, amount int64) (paymentID string, err error)
	RefundPayment(ctx context.Context, orderID, paymentID string) error
	// VoidPayment stops an unresolved payment from being charged later.
	VoidPayment(ctx context.Context, orderID, paymentID string) error
	ConfirmOrder(ctx context.Context, orderID, paymentID string) error
	FailOrder(ctx context.Context, orderID, reason string, cancelled bool) error
	ReportProgress(ctx context.Context, orderID string, status model.OrderStatus, message string) error
}

// Store persists saga snapshots and their event log.
type Store interface {
	CreateExecution(ctx context.Context, exec *model.SagaExecution, first *model.SagaEvent) (bool, error)
	RecordSagaEvent(ctx context.Context, exec *model.SagaExecution, ev *model.SagaEvent) error
	GetExecution(ctx context.Context, workflowID string) (*model.SagaExecution, error)
	ListSagaEvents(ctx context.Context, workflowID string) ([]model.SagaEvent, error)
	ListSagaEventsAfter(ctx context.Context, workflowID string, afterID uint) ([]model.SagaEvent, error)
	ListUnfinishedExecutions(ctx context.Context) ([]model.SagaExecution, error)
}

// Waker tells the process driving a saga that another process appended to its log.
type Waker interface {
	Wake(ctx context.Context, workflowID string) error
	// Listen yields workflow ids to wake until ctx ends, then closes the channel.
	Listen(ctx context.Context) (<-chan string, error)
}

// Locker keeps two processes from driving the same saga.
type Locker interface {
	Acquire(ctx context.Context, workflowID, token string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, workflowID, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, workflowID, token string) error
}
