package model

import "time"

// SagaStep is the position of an order saga in its state machine.
type SagaStep string

const (
	StepCreated            SagaStep = "Created"
	StepReservingInventory SagaStep = "ReservingInventory"
	StepInventoryReserved  SagaStep = "InventoryReserved"
	StepAwaitingPayment    SagaStep = "AwaitingPayment"
	StepFinalizing         SagaStep = "Finalizing"
	StepCancelling         SagaStep = "Cancelling"
	StepConfirmed          SagaStep = "Confirmed"
	StepFailed             SagaStep = "Failed"
)

func (s SagaStep) Terminal() bool { return s == StepConfirmed || s == StepFailed }

// SagaExecution is the queryable snapshot of a saga; SagaEvent rows are the source of truth.
type SagaExecution struct {
	WorkflowID string    `gorm:"primaryKey;size:64" json:"workflow_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	OrderID   string `gorm:"size:36;not null;uniqueIndex" json:"order_id"`
	UserID    string `gorm:"size:64;not null" json:"user_id"`
	ProductID string `gorm:"size:64;not null" json:"product_id"`
	Quantity  int64  `gorm:"not null" json:"quantity"`
	Amount    int64  `gorm:"not null" json:"amount"`

	Step          SagaStep `gorm:"size:32;not null;index" json:"step"`
	ReservationID string   `gorm:"size:36" json:"reservation_id,omitempty"`
	PaymentID     string   `gorm:"size:36" json:"payment_id,omitempty"`
	PaymentStatus string   `gorm:"size:20" json:"payment_status,omitempty"`

	// pending payment signal, not yet consumed by the saga
	SignalPaymentID string `gorm:"size:36" json:"signal_payment_id,omitempty"`
	SignalStatus    string `gorm:"size:20" json:"signal_status,omitempty"`

	CancelRequested bool       `gorm:"not null;default:false" json:"cancel_requested"`
	PaymentDeadline *time.Time `json:"payment_deadline,omitempty"`

	Success    bool   `gorm:"not null;default:false" json:"success"`
	Reason     string `gorm:"size:255" json:"reason,omitempty"`
	Unresolved string `gorm:"type:text" json:"unresolved,omitempty"`
}

func (SagaExecution) TableName() string { return "saga_executions" }

// SagaEvent is one appended transition of a saga.
type SagaEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	WorkflowID string    `gorm:"size:64;not null;index" json:"workflow_id"`
	Type       string    `gorm:"size:32;not null" json:"type"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
}

func (SagaEvent) TableName() string { return "saga_events" }
