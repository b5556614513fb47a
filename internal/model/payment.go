package model

import "time"

type PaymentStatus string

const (
	PaymentPending        PaymentStatus = "PENDING"
	PaymentRequiresAction PaymentStatus = "REQUIRES_ACTION"
	PaymentSucceeded      PaymentStatus = "SUCCEEDED"
	PaymentFailed         PaymentStatus = "FAILED"
	PaymentRefunded       PaymentStatus = "REFUNDED"
)

// Settled reports whether the processor has already produced an outcome.
func (s PaymentStatus) Settled() bool {
	return s == PaymentSucceeded || s == PaymentFailed || s == PaymentRefunded
}

type Payment struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID       string        `gorm:"size:36;not null;uniqueIndex" json:"order_id"`
	UserID        string        `gorm:"size:64;not null;index" json:"user_id"`
	Amount        int64         `gorm:"not null" json:"amount"` // cents
	Status        PaymentStatus `gorm:"size:20;not null;index" json:"status"`
	LinkToken     string        `gorm:"size:64;index" json:"link_token"`
	TransactionID string        `gorm:"size:64" json:"transaction_id,omitempty"`
	FailureReason string        `gorm:"size:255" json:"failure_reason,omitempty"`
}

func (Payment) TableName() string { return "payments" }
