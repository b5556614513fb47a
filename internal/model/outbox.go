package model

import "time"

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	// OutboxDead rows are malformed and will never be published.
	OutboxDead OutboxStatus = "dead"
)

// OutboxEvent is a broker message written in the same transaction as the state it describes.
type OutboxEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Topic     string       `gorm:"size:128;not null" json:"topic"`
	Key       string       `gorm:"size:128;not null" json:"key"`
	Type      string       `gorm:"size:64;not null" json:"type"`
	Payload   string       `gorm:"type:text;not null" json:"payload"`
	Headers   string       `gorm:"type:text" json:"headers,omitempty"` // JSON object, trace context
	Status    OutboxStatus `gorm:"size:16;not null;index" json:"status"`
	Attempts  int          `gorm:"not null;default:0" json:"attempts"`
	LastError string       `gorm:"size:512" json:"last_error,omitempty"`
	SentAt    *time.Time   `json:"sent_at,omitempty"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// All lists every table the service migrates.
func All() []any {
	return []any{
		&Order{}, &Reservation{}, &StockLedger{}, &Payment{},
		&SagaExecution{}, &SagaEvent{}, &OutboxEvent{},
	}
}
