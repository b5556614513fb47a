package model

import "time"

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// Reservation is the durable inventory hold of one order.
type Reservation struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID   string            `gorm:"size:36;not null;uniqueIndex" json:"order_id"`
	ProductID string            `gorm:"size:64;not null;index" json:"product_id"`
	Quantity  int64             `gorm:"not null" json:"quantity"`
	Status    ReservationStatus `gorm:"size:16;not null;index" json:"status"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func (Reservation) TableName() string { return "reservations" }

// StockLedger is the audited stock level; Version guards concurrent writers.
type StockLedger struct {
	ProductID string    `gorm:"primaryKey;size:64" json:"product_id"`
	Quantity  int64     `gorm:"not null;check:quantity >= 0" json:"quantity"`
	Version   int64     `gorm:"not null;default:0" json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StockLedger) TableName() string { return "stock_ledgers" }
