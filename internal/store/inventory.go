package store

import (
	"context"
	"fmt"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) GetLedger(ctx context.Context, productID string) (*model.StockLedger, error) {
	var l model.StockLedger
	if err := s.conn(ctx).Where("product_id = ?", productID).First(&l).Error; err != nil {
		return nil, notFound(err, "stock ledger", productID)
	}
	return &l, nil
}

func (s *Store) ListLedgers(ctx context.Context) ([]model.StockLedger, error) {
	var out []model.StockLedger
	err := s.conn(ctx).Order("product_id").Find(&out).Error
	return out, err
}

// CreateLedger inserts a ledger row; an existing row is left untouched and reported via created=false.
func (s *Store) CreateLedger(ctx context.Context, productID string, quantity int64) (bool, error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model.StockLedger{
		ProductID: productID,
		Quantity:  quantity,
		UpdatedAt: time.Now(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateLedger sets quantity if the row is still at version; otherwise apperr.ErrConflict.
func (s *Store) UpdateLedger(ctx context.Context, productID string, quantity, version int64) error {
	if quantity < 0 {
		return fmt.Errorf("ledger %s would go negative: %w", productID, apperr.ErrDomainFailure)
	}
	res := s.conn(ctx).Model(&model.StockLedger{}).
		Where("product_id = ? AND version = ?", productID, version).
		Updates(map[string]any{
			"quantity":   quantity,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ledger %s at version %d: %w", productID, version, apperr.ErrConflict)
	}
	return nil
}

func (s *Store) GetReservationByOrder(ctx context.Context, orderID string) (*model.Reservation, error) {
	var r model.Reservation
	if err := s.conn(ctx).Where("order_id = ?", orderID).First(&r).Error; err != nil {
		return nil, notFound(err, "reservation for order", orderID)
	}
	return &r, nil
}

func (s *Store) CreateReservation(ctx context.Context, r *model.Reservation) error {
	return s.conn(ctx).Create(r).Error
}

// SetReservationStatus moves a reservation from one status to another.
// changed=false means it was not in from.
func (s *Store) SetReservationStatus(ctx context.Context, id string, from, to model.ReservationStatus) (bool, error) {
	res := s.conn(ctx).Model(&model.Reservation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
