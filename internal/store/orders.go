package store

import (
	"context"

	"flash_checkout/internal/model"
)

func (s *Store) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.conn(ctx).Create(o).Error
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if err := s.conn(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, notFound(err, "order", id)
	}
	return &o, nil
}

// SaveOrderStatus writes the mutable columns of o.
func (s *Store) SaveOrderStatus(ctx context.Context, o *model.Order) error {
	return s.conn(ctx).Model(&model.Order{}).
		Where("id = ?", o.ID).
		Updates(map[string]any{
			"status":         o.Status,
			"payment_id":     o.PaymentID,
			"failure_reason": o.FailureReason,
			"updated_at":     o.UpdatedAt,
		}).Error
}
