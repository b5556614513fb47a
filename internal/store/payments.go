package store

import (
	"context"
	"time"

	"flash_checkout/internal/model"
)

func (s *Store) CreatePayment(ctx context.Context, p *model.Payment) error {
	return s.conn(ctx).Create(p).Error
}

func (s *Store) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	var p model.Payment
	if err := s.conn(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err, "payment", id)
	}
	return &p, nil
}

func (s *Store) GetPaymentByOrder(ctx context.Context, orderID string) (*model.Payment, error) {
	var p model.Payment
	if err := s.conn(ctx).Where("order_id = ?", orderID).Order("created_at desc").First(&p).Error; err != nil {
		return nil, notFound(err, "payment for order", orderID)
	}
	return &p, nil
}

// SetPaymentStatus applies p's status columns if the row is still in from.
func (s *Store) SetPaymentStatus(ctx context.Context, p *model.Payment, from model.PaymentStatus) (bool, error) {
	res := s.conn(ctx).Model(&model.Payment{}).
		Where("id = ? AND status = ?", p.ID, from).
		Updates(map[string]any{
			"status":         p.Status,
			"transaction_id": p.TransactionID,
			"failure_reason": p.FailureReason,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
