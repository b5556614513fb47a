package store

import (
	"context"
	"time"

	"flash_checkout/internal/model"

	"gorm.io/gorm"
)

// AddOutbox queues events for the relay. Call it on the transaction that writes the state they describe.
func (s *Store) AddOutbox(ctx context.Context, events ...*model.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		if ev.Status == "" {
			ev.Status = model.OutboxPending
		}
	}
	return s.conn(ctx).Create(events).Error
}

// PendingOutbox returns the oldest unsent events.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	err := s.conn(ctx).
		Where("status = ?", model.OutboxPending).
		Order("id").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *Store) MarkOutboxSent(ctx context.Context, id uint) error {
	now := time.Now()
	return s.conn(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":   model.OutboxSent,
			"sent_at":  &now,
			"attempts": gorm.Expr("attempts + 1"),
		}).Error
}

// MarkOutboxFailed records a failed publish; the row stays pending.
func (s *Store) MarkOutboxFailed(ctx context.Context, id uint, cause string) error {
	if len(cause) > 500 {
		cause = cause[:500]
	}
	return s.conn(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause,
		}).Error
}

func (s *Store) MarkOutboxDead(ctx context.Context, id uint, cause string) error {
	return s.conn(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": model.OutboxDead, "last_error": cause}).Error
}

// ListOutbox returns events on a topic in insertion order, mostly for inspection.
func (s *Store) ListOutbox(ctx context.Context, topic string) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	err := s.conn(ctx).Where("topic = ?", topic).Order("id").Find(&out).Error
	return out, err
}
