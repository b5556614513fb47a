package store

import (
	"context"

	"flash_checkout/internal/model"

	"gorm.io/gorm/clause"
)

// CreateExecution inserts a saga and its first event unless the workflow id already exists.
func (s *Store) CreateExecution(ctx context.Context, exec *model.SagaExecution, first *model.SagaEvent) (bool, error) {
	created := false
	err := s.Tx(ctx, func(tx *Store) error {
		res := tx.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(exec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true
		return tx.conn(ctx).Create(first).Error
	})
	return created, err
}

// RecordSagaEvent appends ev and overwrites the snapshot in one transaction.
func (s *Store) RecordSagaEvent(ctx context.Context, exec *model.SagaExecution, ev *model.SagaEvent) error {
	return s.Tx(ctx, func(tx *Store) error {
		if err := tx.conn(ctx).Create(ev).Error; err != nil {
			return err
		}
		return tx.conn(ctx).Model(&model.SagaExecution{}).
			Where("workflow_id = ?", exec.WorkflowID).
			Select("*").
			Omit("created_at").
			Updates(exec).Error
	})
}

func (s *Store) GetExecution(ctx context.Context, workflowID string) (*model.SagaExecution, error) {
	var e model.SagaExecution
	if err := s.conn(ctx).Where("workflow_id = ?", workflowID).First(&e).Error; err != nil {
		return nil, notFound(err, "saga", workflowID)
	}
	return &e, nil
}

func (s *Store) ListSagaEvents(ctx context.Context, workflowID string) ([]model.SagaEvent, error) {
	var out []model.SagaEvent
	err := s.conn(ctx).Where("workflow_id = ?", workflowID).Order("id").Find(&out).Error
	return out, err
}

// ListSagaEventsAfter returns the events appended after the row with id afterID.
func (s *Store) ListSagaEventsAfter(ctx context.Context, workflowID string, afterID uint) ([]model.SagaEvent, error) {
	var out []model.SagaEvent
	err := s.conn(ctx).Where("workflow_id = ? AND id > ?", workflowID, afterID).Order("id").Find(&out).Error
	return out, err
}

// ListUnfinishedExecutions returns sagas that have not reached Confirmed or Failed.
func (s *Store) ListUnfinishedExecutions(ctx context.Context) ([]model.SagaExecution, error) {
	var out []model.SagaExecution
	err := s.conn(ctx).
		Where("step NOT IN ?", []model.SagaStep{model.StepConfirmed, model.StepFailed}).
		Order("created_at").
		Find(&out).Error
	return out, err
}
