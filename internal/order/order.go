// Package order keeps the customer-visible order record and its progress feed.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/inventory"
	"flash_checkout/internal/model"
	"flash_checkout/internal/queue"
	"flash_checkout/internal/saga"
	"flash_checkout/internal/store"
	rediskey "flash_checkout/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var defaultMessages = map[model.OrderStatus]string{
	model.OrderPending:           "Order received",
	model.OrderInventoryReserved: "Inventory reserved successfully",
	model.OrderPaymentPending:    "Waiting for customer to complete payment",
	model.OrderPaymentConfirmed:  "Payment confirmed, finalizing order",
	model.OrderConfirmed:         "Order confirmed",
	model.OrderFailed:            "Order failed",
	model.OrderCancelled:         "Order cancelled",
}

var progressRank = map[model.OrderStatus]int{
	model.OrderPending:           0,
	model.OrderInventoryReserved: 1,
	model.OrderPaymentPending:    2,
	model.OrderPaymentConfirmed:  3,
}

// Gate returns an order's cache hold when no saga exists to do it.
type Gate interface {
	ReleaseOnce(ctx context.Context, orderID, productID string, qty int64) (bool, error)
}

// Sagas is the part of the saga engine orders talk to.
type Sagas interface {
	Cancel(ctx context.Context, workflowID string) error
}

type Service struct {
	db          *store.Store
	rdb         *rd.Client
	gate        Gate
	sagas       Sagas
	topics      queue.Topics
	progressTTL time.Duration
	log         *zap.Logger
}

func NewService(db *store.Store, rdb *rd.Client, gate Gate, sagas Sagas, topics queue.Topics, progressTTL time.Duration, log *zap.Logger) *Service {
	return &Service{
		db:          db,
		rdb:         rdb,
		gate:        gate,
		sagas:       sagas,
		topics:      topics,
		progressTTL: progressTTL,
		log:         log,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*model.Order, error) {
	return s.db.GetOrder(ctx, id)
}

// Progress answers from the cached snapshot and falls back to the order row.
func (s *Service) Progress(ctx context.Context, id string) (rediskey.ProgressState, error) {
	st, found, err := rediskey.GetProgress(ctx, s.rdb, id)
	if err != nil {
		s.log.Warn("progress cache unavailable", zap.String("order_id", id), zap.Error(err))
	}
	if err == nil && found {
		return st, nil
	}

	o, err := s.db.GetOrder(ctx, id)
	if err != nil {
		return rediskey.ProgressState{}, err
	}
	return rediskey.ProgressState{
		OrderID:   o.ID,
		Status:    string(o.Status),
		Message:   defaultMessages[o.Status],
		Reason:    o.FailureReason,
		UpdatedAt: o.UpdatedAt,
	}, nil
}

// Announce publishes orders.created and the first progress entry for an order picked up
// by the saga side. It does not change the order.
func (s *Service) Announce(ctx context.Context, o *model.Order) error {
	now := time.Now().UTC()
	msg := defaultMessages[o.Status]
	err := s.db.Tx(ctx, func(tx *store.Store) error {
		created, err := queue.NewOutboxEvent(ctx, s.topics.Created, o.ID, queue.TypeOrderCreated, queue.NewOrderEvent(o, now))
		if err != nil {
			return err
		}
		progress, err := s.progressEvent(ctx, o, msg, now)
		if err != nil {
			return err
		}
		return tx.AddOutbox(ctx, created, progress)
	})
	if err != nil {
		return fmt.Errorf("announce order %s: %w", o.ID, err)
	}
	s.snapshot(ctx, o, msg, now)
	return nil
}

// ReportProgress moves an order along its non-terminal statuses.
func (s *Service) ReportProgress(ctx context.Context, id string, status model.OrderStatus, message string) error {
	if !status.Valid() || status.Terminal() {
		return fmt.Errorf("progress status %q: %w", status, apperr.ErrBadRequest)
	}
	_, err := s.transition(ctx, id, message, func(tx *store.Store, o *model.Order) (model.OrderStatus, error) {
		// a resumed saga may repeat a report the order has already moved past
		if !o.Status.Terminal() && progressRank[status] < progressRank[o.Status] {
			return o.Status, nil
		}
		return status, nil
	})
	return err
}

// Confirm completes the order and marks its reservation sold, in one transaction.
func (s *Service) Confirm(ctx context.Context, id, paymentID string) (*model.Order, error) {
	return s.transition(ctx, id, "", func(tx *store.Store, o *model.Order) (model.OrderStatus, error) {
		if paymentID != "" {
			o.PaymentID = paymentID
		}
		if err := inventory.ConfirmReservation(ctx, tx, id); err != nil {
			return "", err
		}
		return model.OrderConfirmed, nil
	})
}

// Fail ends the order as CANCELLED when the customer asked for it and FAILED otherwise.
// An order that already ended is left as it is.
func (s *Service) Fail(ctx context.Context, id, reason string, cancelled bool) (*model.Order, error) {
	return s.transition(ctx, id, "", func(tx *store.Store, o *model.Order) (model.OrderStatus, error) {
		if o.Status.Terminal() {
			s.log.Info("fail on finished order ignored",
				zap.String("order_id", id), zap.String("status", string(o.Status)), zap.String("reason", reason))
			return o.Status, nil
		}
		o.FailureReason = reason
		if cancelled && o.Status.CanTransitionTo(model.OrderCancelled) {
			return model.OrderCancelled, nil
		}
		return model.OrderFailed, nil
	})
}

// Cancel asks the order's saga to stop. Before a saga exists the order is cancelled here
// and its cache hold returned.
func (s *Service) Cancel(ctx context.Context, id string) (*model.Order, error) {
	o, err := s.db.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.Status.Cancellable() {
		return nil, fmt.Errorf("order %s is %s: %w", id, o.Status, apperr.ErrInvalidTransition)
	}

	err = s.sagas.Cancel(ctx, saga.WorkflowID(id))
	switch {
	case err == nil:
		s.log.Info("order cancellation requested", zap.String("order_id", id))
		return o, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}

	o, err = s.Fail(ctx, id, saga.ReasonCancelled, true)
	if err != nil {
		return nil, err
	}
	if o.Status == model.OrderCancelled {
		if _, err := s.gate.ReleaseOnce(ctx, o.ID, o.ProductID, o.Quantity); err != nil {
			s.log.Error("return cache hold of cancelled order", zap.String("order_id", id), zap.Error(err))
		}
	}
	return o, nil
}

// transition applies the status decide picks and writes the matching outbox events in the
// same transaction. Staying in the current status is a no-op.
func (s *Service) transition(ctx context.Context, id, message string,
	decide func(tx *store.Store, o *model.Order) (model.OrderStatus, error)) (*model.Order, error) {
	var (
		out     *model.Order
		changed bool
		now     = time.Now().UTC()
	)
	err := s.db.Tx(ctx, func(tx *store.Store) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		out = o
		next, err := decide(tx, o)
		if err != nil {
			return err
		}
		if next == o.Status {
			return nil
		}
		if !o.Status.CanTransitionTo(next) {
			return fmt.Errorf("order %s %s -> %s: %w", id, o.Status, next, apperr.ErrInvalidTransition)
		}

		o.Status = next
		o.UpdatedAt = now
		if err := tx.SaveOrderStatus(ctx, o); err != nil {
			return err
		}
		if message == "" {
			message = defaultMessages[next]
		}
		events, err := s.statusEvents(ctx, o, message, now)
		if err != nil {
			return err
		}
		changed = true
		return tx.AddOutbox(ctx, events...)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Info("order status changed", zap.String("order_id", id), zap.String("status", string(out.Status)))
		s.snapshot(ctx, out, message, now)
	}
	return out, nil
}

func (s *Service) statusEvents(ctx context.Context, o *model.Order, message string, at time.Time) ([]*model.OutboxEvent, error) {
	progress, err := s.progressEvent(ctx, o, message, at)
	if err != nil {
		return nil, err
	}
	events := []*model.OutboxEvent{progress}

	var topic, typ string
	switch o.Status {
	case model.OrderConfirmed:
		topic, typ = s.topics.Confirmed, queue.TypeOrderConfirmed
	case model.OrderFailed, model.OrderCancelled:
		topic, typ = s.topics.Failed, queue.TypeOrderFailed
	default:
		return events, nil
	}
	lifecycle, err := queue.NewOutboxEvent(ctx, topic, o.ID, typ, queue.NewOrderEvent(o, at))
	if err != nil {
		return nil, err
	}
	return append(events, lifecycle), nil
}

func (s *Service) progressEvent(ctx context.Context, o *model.Order, message string, at time.Time) (*model.OutboxEvent, error) {
	return queue.NewOutboxEvent(ctx, s.topics.Progress, o.ID, queue.TypeProgress, queue.ProgressEvent{
		OrderID:    o.ID,
		UserID:     o.UserID,
		Status:     string(o.Status),
		Message:    message,
		OccurredAt: at,
	})
}

// snapshot refreshes the cached progress. The order row stays authoritative, so a failure only logs.
func (s *Service) snapshot(ctx context.Context, o *model.Order, message string, at time.Time) {
	err := rediskey.PutProgress(ctx, s.rdb, rediskey.ProgressState{
		OrderID:   o.ID,
		Status:    string(o.Status),
		Message:   message,
		Reason:    o.FailureReason,
		UpdatedAt: at,
	}, s.progressTTL)
	if err != nil {
		s.log.Warn("progress snapshot not written", zap.String("order_id", o.ID), zap.Error(err))
	}
}
