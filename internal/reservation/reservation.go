// Package reservation turns reservation events from the broker into order sagas.
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/metrics"
	"flash_checkout/internal/model"
	"flash_checkout/internal/queue"
	"flash_checkout/internal/saga"
	"flash_checkout/internal/store"
	"flash_checkout/pkg/logger"
	"flash_checkout/pkg/retry"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var announceRetry = retry.Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, Multiplier: 2}

// Sagas starts order sagas; Start must be a no-op for an existing id.
type Sagas interface {
	Start(ctx context.Context, id string, in saga.Input) (bool, error)
	Get(ctx context.Context, id string) (*model.SagaExecution, error)
}

// Announcer publishes that an order entered fulfilment.
type Announcer interface {
	Announce(ctx context.Context, o *model.Order) error
}

type Handler struct {
	db     *store.Store
	orders Announcer
	sagas  Sagas
	log    *zap.Logger
}

func NewHandler(db *store.Store, orders Announcer, sagas Sagas, log *zap.Logger) *Handler {
	return &Handler{db: db, orders: orders, sagas: sagas, log: log}
}

// HandleMessage is the queue.HandlerFunc for the reservation topic.
// Messages that can never be processed are dropped so they do not block the partition.
func (h *Handler) HandleMessage(ctx context.Context, m kafka.Message) error {
	var ev queue.ReservationEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		metrics.ConsumerEvents.WithLabelValues("malformed").Inc()
		h.log.Error("undecodable reservation event dropped",
			zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if err := ev.Validate(); err != nil {
		metrics.ConsumerEvents.WithLabelValues("malformed").Inc()
		h.log.Error("invalid reservation event dropped",
			zap.String("order_id", ev.OrderID), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	return h.Handle(ctx, ev)
}

// Handle starts the saga of a PENDING order. An error means the event should be redelivered.
func (h *Handler) Handle(ctx context.Context, ev queue.ReservationEvent) error {
	log := logger.WithTrace(ctx, h.log).With(zap.String("order_id", ev.OrderID))

	o, err := h.db.GetOrder(ctx, ev.OrderID)
	if errors.Is(err, apperr.ErrNotFound) {
		metrics.ConsumerEvents.WithLabelValues("missing_order").Inc()
		log.Error("reservation event for unknown order dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if o.Status != model.OrderPending {
		metrics.ConsumerEvents.WithLabelValues("skipped").Inc()
		log.Info("order already past PENDING, event skipped", zap.String("status", string(o.Status)))
		return nil
	}

	id := saga.WorkflowID(o.ID)
	if _, err := h.sagas.Get(ctx, id); err == nil {
		metrics.ConsumerEvents.WithLabelValues("duplicate").Inc()
		log.Info("saga already started, event skipped")
		return nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	started, err := h.sagas.Start(ctx, id, saga.Input{
		OrderID:   o.ID,
		UserID:    o.UserID,
		ProductID: o.ProductID,
		Quantity:  o.Quantity,
		Amount:    o.Amount,
	})
	if err != nil {
		log.Warn("saga start failed, event will be redelivered", zap.Error(err))
		return err
	}
	if !started {
		metrics.ConsumerEvents.WithLabelValues("duplicate").Inc()
		return nil
	}

	// only the delivery that created the saga announces the order
	if err := retry.Do(ctx, announceRetry, nil, func(ctx context.Context) error {
		return h.orders.Announce(ctx, o)
	}); err != nil {
		metrics.ConsumerEvents.WithLabelValues("announce_failed").Inc()
		log.Error("order.created not queued, saga runs without it", zap.Error(err))
	}
	metrics.ConsumerEvents.WithLabelValues("started").Inc()
	log.Info("order saga started", zap.String("workflow_id", id))
	return nil
}
