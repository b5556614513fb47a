// Package intake admits purchase requests and hands them to the asynchronous side.
package intake

import (
	"context"
	"fmt"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/metrics"
	"flash_checkout/internal/model"
	"flash_checkout/internal/queue"
	"flash_checkout/internal/store"
	"flash_checkout/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gate is the cache side of admission.
type Gate interface {
	Price(ctx context.Context, productID string) (int64, error)
	Reserve(ctx context.Context, productID string, qty int64) (bool, error)
	ReleaseOnce(ctx context.Context, orderID, productID string, qty int64) (bool, error)
}

type PlaceRequest struct {
	UserID    string `json:"user_id" binding:"required,max=64"`
	ProductID string `json:"product_id" binding:"required,max=64"`
	Quantity  int64  `json:"quantity" binding:"required,min=1,max=10"`
}

type Placement struct {
	OrderID string            `json:"order_id"`
	Status  model.OrderStatus `json:"status"`
	Amount  int64             `json:"amount"`
}

type Handler struct {
	gate   Gate
	db     *store.Store
	topics queue.Topics
	log    *zap.Logger
}

func NewHandler(gate Gate, db *store.Store, topics queue.Topics, log *zap.Logger) *Handler {
	return &Handler{gate: gate, db: db, topics: topics, log: log}
}

// Place runs the synchronous half of checkout:
//  1. price from cache, fail fast when missing
//  2. atomic stock reserve in the cache
//  3. PENDING order plus reservation event in one transaction
//
// It never waits for payment or fulfilment.
func (h *Handler) Place(ctx context.Context, req PlaceRequest) (Placement, error) {
	log := logger.WithTrace(ctx, h.log).With(zap.String("user_id", req.UserID), zap.String("product_id", req.ProductID))
	if req.Quantity <= 0 || req.UserID == "" || req.ProductID == "" {
		return Placement{}, fmt.Errorf("invalid place request: %w", apperr.ErrBadRequest)
	}

	price, err := h.gate.Price(ctx, req.ProductID)
	if err != nil {
		return Placement{}, err
	}

	ok, err := h.gate.Reserve(ctx, req.ProductID, req.Quantity)
	if err != nil {
		log.Warn("admission failed closed", zap.Error(err))
		return Placement{}, fmt.Errorf("product %s: %w", req.ProductID, apperr.ErrOutOfStock)
	}
	if !ok {
		return Placement{}, fmt.Errorf("product %s: %w", req.ProductID, apperr.ErrOutOfStock)
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		UnitPrice: price,
		Amount:    price * req.Quantity,
		Status:    model.OrderPending,
	}
	event := queue.ReservationEvent{
		OrderID:    order.ID,
		UserID:     order.UserID,
		ProductID:  order.ProductID,
		Quantity:   order.Quantity,
		Price:      price,
		Total:      order.Amount,
		ReservedAt: now,
	}

	err = h.db.Tx(ctx, func(tx *store.Store) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		ev, err := queue.NewOutboxEvent(ctx, h.topics.Reservations, order.ID, queue.TypeReservation, event)
		if err != nil {
			return err
		}
		return tx.AddOutbox(ctx, ev)
	})
	if err != nil {
		// the hold must not leak when nothing durable refers to it
		if _, relErr := h.gate.ReleaseOnce(ctx, order.ID, req.ProductID, req.Quantity); relErr != nil {
			log.Error("return cache hold after failed intake", zap.String("order_id", order.ID), zap.Error(relErr))
		}
		return Placement{}, fmt.Errorf("persist order: %v: %w", err, apperr.ErrTransientInfra)
	}

	metrics.OrdersPlaced.Inc()
	log.Info("order accepted", zap.String("order_id", order.ID), zap.Int64("amount", order.Amount))
	return Placement{OrderID: order.ID, Status: order.Status, Amount: order.Amount}, nil
}
