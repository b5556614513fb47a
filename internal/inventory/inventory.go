// Package inventory owns the durable stock ledger and per-order reservations.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/model"
	"flash_checkout/internal/saga"
	"flash_checkout/internal/store"
	"flash_checkout/pkg/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gate is the cache counter the ledger shadows.
type Gate interface {
	Release(ctx context.Context, productID string, qty int64) (int64, error)
	ReleaseOnce(ctx context.Context, orderID, productID string, qty int64) (bool, error)
	Counter(ctx context.Context, productID string) (int64, error)
	SetPrice(ctx context.Context, productID string, cents int64) error
}

type Service struct {
	db     *store.Store
	gate   Gate
	hold   time.Duration
	ledger retry.Policy
	log    *zap.Logger
}

func NewService(db *store.Store, gate Gate, hold time.Duration, log *zap.Logger) *Service {
	return &Service{
		db:     db,
		gate:   gate,
		hold:   hold,
		ledger: retry.Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2},
		log:    log,
	}
}

type RestockRequest struct {
	ProductID string `json:"product_id" binding:"required,max=64"`
	Quantity  int64  `json:"quantity" binding:"required,min=1"`
}

// StockView shows both sides of a product's stock.
type StockView struct {
	ProductID string `json:"product_id"`
	Cache     int64  `json:"cache"`
	Ledger    int64  `json:"ledger"`
}

func conflict(err error) bool { return errors.Is(err, apperr.ErrConflict) }

// Restock adds units to the cache counter first, then to the ledger.
// A ledger failure leaves drift that reconciliation reports.
func (s *Service) Restock(ctx context.Context, req RestockRequest) (StockView, error) {
	if req.Quantity <= 0 || req.ProductID == "" {
		return StockView{}, fmt.Errorf("invalid restock: %w", apperr.ErrBadRequest)
	}
	cache, err := s.gate.Release(ctx, req.ProductID, req.Quantity)
	if err != nil {
		return StockView{}, err
	}

	ledger, err := retry.DoValue(ctx, s.ledger, conflict, func(ctx context.Context) (int64, error) {
		return s.addToLedger(ctx, s.db, req.ProductID, req.Quantity)
	})
	if err != nil {
		s.log.Error("ledger restock failed after cache increment",
			zap.String("product_id", req.ProductID), zap.Int64("qty", req.Quantity), zap.Error(err))
		return StockView{}, fmt.Errorf("restock ledger %s: %w", req.ProductID, err)
	}

	s.log.Info("product restocked",
		zap.String("product_id", req.ProductID), zap.Int64("qty", req.Quantity),
		zap.Int64("cache", cache), zap.Int64("ledger", ledger))
	return StockView{ProductID: req.ProductID, Cache: cache, Ledger: ledger}, nil
}

func (s *Service) addToLedger(ctx context.Context, db *store.Store, productID string, qty int64) (int64, error) {
	l, err := db.GetLedger(ctx, productID)
	if errors.Is(err, apperr.ErrNotFound) {
		created, err := db.CreateLedger(ctx, productID, qty)
		if err != nil {
			return 0, err
		}
		if !created {
			// lost the insert race; retry as an update
			return 0, fmt.Errorf("ledger %s created concurrently: %w", productID, apperr.ErrConflict)
		}
		return qty, nil
	}
	if err != nil {
		return 0, err
	}
	if err := db.UpdateLedger(ctx, productID, l.Quantity+qty, l.Version); err != nil {
		return 0, err
	}
	return l.Quantity + qty, nil
}

// Reserve takes qty off the ledger and records the hold for orderID.
// Reserving an order twice returns the first reservation.
func (s *Service) Reserve(ctx context.Context, orderID, productID string, qty int64) (*model.Reservation, error) {
	if orderID == "" || productID == "" || qty <= 0 {
		return nil, fmt.Errorf("invalid reservation: %w", apperr.ErrBadRequest)
	}
	if r, err := s.db.GetReservationByOrder(ctx, orderID); err == nil {
		return r, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	res := &model.Reservation{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  qty,
		Status:    model.ReservationReserved,
		ExpiresAt: time.Now().Add(s.hold).UTC(),
	}
	err := retry.Do(ctx, s.ledger, conflict, func(ctx context.Context) error {
		return s.db.Tx(ctx, func(tx *store.Store) error {
			l, err := tx.GetLedger(ctx, productID)
			if err != nil {
				return err
			}
			if l.Quantity < qty {
				return fmt.Errorf("product %s has %d, want %d: %w", productID, l.Quantity, qty, apperr.ErrOutOfStock)
			}
			if err := tx.UpdateLedger(ctx, productID, l.Quantity-qty, l.Version); err != nil {
				return err
			}
			return tx.CreateReservation(ctx, res)
		})
	})
	if store.IsDuplicate(err) {
		return s.db.GetReservationByOrder(ctx, orderID)
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("inventory reserved",
		zap.String("order_id", orderID), zap.String("product_id", productID), zap.Int64("qty", qty))
	return res, nil
}

// Release cancels the order's reservation, returns its units to the ledger and gives
// the intake hold back to the cache. Confirmed reservations are left alone.
func (s *Service) Release(ctx context.Context, req saga.ReleaseRequest) error {
	if req.OrderID == "" {
		return fmt.Errorf("release without order: %w", apperr.ErrBadRequest)
	}
	productID, qty := req.ProductID, req.Quantity

	r, err := s.db.GetReservationByOrder(ctx, req.OrderID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		// nothing durable was held; only the cache hold remains
	case err != nil:
		return err
	case r.Status == model.ReservationConfirmed:
		s.log.Warn("release of a confirmed reservation ignored", zap.String("order_id", req.OrderID))
		return nil
	default:
		productID, qty = r.ProductID, r.Quantity
		if r.Status == model.ReservationReserved {
			err := retry.Do(ctx, s.ledger, conflict, func(ctx context.Context) error {
				return s.db.Tx(ctx, func(tx *store.Store) error {
					changed, err := tx.SetReservationStatus(ctx, r.ID, model.ReservationReserved, model.ReservationCancelled)
					if err != nil || !changed {
						return err
					}
					_, err = s.addToLedger(ctx, tx, r.ProductID, r.Quantity)
					return err
				})
			})
			if err != nil {
				return fmt.Errorf("release reservation %s: %w", r.ID, err)
			}
			s.log.Info("reservation released", zap.String("order_id", req.OrderID), zap.String("reservation_id", r.ID))
		}
	}

	if productID == "" || qty <= 0 {
		return nil
	}
	_, err = s.gate.ReleaseOnce(ctx, req.OrderID, productID, qty)
	return err
}

// ConfirmReservation moves orderID's reservation to CONFIRMED on db, which may be a transaction.
// Orders without a reservation and already confirmed ones are accepted.
func ConfirmReservation(ctx context.Context, db *store.Store, orderID string) error {
	r, err := db.GetReservationByOrder(ctx, orderID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch r.Status {
	case model.ReservationConfirmed:
		return nil
	case model.ReservationCancelled:
		return fmt.Errorf("reservation %s is cancelled: %w", r.ID, apperr.ErrInvalidTransition)
	}
	_, err = db.SetReservationStatus(ctx, r.ID, model.ReservationReserved, model.ReservationConfirmed)
	return err
}

// SetPrice publishes a catalog price to the cache intake reads from.
func (s *Service) SetPrice(ctx context.Context, productID string, cents int64) error {
	if err := s.gate.SetPrice(ctx, productID, cents); err != nil {
		return err
	}
	s.log.Info("price updated", zap.String("product_id", productID), zap.Int64("cents", cents))
	return nil
}

func (s *Service) Stock(ctx context.Context, productID string) (StockView, error) {
	cache, err := s.gate.Counter(ctx, productID)
	if err != nil {
		return StockView{}, err
	}
	view := StockView{ProductID: productID, Cache: cache}
	l, err := s.db.GetLedger(ctx, productID)
	switch {
	case err == nil:
		view.Ledger = l.Quantity
	case !errors.Is(err, apperr.ErrNotFound):
		return StockView{}, err
	}
	return view, nil
}
