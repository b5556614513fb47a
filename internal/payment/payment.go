// Package payment records payment attempts and reports their outcome to the order saga.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/model"
	"flash_checkout/internal/saga"
	"flash_checkout/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChargeResult is what a processor answers for one charge.
type ChargeResult struct {
	Status        model.PaymentStatus
	TransactionID string
	FailureReason string
}

// Processor executes charges and refunds against a payment gateway.
type Processor interface {
	Charge(ctx context.Context, p *model.Payment, card string) (ChargeResult, error)
	Refund(ctx context.Context, p *model.Payment) (string, error)
}

// MockProcessor approves every card except those ending in 0.
type MockProcessor struct{}

func (MockProcessor) Charge(_ context.Context, _ *model.Payment, card string) (ChargeResult, error) {
	if strings.HasSuffix(card, "0") {
		return ChargeResult{Status: model.PaymentFailed, FailureReason: "card declined"}, nil
	}
	return ChargeResult{Status: model.PaymentSucceeded, TransactionID: "txn_" + uuid.NewString()}, nil
}

func (MockProcessor) Refund(context.Context, *model.Payment) (string, error) {
	return "rfnd_" + uuid.NewString(), nil
}

// VoidedReason is the failure reason of a payment closed by its order.
const VoidedReason = "order no longer awaiting payment"

// Signaller delivers payment outcomes to the saga waiting on them.
type Signaller interface {
	Signal(ctx context.Context, workflowID string, sig saga.PaymentSignal) error
}

type ProcessRequest struct {
	PaymentID  string `json:"payment_id" binding:"required"`
	CardNumber string `json:"card_number" binding:"required,min=4,max=19,numeric"`
}

type Service struct {
	db    *store.Store
	proc  Processor
	sagas Signaller
	log   *zap.Logger
}

func NewService(db *store.Store, proc Processor, sagas Signaller, log *zap.Logger) *Service {
	return &Service{db: db, proc: proc, sagas: sagas, log: log}
}

// Initiate opens the order's payment. Calling it again returns the same payment.
func (s *Service) Initiate(ctx context.Context, orderID, userID string, amount int64) (*model.Payment, error) {
	if orderID == "" || userID == "" || amount <= 0 {
		return nil, fmt.Errorf("invalid payment: %w", apperr.ErrBadRequest)
	}
	if p, err := s.db.GetPaymentByOrder(ctx, orderID); err == nil {
		return p, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	p := &model.Payment{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		UserID:    userID,
		Amount:    amount,
		Status:    model.PaymentPending,
		LinkToken: uuid.NewString(),
	}
	if err := s.db.CreatePayment(ctx, p); err != nil {
		if store.IsDuplicate(err) {
			return s.db.GetPaymentByOrder(ctx, orderID)
		}
		return nil, err
	}
	s.log.Info("payment initiated",
		zap.String("order_id", orderID), zap.String("payment_id", p.ID), zap.Int64("amount", amount))
	return p, nil
}

// Process charges a pending payment and signals the saga with the result.
// A payment that already has an outcome is not charged again; the outcome is re-sent instead.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (*model.Payment, error) {
	p, err := s.db.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	log := s.log.With(zap.String("payment_id", p.ID), zap.String("order_id", p.OrderID))

	if !p.Status.Settled() {
		from := p.Status
		res, err := s.proc.Charge(ctx, p, req.CardNumber)
		if err != nil {
			log.Warn("payment processor unavailable", zap.Error(err))
			return nil, fmt.Errorf("charge %s: %v: %w", p.ID, err, apperr.ErrTransientInfra)
		}
		p.Status = res.Status
		p.TransactionID = res.TransactionID
		p.FailureReason = res.FailureReason

		changed, err := s.db.SetPaymentStatus(ctx, p, from)
		if err != nil {
			return nil, err
		}
		if !changed {
			// another request settled it first, or the order gave up and voided it
			if res.Status == model.PaymentSucceeded {
				s.reverse(ctx, p, log)
			}
			if p, err = s.db.GetPayment(ctx, req.PaymentID); err != nil {
				return nil, err
			}
		}
		log.Info("payment processed", zap.String("status", string(p.Status)))
	}

	if p.Status == model.PaymentSucceeded || p.Status == model.PaymentFailed {
		if err := s.signal(ctx, p); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (s *Service) signal(ctx context.Context, p *model.Payment) error {
	err := s.sagas.Signal(ctx, saga.WorkflowID(p.OrderID), saga.PaymentSignal{PaymentID: p.ID, Status: string(p.Status)})
	if err != nil {
		s.log.Error("payment signal not delivered",
			zap.String("payment_id", p.ID), zap.String("order_id", p.OrderID), zap.Error(err))
		return fmt.Errorf("signal order %s: %w", p.OrderID, err)
	}
	return nil
}

// reverse refunds a charge that lost the race to settle its payment row.
func (s *Service) reverse(ctx context.Context, charged *model.Payment, log *zap.Logger) {
	refundID, err := s.proc.Refund(ctx, charged)
	if err != nil {
		log.Error("orphan charge not reversed", zap.String("transaction_id", charged.TransactionID), zap.Error(err))
		return
	}
	log.Warn("orphan charge reversed",
		zap.String("transaction_id", charged.TransactionID), zap.String("refund_id", refundID))
}

// Void closes the payment of an order that stopped waiting for it. An unsettled
// payment becomes FAILED and can no longer be charged. One that succeeded without
// the order hearing of it is refunded.
func (s *Service) Void(ctx context.Context, paymentID, orderID string) (*model.Payment, error) {
	p, err := s.db.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if orderID != "" && p.OrderID != orderID {
		return nil, fmt.Errorf("payment %s does not belong to order %s: %w", paymentID, orderID, apperr.ErrBadRequest)
	}

	if !p.Status.Settled() {
		from := p.Status
		p.Status = model.PaymentFailed
		p.FailureReason = VoidedReason
		changed, err := s.db.SetPaymentStatus(ctx, p, from)
		if err != nil {
			return nil, err
		}
		if changed {
			s.log.Info("payment voided", zap.String("payment_id", p.ID), zap.String("order_id", p.OrderID))
			return p, nil
		}
		if p, err = s.db.GetPayment(ctx, paymentID); err != nil {
			return nil, err
		}
	}
	if p.Status == model.PaymentSucceeded {
		return s.Refund(ctx, paymentID, orderID)
	}
	return p, nil
}

// Refund returns a succeeded payment. Refunding twice, or a payment that never
// succeeded, is a no-op.
func (s *Service) Refund(ctx context.Context, paymentID, orderID string) (*model.Payment, error) {
	p, err := s.db.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if orderID != "" && p.OrderID != orderID {
		return nil, fmt.Errorf("payment %s does not belong to order %s: %w", paymentID, orderID, apperr.ErrBadRequest)
	}
	if p.Status != model.PaymentSucceeded {
		s.log.Info("refund skipped", zap.String("payment_id", p.ID), zap.String("status", string(p.Status)))
		return p, nil
	}

	refundID, err := s.proc.Refund(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("refund %s: %v: %w", p.ID, err, apperr.ErrTransientInfra)
	}
	p.Status = model.PaymentRefunded
	if _, err := s.db.SetPaymentStatus(ctx, p, model.PaymentSucceeded); err != nil {
		return nil, err
	}
	s.log.Info("payment refunded", zap.String("payment_id", p.ID), zap.String("refund_id", refundID))
	return s.db.GetPayment(ctx, paymentID)
}

// LatestForOrder returns the most recent payment of an order.
func (s *Service) LatestForOrder(ctx context.Context, orderID string) (*model.Payment, error) {
	return s.db.GetPaymentByOrder(ctx, orderID)
}
