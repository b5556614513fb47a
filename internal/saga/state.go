package saga

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"flash_checkout/internal/model"
)

const (
	evStarted            = "started"
	evStep               = "step"
	evInventoryReserved  = "inventory_reserved"
	evPaymentInitiated   = "payment_initiated"
	evAwaitingPayment    = "awaiting_payment"
	evSignal             = "payment_signal"
	evPaymentResolved    = "payment_resolved"
	evCancelRequested    = "cancel_requested"
	evCompensating       = "compensating"
	evCompensationFailed = "compensation_failed"
	evCompleted          = "completed"
)

// event is one entry of the saga log.
type event struct {
	Type          string         `json:"type"`
	Input         *Input         `json:"input,omitempty"`
	Step          model.SagaStep `json:"step,omitempty"`
	ReservationID string         `json:"reservation_id,omitempty"`
	PaymentID     string         `json:"payment_id,omitempty"`
	Signal        *PaymentSignal `json:"signal,omitempty"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Activity      string         `json:"activity,omitempty"`
	Error         string         `json:"error,omitempty"`
	Success       bool           `json:"success,omitempty"`
}

type state struct {
	WorkflowID      string
	Input           Input
	Step            model.SagaStep
	ReservationID   string
	PaymentID       string
	PaymentStatus   string
	Signal          *PaymentSignal
	CancelRequested bool
	Deadline        *time.Time
	Reason          string
	Unresolved      []string
	Success         bool
}

func (s *state) apply(ev event) {
	switch ev.Type {
	case evStarted:
		if ev.Input != nil {
			s.Input = *ev.Input
		}
		s.Step = model.StepCreated
	case evStep:
		s.Step = ev.Step
	case evInventoryReserved:
		s.ReservationID = ev.ReservationID
		s.Step = model.StepInventoryReserved
	case evPaymentInitiated:
		s.PaymentID = ev.PaymentID
	case evAwaitingPayment:
		if ev.Deadline != nil {
			d := *ev.Deadline
			s.Deadline = &d
		}
		s.Step = model.StepAwaitingPayment
	case evSignal:
		if ev.Signal != nil {
			sig := *ev.Signal
			s.Signal = &sig
		}
	case evPaymentResolved:
		if ev.Signal != nil {
			s.PaymentStatus = ev.Signal.Status
			if ev.Signal.PaymentID != "" {
				s.PaymentID = ev.Signal.PaymentID
			}
		}
		s.Signal = nil
	case evCancelRequested:
		s.CancelRequested = true
	case evCompensating:
		s.Step = model.StepCancelling
		s.Reason = ev.Reason
	case evCompensationFailed:
		s.Unresolved = append(s.Unresolved, ev.Activity+": "+ev.Error)
	case evCompleted:
		s.Success = ev.Success
		s.Reason = ev.Reason
		if ev.Success {
			s.Step = model.StepConfirmed
		} else {
			s.Step = model.StepFailed
		}
	}
}

func (s state) clone() state {
	out := s
	if s.Signal != nil {
		sig := *s.Signal
		out.Signal = &sig
	}
	if s.Deadline != nil {
		d := *s.Deadline
		out.Deadline = &d
	}
	out.Unresolved = append([]string(nil), s.Unresolved...)
	return out
}

func (s state) result() Result {
	return Result{Success: s.Success, OrderID: s.Input.OrderID, Reason: s.Reason}
}

func (s state) snapshot() *model.SagaExecution {
	exec := &model.SagaExecution{
		WorkflowID:      s.WorkflowID,
		OrderID:         s.Input.OrderID,
		UserID:          s.Input.UserID,
		ProductID:       s.Input.ProductID,
		Quantity:        s.Input.Quantity,
		Amount:          s.Input.Amount,
		Step:            s.Step,
		ReservationID:   s.ReservationID,
		PaymentID:       s.PaymentID,
		PaymentStatus:   s.PaymentStatus,
		CancelRequested: s.CancelRequested,
		PaymentDeadline: s.Deadline,
		Success:         s.Success,
		Reason:          s.Reason,
		Unresolved:      strings.Join(s.Unresolved, "; "),
	}
	if s.Signal != nil {
		exec.SignalPaymentID = s.Signal.PaymentID
		exec.SignalStatus = s.Signal.Status
	}
	return exec
}

func encodeEvent(workflowID string, ev event) (*model.SagaEvent, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode saga event %s: %w", ev.Type, err)
	}
	return &model.SagaEvent{WorkflowID: workflowID, Type: ev.Type, Payload: string(b)}, nil
}

// replay folds a saga's log into its current state.
func replay(workflowID string, rows []model.SagaEvent) (state, error) {
	st := state{WorkflowID: workflowID}
	if len(rows) == 0 {
		return st, fmt.Errorf("saga %s has no events", workflowID)
	}
	for _, row := range rows {
		ev, err := decodeEvent(row)
		if err != nil {
			return st, err
		}
		st.apply(ev)
	}
	return st, nil
}

func decodeEvent(row model.SagaEvent) (event, error) {
	var ev event
	if err := json.Unmarshal([]byte(row.Payload), &ev); err != nil {
		return ev, fmt.Errorf("decode saga event %d: %w", row.ID, err)
	}
	return ev, nil
}
