package saga

import (
	"context"
	"fmt"
	"sync"

	"flash_checkout/internal/metrics"
	"flash_checkout/internal/model"

	"go.uber.org/zap"
)

// run is one saga being driven by this process.
type run struct {
	e   *Engine
	id  string
	log *zap.Logger

	mu sync.Mutex
	st state
	// cursor is the last log row folded into st; own holds rows past it written by this run
	cursor uint
	own    map[uint]struct{}

	// wake is nudged after a signal or cancel request has been persisted
	wake chan struct{}
	done chan struct{}
}

func (r *run) loop() {
	defer r.e.wg.Done()
	defer close(r.done)
	defer r.e.forget(r)

	ctx, cancel := context.WithCancel(r.e.ctx)
	defer cancel()

	token, ok := r.e.acquire(ctx, r.id)
	if !ok {
		r.log.Info("saga owned by another process, not running here")
		return
	}
	if token != "" {
		stopRefresh := make(chan struct{})
		go r.e.keepLock(r.id, token, stopRefresh, cancel)
		defer func() {
			close(stopRefresh)
			if err := r.e.locker.Release(context.Background(), r.id, token); err != nil {
				r.log.Warn("release saga lock", zap.Error(err))
			}
		}()
	}

	metrics.SagasRunning.Inc()
	defer metrics.SagasRunning.Dec()

	if err := r.execute(ctx); err != nil {
		if ctx.Err() != nil {
			r.log.Info("saga suspended", zap.String("step", string(r.view().Step)))
			return
		}
		r.log.Error("saga halted", zap.String("step", string(r.view().Step)), zap.Error(err))
	}
}

// execute advances the state machine until it is terminal. Business failures divert to
// Cancelling; only persistence failures and shutdown return an error.
func (r *run) execute(ctx context.Context) error {
	for {
		st := r.view()
		if st.Step.Terminal() {
			res := st.result()
			outcome := "failed"
			if res.Success {
				outcome = "confirmed"
			}
			metrics.SagaOutcomes.WithLabelValues(outcome).Inc()
			r.log.Info("saga finished", zap.Bool("success", res.Success), zap.String("reason", res.Reason))
			return nil
		}

		var err error
		switch st.Step {
		case model.StepCreated:
			err = r.record(ctx, event{Type: evStep, Step: model.StepReservingInventory})
		case model.StepReservingInventory:
			err = r.reserveInventory(ctx, st)
		case model.StepInventoryReserved:
			err = r.preparePayment(ctx, st)
		case model.StepAwaitingPayment:
			err = r.awaitPayment(ctx)
		case model.StepFinalizing:
			err = r.finalize(ctx, st)
		case model.StepCancelling:
			err = r.compensate(ctx, st)
		default:
			err = fmt.Errorf("unknown saga step %q", st.Step)
		}
		if err != nil {
			return err
		}
	}
}

func (r *run) reserveInventory(ctx context.Context, st state) error {
	if st.CancelRequested {
		return r.beginCompensation(ctx, ReasonCancelled)
	}
	in := st.Input
	reservationID, err := r.e.acts.ReserveInventory(ctx, in.OrderID, in.ProductID, in.Quantity)
	if err != nil {
		return r.fault(ctx, err)
	}
	return r.record(ctx, event{Type: evInventoryReserved, ReservationID: reservationID})
}

func (r *run) preparePayment(ctx context.Context, st state) error {
	in := st.Input
	if err := r.e.acts.ReportProgress(ctx, in.OrderID, model.OrderInventoryReserved, "Inventory reserved successfully"); err != nil {
		return r.fault(ctx, err)
	}
	if r.view().CancelRequested {
		return r.beginCompensation(ctx, ReasonCancelled)
	}

	if st.PaymentID == "" {
		paymentID, err := r.e.acts.InitiatePayment(ctx, in.OrderID, in.UserID, in.Amount)
		if err != nil {
			return r.fault(ctx, err)
		}
		if err := r.record(ctx, event{Type: evPaymentInitiated, PaymentID: paymentID}); err != nil {
			return err
		}
	}

	if err := r.e.acts.ReportProgress(ctx, in.OrderID, model.OrderPaymentPending, "Waiting for customer to complete payment"); err != nil {
		return r.fault(ctx, err)
	}
	deadline := r.e.clock.Now().Add(r.e.paymentTTL).UTC()
	return r.record(ctx, event{Type: evAwaitingPayment, Deadline: &deadline})
}

// awaitPayment is the only long suspension: it wakes on a persisted signal or cancel
// request, on the payment deadline, on the poll interval, or on shutdown. Every wake
// re-reads the log so events written by other processes are seen.
func (r *run) awaitPayment(ctx context.Context) error {
	for {
		if err := r.catchUp(ctx); err != nil {
			r.log.Warn("saga log tail unreadable", zap.Error(err))
		}
		st := r.view()

		if st.Signal != nil && st.PaymentStatus == "" {
			sig := *st.Signal
			if err := r.record(ctx, event{Type: evPaymentResolved, Signal: &sig}); err != nil {
				return err
			}
			continue
		}
		if st.PaymentStatus != "" {
			switch {
			case st.CancelRequested:
				return r.beginCompensation(ctx, ReasonCancelled)
			case st.PaymentStatus == string(model.PaymentSucceeded):
				return r.record(ctx, event{Type: evStep, Step: model.StepFinalizing})
			default:
				return r.beginCompensation(ctx, fmt.Sprintf("payment failed with status: %s", st.PaymentStatus))
			}
		}
		if st.CancelRequested {
			return r.beginCompensation(ctx, ReasonCancelled)
		}
		if st.Deadline == nil {
			deadline := r.e.clock.Now().Add(r.e.paymentTTL).UTC()
			if err := r.record(ctx, event{Type: evAwaitingPayment, Deadline: &deadline}); err != nil {
				return err
			}
			continue
		}

		wait := st.Deadline.Sub(r.e.clock.Now())
		if wait <= 0 {
			return r.beginCompensation(ctx, ReasonExpired)
		}
		if r.e.poll > 0 && r.e.poll < wait {
			wait = r.e.poll
		}
		timer := r.e.clock.NewTimer(wait)
		select {
		case <-r.wake:
			timer.Stop()
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (r *run) finalize(ctx context.Context, st state) error {
	in := st.Input
	if err := r.e.acts.ReportProgress(ctx, in.OrderID, model.OrderPaymentConfirmed, "Payment confirmed, finalizing order"); err != nil {
		return r.fault(ctx, err)
	}
	if err := r.e.acts.ConfirmOrder(ctx, in.OrderID, st.PaymentID); err != nil {
		return r.fault(ctx, err)
	}
	return r.record(ctx, event{Type: evCompleted, Success: true})
}

// compensate undoes what the saga did, each step on its own. Steps that still fail after
// their retries are recorded as unresolved and the saga ends Failed regardless.
func (r *run) compensate(ctx context.Context, st state) error {
	in := st.Input

	switch {
	case st.PaymentID == "":
	case st.PaymentStatus == string(model.PaymentSucceeded):
		if err := r.e.acts.RefundPayment(ctx, in.OrderID, st.PaymentID); err != nil {
			if err := r.unresolved(ctx, "refundPayment", err); err != nil {
				return err
			}
		}
	case st.PaymentStatus == "":
		// the customer may still be paying; close the payment so a late charge is refused
		if err := r.e.acts.VoidPayment(ctx, in.OrderID, st.PaymentID); err != nil {
			if err := r.unresolved(ctx, "voidPayment", err); err != nil {
				return err
			}
		}
	}

	// the intake hold is in the cache even when no reservation row was made
	release := ReleaseRequest{OrderID: in.OrderID, ReservationID: st.ReservationID, ProductID: in.ProductID, Quantity: in.Quantity}
	if err := r.e.acts.ReleaseInventory(ctx, release); err != nil {
		if err := r.unresolved(ctx, "releaseInventory", err); err != nil {
			return err
		}
	}

	if err := r.e.acts.FailOrder(ctx, in.OrderID, st.Reason, st.Reason == ReasonCancelled); err != nil {
		if err := r.unresolved(ctx, "failOrder", err); err != nil {
			return err
		}
	}

	return r.record(ctx, event{Type: evCompleted, Success: false, Reason: st.Reason})
}

func (r *run) unresolved(ctx context.Context, activity string, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.CompensationFailures.WithLabelValues(activity).Inc()
	r.log.Error("compensation unresolved", zap.String("activity", activity), zap.Error(cause))
	return r.record(ctx, event{Type: evCompensationFailed, Activity: activity, Error: cause.Error()})
}

// fault turns an activity failure into compensation, unless the run is shutting down.
func (r *run) fault(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.log.Warn("saga activity failed", zap.Error(err))
	return r.beginCompensation(ctx, err.Error())
}

func (r *run) beginCompensation(ctx context.Context, reason string) error {
	r.log.Info("saga compensating", zap.String("reason", reason))
	return r.record(ctx, event{Type: evCompensating, Reason: reason})
}

func (r *run) view() state {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.clone()
}

// record folds in foreign events first so the snapshot it writes does not drop them.
func (r *run) record(ctx context.Context, ev event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.catchUpLocked(ctx); err != nil {
		r.log.Warn("saga log tail unreadable", zap.Error(err))
	}
	return r.recordLocked(ctx, ev)
}

func (r *run) recordLocked(ctx context.Context, ev event) error {
	id, err := r.e.record(ctx, &r.st, ev)
	if err != nil {
		return err
	}
	if id > r.cursor {
		r.own[id] = struct{}{}
	}
	return nil
}

func (r *run) deliver(ctx context.Context, decide func(st *state) (*event, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.catchUpLocked(ctx); err != nil {
		r.log.Warn("saga log tail unreadable", zap.Error(err))
	}
	st := r.st.clone()
	ev, err := decide(&st)
	if err != nil || ev == nil {
		return err
	}
	if err := r.recordLocked(ctx, *ev); err != nil {
		return err
	}
	r.nudge()
	return nil
}

func (r *run) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) catchUp(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.catchUpLocked(ctx)
}

// catchUpLocked applies the signals and cancel requests that other processes appended
// to the log since the cursor. Only those two events are ever written by a process
// that does not hold the run.
func (r *run) catchUpLocked(ctx context.Context) error {
	rows, err := r.e.store.ListSagaEventsAfter(ctx, r.id, r.cursor)
	if err != nil {
		return err
	}
	for _, row := range rows {
		r.cursor = row.ID
		if _, mine := r.own[row.ID]; mine {
			delete(r.own, row.ID)
			continue
		}
		ev, err := decodeEvent(row)
		if err != nil {
			return err
		}
		switch ev.Type {
		case evSignal, evCancelRequested:
			r.log.Info("saga event from another process applied", zap.String("type", ev.Type))
			r.st.apply(ev)
		default:
			r.log.Warn("unexpected foreign saga event ignored", zap.String("type", ev.Type), zap.Uint("row", row.ID))
		}
	}
	return nil
}
