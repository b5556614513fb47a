package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/model"
	"flash_checkout/pkg/retry"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Engine owns the sagas running in this process. At most one run exists per workflow id.
type Engine struct {
	store      Store
	acts       Activities
	clock      clockwork.Clock
	paymentTTL time.Duration
	locker     Locker
	lockTTL    time.Duration
	waker      Waker
	poll       time.Duration
	persist    retry.Policy
	log        *zap.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

type Option func(*Engine)

// WithClock replaces the clock used for payment deadlines.
func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithPaymentTTL(d time.Duration) Option { return func(e *Engine) { e.paymentTTL = d } }

// WithLocker guards every run with a distributed lock refreshed while the run is alive.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locker = l
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithWaker lets signals and cancels recorded by another process wake the run here,
// and lets this process wake runs elsewhere.
func WithWaker(w Waker) Option { return func(e *Engine) { e.waker = w } }

// WithPollInterval bounds how long a suspended run goes without re-reading its log.
// Zero, the default, waits for the deadline or a wake only.
func WithPollInterval(d time.Duration) Option { return func(e *Engine) { e.poll = d } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func NewEngine(store Store, acts Activities, opts ...Option) *Engine {
	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:      store,
		acts:       acts,
		clock:      clockwork.NewRealClock(),
		paymentTTL: 15 * time.Minute,
		lockTTL:    30 * time.Second,
		persist:    retry.Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2},
		log:        zap.NewNop(),
		ctx:        ctx,
		stop:       stop,
		runs:       make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.waker != nil {
		e.wg.Add(1)
		go e.listen()
	}
	return e
}

// Start creates the saga and begins running it. Starting an existing id is a no-op
// that reports started=false. The saga is durable once Start returns without error.
func (e *Engine) Start(ctx context.Context, id string, in Input) (bool, error) {
	if e.ctx.Err() != nil {
		return false, fmt.Errorf("start %s: engine closed: %w", id, apperr.ErrTransientInfra)
	}

	first := event{Type: evStarted, Input: &in}
	row, err := encodeEvent(id, first)
	if err != nil {
		return false, err
	}
	st := state{WorkflowID: id}
	st.apply(first)

	created, err := e.store.CreateExecution(ctx, st.snapshot(), row)
	if err != nil {
		return false, fmt.Errorf("start %s: %w", id, err)
	}
	if !created {
		e.log.Debug("saga already exists", zap.String("workflow_id", id))
		return false, nil
	}

	e.mu.Lock()
	e.launchLocked(st, row.ID)
	e.mu.Unlock()
	e.log.Info("saga started", zap.String("workflow_id", id), zap.String("order_id", in.OrderID))
	return true, nil
}

// Signal delivers a payment outcome. It is persisted before the saga is woken.
// Signals arriving once the payment has been resolved are absorbed.
func (e *Engine) Signal(ctx context.Context, id string, sig PaymentSignal) error {
	return e.deliver(ctx, id, func(st *state) (*event, error) {
		switch {
		case st.Step.Terminal(), st.Step == model.StepFinalizing, st.Step == model.StepCancelling,
			st.PaymentStatus != "", st.Signal != nil:
			e.log.Info("payment signal absorbed",
				zap.String("workflow_id", id), zap.String("status", sig.Status), zap.String("step", string(st.Step)))
			return nil, nil
		}
		return &event{Type: evSignal, Signal: &sig}, nil
	})
}

// Cancel asks the saga to stop. It takes effect at the next suspension point;
// activity calls in flight are allowed to finish.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.deliver(ctx, id, func(st *state) (*event, error) {
		switch {
		case st.Step.Terminal(), st.Step == model.StepFinalizing:
			return nil, fmt.Errorf("saga %s in %s cannot be cancelled: %w", id, st.Step, apperr.ErrInvalidTransition)
		case st.CancelRequested, st.Step == model.StepCancelling:
			return nil, nil
		}
		return &event{Type: evCancelRequested}, nil
	})
}

// deliver records the event decide picks, against the live run when there is one
// and against the stored log otherwise. In the second case the saga may be running in
// another process, which is woken to read the new event.
func (e *Engine) deliver(ctx context.Context, id string, decide func(st *state) (*event, error)) error {
	e.mu.Lock()
	r := e.runs[id]
	if r != nil {
		e.mu.Unlock()
		return r.deliver(ctx, decide)
	}
	// held so Recover cannot launch this saga between our replay and write
	defer e.mu.Unlock()

	rows, err := e.store.ListSagaEvents(ctx, id)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("saga %s: %w", id, apperr.ErrNotFound)
	}
	st, err := replay(id, rows)
	if err != nil {
		return err
	}
	ev, err := decide(&st)
	if err != nil || ev == nil {
		return err
	}
	if _, err := e.record(ctx, &st, *ev); err != nil {
		return err
	}
	if e.waker != nil {
		if err := e.waker.Wake(ctx, id); err != nil {
			// the owner still finds the event at its next poll or deadline
			e.log.Warn("saga wake not sent", zap.String("workflow_id", id), zap.Error(err))
		}
	}
	return nil
}

// Wait blocks until the saga finishes or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (Result, error) {
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !exec.Step.Terminal() {
		return Result{}, fmt.Errorf("saga %s in %s: %w", id, exec.Step, ErrNotRunning)
	}
	return Result{Success: exec.Success, OrderID: exec.OrderID, Reason: exec.Reason}, nil
}

// Get returns the persisted snapshot.
func (e *Engine) Get(ctx context.Context, id string) (*model.SagaExecution, error) {
	return e.store.GetExecution(ctx, id)
}

// Recover resumes every unfinished saga not already running here, rebuilding each from its log.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	execs, err := e.store.ListUnfinishedExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished sagas: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	resumed := 0
	for _, exec := range execs {
		if _, running := e.runs[exec.WorkflowID]; running {
			continue
		}
		rows, err := e.store.ListSagaEvents(ctx, exec.WorkflowID)
		if err != nil {
			return resumed, fmt.Errorf("load saga %s: %w", exec.WorkflowID, err)
		}
		st, err := replay(exec.WorkflowID, rows)
		if err != nil {
			e.log.Error("saga log unreadable, skipping", zap.String("workflow_id", exec.WorkflowID), zap.Error(err))
			continue
		}
		if st.Step.Terminal() {
			continue
		}
		e.launchLocked(st, rows[len(rows)-1].ID)
		resumed++
	}
	if resumed > 0 {
		e.log.Info("sagas resumed", zap.Int("count", resumed))
	}
	return resumed, nil
}

// RecoverEvery calls Recover periodically until ctx ends, picking up sagas
// whose owner went away.
func (e *Engine) RecoverEvery(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := e.Recover(ctx); err != nil {
				e.log.Warn("periodic saga recovery failed", zap.Error(err))
			}
		}
	}
}

// Close stops all runs at their next suspension point and waits for them.
// Stopped sagas stay unfinished in the store and resume on the next Recover.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// launchLocked starts a run over st, which reflects the log up to row cursor.
func (e *Engine) launchLocked(st state, cursor uint) {
	if _, ok := e.runs[st.WorkflowID]; ok {
		return
	}
	r := &run{
		e:      e,
		id:     st.WorkflowID,
		st:     st,
		cursor: cursor,
		own:    make(map[uint]struct{}),
		wake:   make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  e.log.With(zap.String("workflow_id", st.WorkflowID), zap.String("order_id", st.Input.OrderID)),
	}
	e.runs[st.WorkflowID] = r
	e.wg.Add(1)
	go r.loop()
}

func (e *Engine) forget(r *run) {
	e.mu.Lock()
	if e.runs[r.id] == r {
		delete(e.runs, r.id)
	}
	e.mu.Unlock()
}

// record applies ev to a copy of st, persists it, and only then commits it to st.
// It returns the id of the log row written.
func (e *Engine) record(ctx context.Context, st *state, ev event) (uint, error) {
	next := st.clone()
	next.apply(ev)
	id, err := retry.DoValue(ctx, e.persist, nil, func(ctx context.Context) (uint, error) {
		row, err := encodeEvent(st.WorkflowID, ev)
		if err != nil {
			return 0, err
		}
		if err := e.store.RecordSagaEvent(ctx, next.snapshot(), row); err != nil {
			return 0, err
		}
		return row.ID, nil
	})
	if err != nil {
		return 0, fmt.Errorf("record %s for %s: %w", ev.Type, st.WorkflowID, err)
	}
	*st = next
	return id, nil
}

// listen nudges local runs named by wakes from other processes.
func (e *Engine) listen() {
	defer e.wg.Done()
	ids, err := e.waker.Listen(e.ctx)
	if err != nil {
		e.log.Error("saga wake listener not started, runs rely on polling", zap.Error(err))
		return
	}
	for id := range ids {
		e.mu.Lock()
		r := e.runs[id]
		e.mu.Unlock()
		if r != nil {
			r.nudge()
		}
	}
}

func (e *Engine) acquire(ctx context.Context, id string) (string, bool) {
	if e.locker == nil {
		return "", true
	}
	token := uuid.NewString()
	ok, err := retry.DoValue(ctx, e.persist, nil, func(ctx context.Context) (bool, error) {
		return e.locker.Acquire(ctx, id, token, e.lockTTL)
	})
	if err != nil {
		e.log.Warn("saga lock unavailable", zap.String("workflow_id", id), zap.Error(err))
		return "", false
	}
	return token, ok
}

// keepLock refreshes the lock until done closes and cancels the run if the lock is lost.
func (e *Engine) keepLock(id, token string, done <-chan struct{}, lost context.CancelFunc) {
	t := time.NewTicker(e.lockTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			ok, err := e.locker.Refresh(context.Background(), id, token, e.lockTTL)
			if err != nil {
				e.log.Warn("saga lock refresh failed", zap.String("workflow_id", id), zap.Error(err))
				continue
			}
			if !ok {
				e.log.Error("saga lock lost, suspending run", zap.String("workflow_id", id))
				lost()
				return
			}
		}
	}
}
