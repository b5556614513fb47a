package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flash_checkout/internal/apperr"
	"flash_checkout/internal/model"
	"flash_checkout/internal/store"
	"flash_checkout/internal/store/storetest"
	rediskey "flash_checkout/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gate parks an activity until the test lets it through.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

type fakeActivities struct {
	mu    sync.Mutex
	calls []string

	progress      []model.OrderStatus
	failReason    string
	failCancelled bool
	released      []ReleaseRequest

	reserveErr error
	releaseErr error
	confirmErr error
	refundErr  error

	gates map[string]*gate
}

func newFakeActivities() *fakeActivities {
	return &fakeActivities{gates: make(map[string]*gate)}
}

func (f *fakeActivities) hold(name string) {
	f.mu.Lock()
	g := f.gates[name]
	f.mu.Unlock()
	if g == nil {
		return
	}
	close(g.entered)
	<-g.release
}

func (f *fakeActivities) note(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeActivities) ReserveInventory(_ context.Context, orderID, _ string, _ int64) (string, error) {
	f.note("reserve")
	if f.reserveErr != nil {
		return "", f.reserveErr
	}
	return "res-" + orderID, nil
}

func (f *fakeActivities) ReleaseInventory(_ context.Context, req ReleaseRequest) error {
	f.note("release")
	f.mu.Lock()
	f.released = append(f.released, req)
	f.mu.Unlock()
	return f.releaseErr
}

func (f *fakeActivities) InitiatePayment(_ context.Context, orderID, _ string, _ int64) (string, error) {
	f.note("initiate")
	return "pay-" + orderID, nil
}

func (f *fakeActivities) RefundPayment(context.Context, string, string) error {
	f.note("refund")
	return f.refundErr
}

func (f *fakeActivities) VoidPayment(context.Context, string, string) error {
	f.note("void")
	return nil
}

func (f *fakeActivities) ConfirmOrder(context.Context, string, string) error {
	f.note("confirm")
	f.hold("confirm")
	return f.confirmErr
}

func (f *fakeActivities) FailOrder(_ context.Context, _ string, reason string, cancelled bool) error {
	f.note("fail")
	f.mu.Lock()
	f.failReason = reason
	f.failCancelled = cancelled
	f.mu.Unlock()
	return nil
}

func (f *fakeActivities) ReportProgress(_ context.Context, _ string, status model.OrderStatus, _ string) error {
	f.mu.Lock()
	f.progress = append(f.progress, status)
	f.mu.Unlock()
	f.hold(string(status))
	return nil
}

func (f *fakeActivities) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func testInput(orderID string) Input {
	return Input{OrderID: orderID, UserID: "u1", ProductID: "p1", Quantity: 2, Amount: 500}
}

func newTestEngine(t *testing.T, db *store.Store, acts Activities, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(db, acts, opts...)
	t.Cleanup(e.Close)
	return e
}

func waitForStep(t *testing.T, e *Engine, id string, step model.SagaStep) {
	t.Helper()
	require.Eventually(t, func() bool {
		exec, err := e.Get(context.Background(), id)
		return err == nil && exec.Step == step
	}, 5*time.Second, 5*time.Millisecond, "saga %s never reached %s", id, step)
}

func waitResult(t *testing.T, e *Engine, id string) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return res
}

func TestSagaPaymentSucceeded(t *testing.T) {
	acts := newFakeActivities()
	e := newTestEngine(t, storetest.NewStore(t), acts)
	ctx := context.Background()
	id := WorkflowID("o1")

	started, err := e.Start(ctx, id, testInput("o1"))
	require.NoError(t, err)
	assert.True(t, started)

	waitForStep(t, e, id, model.StepAwaitingPayment)
	require.NoError(t, e.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o1", Status: string(model.PaymentSucceeded)}))

	res := waitResult(t, e, id)
	assert.True(t, res.Success)
	assert.Equal(t, "o1", res.OrderID)
	assert.Equal(t, 1, acts.called("confirm"))
	assert.Zero(t, acts.called("release"))
	assert.Equal(t, []model.OrderStatus{
		model.OrderInventoryReserved, model.OrderPaymentPending, model.OrderPaymentConfirmed,
	}, acts.progress)

	exec, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StepConfirmed, exec.Step)
	assert.Equal(t, "res-o1", exec.ReservationID)
	assert.Equal(t, "pay-o1", exec.PaymentID)
	require.NotNil(t, exec.PaymentDeadline)
}

func TestSagaPaymentDeclined(t *testing.T) {
	acts := newFakeActivities()
	e := newTestEngine(t, storetest.NewStore(t), acts)
	ctx := context.Background()
	id := WorkflowID("o2")

	_, err := e.Start(ctx, id, testInput("o2"))
	require.NoError(t, err)
	waitForStep(t, e, id, model.StepAwaitingPayment)
	require.NoError(t, e.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o2", Status: string(model.PaymentFailed)}))

	res := waitResult(t, e, id)
	assert.False(t, res.Success)
	assert.Equal(t, "payment failed with status: FAILED", res.Reason)
	assert.Zero(t, acts.called("refund"))
	assert.Zero(t, acts.called("void"))
	assert.Zero(t, acts.called("confirm"))
	assert.Equal(t, 1, acts.called("release"))
	assert.Equal(t, "payment failed with status: FAILED", acts.failReason)
	assert.False(t, acts.failCancelled)
	require.Len(t, acts.released, 1)
	assert.Equal(t, ReleaseRequest{OrderID: "o2", ReservationID: "res-o2", ProductID: "p1", Quantity: 2}, acts.released[0])
}

func TestSagaCancelledWhileAwaitingPayment(t *testing.T) {
	acts := newFakeActivities()
	e := newTestEngine(t, storetest.NewStore(t), acts)
	ctx := context.Background()
	id := WorkflowID("o3")

	_, err := e.Start(ctx, id, testInput("o3"))
	require.NoError(t, err)
	waitForStep(t, e, id, model.StepAwaitingPayment)
	require.NoError(t, e.Cancel(ctx, id))
	require.NoError(t, e.Cancel(ctx, id))

	res := waitResult(t, e, id)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.True(t, acts.failCancelled)
	assert.Equal(t, 1, acts.called("release"))
	assert.Equal(t, 1, acts.called("void"))
	assert.Zero(t, acts.called("refund"))
}

func TestSagaPaymentExpires(t *testing.T) {
	acts := newFakeActivities()
	clock := clockwork.NewFakeClock()
	e := newTestEngine(t, storetest.NewStore(t), acts, WithClock(clock), WithPaymentTTL(15*time.Minute))
	ctx := context.Background()
	id := WorkflowID("o4")

	_, err := e.Start(ctx, id, testInput("o4"))
	require.NoError(t, err)
	waitForStep(t, e, id, model.StepAwaitingPayment)

	clock.BlockUntil(1)
	clock.Advance(16 * time.Minute)

	res := waitResult(t, e, id)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonExpired, res.Reason)
	assert.False(t, acts.failCancelled)
	assert.Equal(t, 1, acts.called("release"))
	assert.Equal(t, 1, acts.called("void"))
}

func TestSagaStartIsIdempotent(t *testing.T) {
	acts := newFakeActivities()
	e := newTestEngine(t, storetest.NewStore(t), acts)
	ctx := context.Background()
	id := WorkflowID("o5")

	started, err := e.Start(ctx, id, testInput("o5"))
	require.NoError(t, err)
	require.True(t, started)
	started, err = e.Start(ctx, id, testInput("o5"))
	require.NoError(t, err)
	assert.False(t, started)

	waitForStep(t, e, id, model.StepAwaitingPayment)
	assert.Equal(t, 1, acts.called("reserve"))
	assert.Equal(t, 1, acts.called("initiate"))
}

func TestSagaAbsorbsLateSignals(t *testing.T) {
	acts := newFakeActivities()
	db := storetest.NewStore(t)
	e := newTestEngine(t, db, acts)
	ctx := context.Background()
	id := WorkflowID("o6")

	_, err := e.Start(ctx, id, testInput("o6"))
	require.NoError(t, err)
	waitForStep(t, e, id, model.StepAwaitingPayment)

	require.NoError(t, e.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o6", Status: string(model.PaymentSucceeded)}))
	require.NoError(t, e.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o6", Status: string(model.PaymentFailed)}))

	res := waitResult(t, e, id)
	assert.True(t, res.Success)
	require.NoError(t, e.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o6", Status: string(model.PaymentFailed)}))

	rows, err := db.ListSagaEvents(ctx, id)
	require.NoError(t, err)
	signals := 0
	for _, row := range rows {
		if row.Type == evSignal {
			signals++
		}
	}
	assert.Equal(t, 1, signals)
}

func TestSagaCancelRejectedOnceFinalizing(t *testing.T) {
	acts := newFakeActivities()
	g := newGate()
	acts.gates["confirm"] = g
	e := newTestEngine(t, storetest.NewStore(t), acts)
	ctx := context.Background()
	id := WorkflowID("o7")

	_, err := e.Start(ctx, id, testInput("o7"))
	require.NoError(t, err)
	waitForStep(t, e, id, model.StepAwaitingPayment)
	require.NoError(t, e.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o7", Status: string(model.PaymentSucceeded)}))

	<-g.entered
	assert.ErrorIs(t, e.Cancel(ctx, id), apperr.ErrInvalidTransition)
	close(g.release)

	res := waitResult(t, e, id)
	assert.True(t, res.Success)
	assert.ErrorIs(t, e.Cancel(ctx, id), apperr.ErrInvalidTransition)
}

func TestSagaCancelAfterSuccessfulChargeRefunds(t *testing.T) {
	acts := newFakeActivities()
	g := newGate()
	acts.gates[string(model.OrderPaymentPending)] = g
	e := newTestEngine(t, storetest.NewStore(t), acts)
	ctx := context.Background()
	id := WorkflowID("o8")

	_, err := e.Start(ctx, id, testInput("o8"))
	require.NoError(t, err)

	<-g.entered
	require.NoError(t, e.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o8", Status: string(model.PaymentSucceeded)}))
	require.NoError(t, e.Cancel(ctx, id))
	close(g.release)

	res := waitResult(t, e, id)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, 1, acts.called("refund"))
	assert.Zero(t, acts.called("void"))
	assert.Equal(t, 1, acts.called("release"))
	assert.Zero(t, acts.called("confirm"))
}

func TestSagaReserveFailureCompensates(t *testing.T) {
	acts := newFakeActivities()
	acts.reserveErr = &apperr.ActivityFault{Activity: "reserveInventory", Attempts: 1, Err: apperr.ErrOutOfStock}
	e := newTestEngine(t, storetest.NewStore(t), acts)
	ctx := context.Background()
	id := WorkflowID("o9")

	_, err := e.Start(ctx, id, testInput("o9"))
	require.NoError(t, err)

	res := waitResult(t, e, id)
	assert.False(t, res.Success)
	assert.Equal(t, acts.reserveErr.Error(), res.Reason)
	assert.Zero(t, acts.called("initiate"))
	assert.Zero(t, acts.called("void"))
	assert.Equal(t, 1, acts.called("release"))
	require.Len(t, acts.released, 1)
	assert.Empty(t, acts.released[0].ReservationID)
}

func TestSagaRecordsUnresolvedCompensation(t *testing.T) {
	acts := newFakeActivities()
	acts.releaseErr = errors.New("inventory unreachable")
	e := newTestEngine(t, storetest.NewStore(t), acts)
	ctx := context.Background()
	id := WorkflowID("o10")

	_, err := e.Start(ctx, id, testInput("o10"))
	require.NoError(t, err)
	waitForStep(t, e, id, model.StepAwaitingPayment)
	require.NoError(t, e.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o10", Status: string(model.PaymentFailed)}))

	res := waitResult(t, e, id)
	assert.False(t, res.Success)
	assert.Equal(t, 1, acts.called("fail"))

	exec, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StepFailed, exec.Step)
	assert.Contains(t, exec.Unresolved, "releaseInventory: inventory unreachable")
}

func TestSagaResumesAfterRestart(t *testing.T) {
	db := storetest.NewStore(t)
	clock := clockwork.NewFakeClock()
	ctx := context.Background()
	id := WorkflowID("o11")

	first := newFakeActivities()
	e1 := NewEngine(db, first, WithClock(clock))
	_, err := e1.Start(ctx, id, testInput("o11"))
	require.NoError(t, err)
	waitForStep(t, e1, id, model.StepAwaitingPayment)
	e1.Close()

	_, err = e1.Start(ctx, WorkflowID("late"), testInput("late"))
	assert.ErrorIs(t, err, apperr.ErrTransientInfra)

	second := newFakeActivities()
	e2 := newTestEngine(t, db, second, WithClock(clock))

	// delivered while nothing runs the saga, picked up by the replay
	require.NoError(t, e2.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o11", Status: string(model.PaymentSucceeded)}))

	n, err := e2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res := waitResult(t, e2, id)
	assert.True(t, res.Success)
	assert.Zero(t, second.called("reserve"))
	assert.Zero(t, second.called("initiate"))
	assert.Equal(t, 1, second.called("confirm"))

	n, err = e2.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSagaUnknownWorkflow(t *testing.T) {
	e := newTestEngine(t, storetest.NewStore(t), newFakeActivities())
	ctx := context.Background()

	assert.ErrorIs(t, e.Cancel(ctx, "order-missing"), apperr.ErrNotFound)
	assert.ErrorIs(t, e.Signal(ctx, "order-missing", PaymentSignal{Status: "SUCCEEDED"}), apperr.ErrNotFound)
}

func TestSagaWaitsForForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	acts := newFakeActivities()
	e := newTestEngine(t, storetest.NewStore(t), acts, WithLocker(NewRedisLocker(rdb), 3*time.Second))
	ctx := context.Background()
	id := WorkflowID("o12")

	ok, err := rediskey.AcquireSagaLock(ctx, rdb, id, "other-node", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.Start(ctx, id, testInput("o12"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.runs) == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, acts.called("reserve"))

	require.NoError(t, rediskey.ReleaseSagaLockIfMatch(ctx, rdb, id, "other-node"))
	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waitForStep(t, e, id, model.StepAwaitingPayment)
	require.NoError(t, e.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o12", Status: string(model.PaymentSucceeded)}))
	res := waitResult(t, e, id)
	assert.True(t, res.Success)

	assert.False(t, mr.Exists(rediskey.SagaLockKey(id)))
}

func TestSagaSeesSignalRecordedByAnotherProcess(t *testing.T) {
	db := storetest.NewStore(t)
	clock := clockwork.NewFakeClock()
	ctx := context.Background()
	id := WorkflowID("o13")

	owner := newFakeActivities()
	a := newTestEngine(t, db, owner, WithClock(clock), WithPaymentTTL(15*time.Minute))
	other := newFakeActivities()
	b := newTestEngine(t, db, other, WithClock(clock))

	_, err := a.Start(ctx, id, testInput("o13"))
	require.NoError(t, err)
	waitForStep(t, a, id, model.StepAwaitingPayment)
	clock.BlockUntil(1)

	require.NoError(t, b.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o13", Status: string(model.PaymentSucceeded)}))
	clock.Advance(16 * time.Minute)

	res := waitResult(t, a, id)
	assert.True(t, res.Success)
	assert.Empty(t, res.Reason)
	assert.Equal(t, 1, owner.called("confirm"))
	assert.Zero(t, owner.called("release"))
	assert.Empty(t, other.calls)

	exec, err := a.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StepConfirmed, exec.Step)
	assert.Equal(t, string(model.PaymentSucceeded), exec.PaymentStatus)
}

func TestSagaPollsForForeignEvents(t *testing.T) {
	db := storetest.NewStore(t)
	clock := clockwork.NewFakeClock()
	ctx := context.Background()
	id := WorkflowID("o14")

	owner := newFakeActivities()
	a := newTestEngine(t, db, owner, WithClock(clock), WithPollInterval(time.Second))
	b := newTestEngine(t, db, newFakeActivities(), WithClock(clock))

	_, err := a.Start(ctx, id, testInput("o14"))
	require.NoError(t, err)
	waitForStep(t, a, id, model.StepAwaitingPayment)
	clock.BlockUntil(1)

	require.NoError(t, b.Cancel(ctx, id))
	clock.Advance(time.Second)

	res := waitResult(t, a, id)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.True(t, owner.failCancelled)
	assert.Equal(t, 1, owner.called("void"))
	assert.Equal(t, 1, owner.called("release"))
}

func TestSagaWokenByAnotherProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	db := storetest.NewStore(t)
	ctx := context.Background()
	id := WorkflowID("o15")

	owner := newFakeActivities()
	a := newTestEngine(t, db, owner,
		WithLocker(NewRedisLocker(rdb), 3*time.Second), WithWaker(NewRedisWaker(rdb)))
	b := newTestEngine(t, db, newFakeActivities(),
		WithLocker(NewRedisLocker(rdb), 3*time.Second), WithWaker(NewRedisWaker(rdb)))
	require.Eventually(t, func() bool { return mr.PubSubNumPat() == 2 }, 5*time.Second, 5*time.Millisecond)

	_, err := a.Start(ctx, id, testInput("o15"))
	require.NoError(t, err)
	waitForStep(t, a, id, model.StepAwaitingPayment)

	// b does not run the saga, so the signal goes through the log and a wake
	require.NoError(t, b.Signal(ctx, id, PaymentSignal{PaymentID: "pay-o15", Status: string(model.PaymentSucceeded)}))

	res := waitResult(t, a, id)
	assert.True(t, res.Success)
	assert.Equal(t, 1, owner.called("confirm"))
}
